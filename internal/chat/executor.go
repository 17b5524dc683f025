package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

// Limit reasons reported when a tool-calling chain stops early.
const (
	LimitMaxIterations = "maximum iterations"
	LimitTimeLimit     = "time limit"
)

// ToolRunner is what the executor needs from the MCP layer: the
// published tool schemas and a way to run one call. *mcp.Adapter
// implements it.
type ToolRunner interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall) llm.Message
}

// ToolExecutor owns the per-query tool-calling state: the iteration
// counter, the wall-clock start, and the root query that began the
// chain. It enforces both budgets and drives the chain loop that
// alternates LLM rounds with tool dispatch.
type ToolExecutor struct {
	runner ToolRunner

	maxIterations  int
	maxWorkingTime time.Duration
	toolsEnabled   bool

	iteration int
	startTime time.Time
	rootQuery string

	now func() time.Time // test hook
}

// NewToolExecutor creates an executor dispatching through runner with
// the given budgets. Tools start disabled until a fleet connects.
func NewToolExecutor(runner ToolRunner, maxIterations int, maxWorkingTime time.Duration) *ToolExecutor {
	return &ToolExecutor{
		runner:         runner,
		maxIterations:  maxIterations,
		maxWorkingTime: maxWorkingTime,
		now:            time.Now,
	}
}

// ToolsEnabled reports whether tool schemas are attached to requests.
func (e *ToolExecutor) ToolsEnabled() bool { return e.toolsEnabled }

// SetToolsEnabled toggles tool usage for subsequent queries.
func (e *ToolExecutor) SetToolsEnabled(enabled bool) { e.toolsEnabled = enabled }

// MaxIterations returns the per-turn tool dispatch cap.
func (e *ToolExecutor) MaxIterations() int { return e.maxIterations }

// SetMaxIterations changes the per-turn tool dispatch cap.
func (e *ToolExecutor) SetMaxIterations(n int) { e.maxIterations = n }

// MaxWorkingTime returns the per-turn wall-clock cap.
func (e *ToolExecutor) MaxWorkingTime() time.Duration { return e.maxWorkingTime }

// SetMaxWorkingTime changes the per-turn wall-clock cap.
func (e *ToolExecutor) SetMaxWorkingTime(d time.Duration) { e.maxWorkingTime = d }

// Iterations returns the number of tool dispatches in the current
// query.
func (e *ToolExecutor) Iterations() int { return e.iteration }

// RootQuery returns the user message that started the current query.
func (e *ToolExecutor) RootQuery() string { return e.rootQuery }

// ResetForQuery zeroes the per-query state for a fresh user message.
func (e *ToolExecutor) ResetForQuery(query string) {
	e.iteration = 0
	e.startTime = e.now()
	e.rootQuery = query
}

// Definitions returns the tool schemas to attach to a request, or nil
// when tools are disabled.
func (e *ToolExecutor) Definitions() []llm.ToolDefinition {
	if !e.toolsEnabled || e.runner == nil {
		return nil
	}
	return e.runner.Definitions()
}

// Dispatcher returns the per-stream tool dispatcher. Each invocation
// counts against the iteration budget before the call runs, so an
// in-flight call is never clawed back by the budget check. Dispatch
// failures are already folded into the result content by the runner;
// nothing propagates past this boundary.
func (e *ToolExecutor) Dispatcher(ctx context.Context) llm.ToolDispatcher {
	return func(call llm.ToolCall) (llm.Message, bool) {
		e.iteration++
		slog.Info("using tool", "tool", call.Name, "arguments", string(call.Arguments),
			"iteration", e.iteration, "max", e.maxIterations)

		result := e.runner.Execute(ctx, call)
		slog.Info("tool result", "tool", call.Name, "content", displayContent(result.Content))
		return result, true
	}
}

// ChainResult is what one complete tool-calling chain produced across
// all its rounds.
type ChainResult struct {
	Response    string
	ToolCalls   []llm.ToolCall
	ToolResults []llm.Message
	Limited     bool
	LimitReason string
}

// RunChain continues a tool-calling chain after an initial stream that
// produced tool results. The loop checks both budgets before every
// further round, appends the continuation question to the history, and
// streams again with tools still attached. It stops when a round
// yields no tool results or a budget is exhausted; hitting a budget is
// not an error. A provider failure returns what accumulated so far
// together with the error.
func (e *ToolExecutor) RunChain(ctx context.Context, provider llm.Provider, history *History, initial *llm.StreamResult) (*ChainResult, error) {
	res := &ChainResult{
		Response:    initial.Response,
		ToolCalls:   append([]llm.ToolCall(nil), initial.ToolCalls...),
		ToolResults: append([]llm.Message(nil), initial.ToolResults...),
	}

	lastResults := initial.ToolResults
	for len(lastResults) > 0 {
		elapsed := e.now().Sub(e.startTime)
		switch {
		case e.iteration >= e.maxIterations:
			res.Limited, res.LimitReason = true, LimitMaxIterations
		case elapsed >= e.maxWorkingTime:
			res.Limited, res.LimitReason = true, LimitTimeLimit
		}
		if res.Limited {
			slog.Warn("tool calling budget exhausted", "reason", res.LimitReason,
				"iterations", e.iteration, "elapsed", elapsed.Round(time.Millisecond))
			return res, nil
		}

		history.AddUser(continuationPrompt(lastResults, e.rootQuery))
		slog.Info("continuing tool calling chain", "iteration", e.iteration,
			"max", e.maxIterations, "elapsed", elapsed.Round(time.Millisecond))

		round, err := provider.StreamChat(ctx, llm.ChatRequest{
			Messages: history.Messages(),
			Tools:    e.Definitions(),
		}, llm.StreamObserver{OnToolCall: e.Dispatcher(ctx)})
		if round != nil {
			history.Record(round)
			if round.Response != "" {
				if res.Response != "" {
					res.Response += "\n\n"
				}
				res.Response += round.Response
			}
			res.ToolCalls = append(res.ToolCalls, round.ToolCalls...)
			res.ToolResults = append(res.ToolResults, round.ToolResults...)
		}
		if err != nil {
			return res, err
		}
		lastResults = round.ToolResults
	}
	return res, nil
}

// continuationPrompt is the synthetic user message asking the model
// whether the tool results so far suffice to answer the root query.
func continuationPrompt(results []llm.Message, rootQuery string) string {
	return fmt.Sprintf("Given the tool results: %s, do you have enough information to answer the original query: `%s`? If not, please ask for more information or continue using tools.",
		renderToolResults(results), rootQuery)
}

// renderToolResults flattens tool result messages into a compact JSON
// array for embedding in prompts.
func renderToolResults(results []llm.Message) string {
	type entry struct {
		ToolCallID string `json:"tool_call_id,omitempty"`
		Name       string `json:"name"`
		Content    any    `json:"content"`
	}
	entries := make([]entry, len(results))
	for i, r := range results {
		entries[i] = entry{ToolCallID: r.ToolCallID, Name: r.Name, Content: displayContent(r.Content)}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Sprintf("%v", results)
	}
	return string(data)
}

// renderToolCalls flattens tool calls into a compact JSON array for
// embedding in prompts.
func renderToolCalls(calls []llm.ToolCall) string {
	type entry struct {
		ID        string `json:"id,omitempty"`
		Name      string `json:"name"`
		Arguments any    `json:"arguments,omitempty"`
	}
	entries := make([]entry, len(calls))
	for i, c := range calls {
		e := entry{ID: c.ID, Name: c.Name}
		var args any
		if len(c.Arguments) > 0 && json.Unmarshal(c.Arguments, &args) == nil {
			e.Arguments = args
		} else if len(c.Arguments) > 0 {
			e.Arguments = string(c.Arguments)
		}
		entries[i] = e
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Sprintf("%v", calls)
	}
	return string(data)
}

// displayContent decodes JSON tool output for friendlier display and
// prompt embedding. Non-JSON content passes through unchanged.
func displayContent(content string) any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		switch decoded.(type) {
		case map[string]any, []any:
			return decoded
		}
	}
	return content
}
