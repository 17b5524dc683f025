package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

// Dispatcher routes a tool call to whatever owns the named tool.
// Manager implements it.
type Dispatcher interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Adapter translates between the fleet's tool descriptors and the chat
// layer: it publishes provider-ready schemas for every discovered tool
// and turns provider tool calls into tool-role messages. Failures are
// folded into the message content so a bad call never ends the turn.
type Adapter struct {
	dispatcher Dispatcher

	mu   sync.RWMutex
	defs []llm.ToolDefinition
}

// NewAdapter creates an Adapter that dispatches through d.
func NewAdapter(d Dispatcher) *Adapter {
	return &Adapter{dispatcher: d}
}

// Rebuild replaces the published schemas with definitions built from
// the given descriptors, sorted by tool name. Called whenever the
// fleet changes.
func (a *Adapter) Rebuild(infos map[string]ToolInfo) {
	defs := make([]llm.ToolDefinition, 0, len(infos))
	for _, ti := range infos {
		params := ti.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        ti.Name,
			Description: ti.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	a.mu.Lock()
	a.defs = defs
	a.mu.Unlock()
}

// Definitions returns the current provider-ready tool schemas.
func (a *Adapter) Definitions() []llm.ToolDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	defs := make([]llm.ToolDefinition, len(a.defs))
	copy(defs, a.defs)
	return defs
}

// Execute runs one tool call and returns its tool-role message. The
// call ID is synthesized when the provider sent none, and argument
// JSON that does not parse degrades to an empty argument set.
func (a *Adapter) Execute(ctx context.Context, call llm.ToolCall) llm.Message {
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			slog.Warn("tool call arguments are not a JSON object, using none",
				"tool", call.Name, "error", err)
			args = map[string]any{}
		}
	}

	text, err := a.dispatcher.ExecuteTool(ctx, call.Name, args)
	if err != nil {
		return a.failureMessage(call, err)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		Content:    text,
		ToolCallID: call.ID,
	}
}

// failureMessage encodes a dispatch failure as the tool's response so
// the model can see what went wrong and react.
func (a *Adapter) failureMessage(call llm.ToolCall, err error) llm.Message {
	var prefix string
	switch {
	case errors.Is(err, ErrToolNotFound):
		prefix = "Parameter error executing tool"
	case errors.Is(err, ErrNotConnected):
		prefix = "Connection error executing tool"
	case errors.Is(err, ErrToolTimeout):
		prefix = "Timeout error executing tool"
	default:
		prefix = "Error executing tool"
	}
	slog.Error("tool call failed", "tool", call.Name, "error", err)

	payload, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("%s %s: %v", prefix, call.Name, err),
	})
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		Content:    string(payload),
		ToolCallID: call.ID,
	}
}

// ProcessToolCalls executes a batch of tool calls concurrently and
// returns one message per call, in the order the calls were given.
func (a *Adapter) ProcessToolCalls(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = a.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
