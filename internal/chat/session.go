package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/llm"
	"github.com/hatchling-dev/hatchling/internal/mcp"
)

// CitationSource reports which servers a session used and their
// attribution strings. *mcp.Manager implements it.
type CitationSource interface {
	CitationsForSession(ctx context.Context) []mcp.Citations
	ResetSessionTracking()
}

// Session glues the pieces of one conversation together: the history,
// the provider stream, the tool executor, and the citation source used
// when formatting final answers.
type Session struct {
	provider  llm.Provider
	executor  *ToolExecutor
	citations CitationSource
	history   *History
}

// NewSession creates a session. citations may be nil when no MCP fleet
// is connected.
func NewSession(provider llm.Provider, executor *ToolExecutor, citations CitationSource) *Session {
	return &Session{
		provider:  provider,
		executor:  executor,
		citations: citations,
		history:   NewHistory(),
	}
}

// History exposes the transcript for the clear command.
func (s *Session) History() *History { return s.history }

// Executor exposes the tool executor for the runtime commands.
func (s *Session) Executor() *ToolExecutor { return s.executor }

// SendMessage runs one user turn: stream the model's reply, dispatch
// any tool calls it makes, continue the chain under budget, and when
// tools were used produce the formatted final (or partial) answer.
// Content chunks are echoed through onChunk as they arrive. Only
// transport failures propagate; tool failures surface to the model as
// error-shaped results.
func (s *Session) SendMessage(ctx context.Context, userMessage string, onChunk func(string)) (string, error) {
	s.history.AddUser(userMessage)
	s.executor.ResetForQuery(userMessage)

	initial, err := s.provider.StreamChat(ctx, llm.ChatRequest{
		Messages: s.history.Messages(),
		Tools:    s.executor.Definitions(),
	}, llm.StreamObserver{
		OnContent:  onChunk,
		OnToolCall: s.executor.Dispatcher(ctx),
	})
	if initial != nil {
		s.history.Record(initial)
	}
	if err != nil {
		return "", err
	}

	if !s.executor.ToolsEnabled() || s.executor.Iterations() == 0 {
		return initial.Response, nil
	}

	chain, err := s.executor.RunChain(ctx, s.provider, s.history, initial)
	if err != nil {
		return "", err
	}
	return s.formatToolAnswer(ctx, chain, onChunk)
}

// formatToolAnswer produces the user-facing answer after a tool chain:
// a fresh two-message exchange carrying the root query and an
// instruction that enumerates the calls, the results, and (for final
// answers) the citations of every server used this turn. The
// formatting stream carries no tools so the model cannot call more.
func (s *Session) formatToolAnswer(ctx context.Context, chain *ChainResult, onChunk func(string)) (string, error) {
	isFinal := !chain.Limited
	responseType := "Final"
	if !isFinal {
		responseType = "Partial"
	}
	slog.Debug("formatting tool answer", "type", responseType,
		"tool_calls", len(chain.ToolCalls), "tool_results", len(chain.ToolResults))

	prompt := s.answerPrompt(ctx, chain, isFinal)

	clean := NewHistory()
	clean.AddUser(s.executor.RootQuery())
	clean.AddUser(prompt)

	prefix := fmt.Sprintf("\n%s response based on tool results:", responseType)
	if onChunk != nil {
		onChunk(prefix)
	}

	res, err := s.provider.StreamChat(ctx, llm.ChatRequest{Messages: clean.Messages()},
		llm.StreamObserver{OnContent: onChunk})
	if err != nil {
		return "", err
	}
	if res.Response != "" {
		s.history.AddAssistant(res.Response, nil)
	}
	if isFinal && s.citations != nil {
		s.citations.ResetSessionTracking()
	}
	return res.Response, nil
}

// answerPrompt builds the formatting instruction for a tool-assisted
// answer.
func (s *Session) answerPrompt(ctx context.Context, chain *ChainResult, isFinal bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I used tools in reaction to: `%s`.\n", s.executor.RootQuery())
	fmt.Fprintf(&b, "Here are the tool calls: %s.\n", renderToolCalls(chain.ToolCalls))
	fmt.Fprintf(&b, "Here are the tool results: %s.\n\n", renderToolResults(chain.ToolResults))

	if isFinal {
		b.WriteString("Provide a final answer to the original question based on these complete results.")
		if block := s.citationBlock(ctx); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	} else {
		fmt.Fprintf(&b, "However, I reached %s (%d iterations).\n", chain.LimitReason, s.executor.Iterations())
		b.WriteString("Provide a partial answer to the original question based on these partial results and ask if the user wants to continue processing.")
	}

	b.WriteString("\n\nAdapt the level of complexity and information in your answer to the individual tool result.")
	b.WriteString(" A simple tool result leads to a simple answer, while a complex tool result leads to more detail in the final answer.")
	return b.String()
}

// citationBlock lists the attribution of every server used this turn.
func (s *Session) citationBlock(ctx context.Context) string {
	if s.citations == nil {
		return ""
	}
	citations := s.citations.CitationsForSession(ctx)
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Please include the following citations for the tools used in your response. After your main answer, add a section titled 'Citations' with this information:")
	for _, c := range citations {
		fmt.Fprintf(&b, "\n- %s", c.ServerName)
		fmt.Fprintf(&b, "\n  Origin: %s", c.Origin)
		fmt.Fprintf(&b, "\n  Implementation: %s", c.MCP)
	}
	return b.String()
}
