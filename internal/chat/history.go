// Package chat holds the interactive layer: the message history, the
// tool execution manager that runs tool-calling chains under budget,
// the session that turns one user input into one formatted answer, and
// the command handler behind the colon-prefixed CLI commands.
package chat

import (
	"log/slog"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

// History is the ordered chat transcript. Messages are appended as the
// conversation advances; there is no deduplication and no trimming.
// Not safe for concurrent use, the chat loop is the sole writer.
type History struct {
	messages []llm.Message
}

// NewHistory returns an empty history.
func NewHistory() *History { return &History{} }

// AddUser appends a user message.
func (h *History) AddUser(content string) {
	h.messages = append(h.messages, llm.Message{Role: llm.RoleUser, Content: content})
	slog.Debug("history: added user message", "length", len(content))
}

// AddAssistant appends an assistant message, carrying the tool calls
// it made, if any.
func (h *History) AddAssistant(content string, toolCalls []llm.ToolCall) {
	h.messages = append(h.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	})
	slog.Debug("history: added assistant message", "length", len(content), "tool_calls", len(toolCalls))
}

// AddToolResult appends a tool-role result message.
func (h *History) AddToolResult(msg llm.Message) {
	msg.Role = llm.RoleTool
	h.messages = append(h.messages, msg)
	slog.Debug("history: added tool result", "tool", msg.Name)
}

// Record appends one completed streaming round: the assistant message
// (with its tool calls) followed by every tool result. Rounds that
// produced neither text nor results leave the history untouched.
func (h *History) Record(res *llm.StreamResult) {
	if res == nil {
		return
	}
	if res.Response == "" && len(res.ToolResults) == 0 {
		return
	}
	h.AddAssistant(res.Response, res.ToolCalls)
	for _, result := range res.ToolResults {
		h.AddToolResult(result)
	}
}

// Messages returns a copy of the transcript for building payloads.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// LastUserMessage returns the most recent user message content.
func (h *History) LastUserMessage() (string, bool) {
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Role == llm.RoleUser {
			return h.messages[i].Content, true
		}
	}
	return "", false
}

// Clear drops the whole transcript.
func (h *History) Clear() {
	h.messages = nil
	slog.Debug("history: cleared")
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.messages) }
