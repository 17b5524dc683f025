// Package llm defines the provider-neutral chat types: messages, tool
// definitions and calls, the streaming contract every provider client
// implements, and the transport error surfaced on HTTP failures.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

// Message is one chat message. Name and ToolCallID are set on tool
// result messages; ToolCalls on assistant messages for providers that
// replay them.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a completed model-originated tool invocation in canonical
// form. Arguments is the raw JSON argument object as the model produced
// it; consumers decode it and degrade invalid JSON to an empty object.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition describes one callable tool. Parameters is a JSON
// Schema forwarded to the provider without interpretation.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is one streaming chat round: the conversation so far and
// the tools the model may call. An empty Tools list sends no tool
// attachment at all.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// ToolDispatcher executes one completed tool call during stream decode
// and returns the tool result message to record. Dispatch happens at
// most once at a time; the decoder waits for the result before reading
// further frames. ok=false records nothing for the call.
type ToolDispatcher func(call ToolCall) (result Message, ok bool)

// StreamObserver receives stream events. Either callback may be nil.
type StreamObserver struct {
	OnContent  func(delta string)
	OnToolCall ToolDispatcher
}

// StreamResult is what one streaming round produced: the assembled
// assistant text, the completed tool calls in arrival order, and the
// results the dispatcher recorded for them.
type StreamResult struct {
	Response    string
	ToolCalls   []ToolCall
	ToolResults []Message
}

// Provider is a streaming chat backend. StreamChat decodes provider
// frames sequentially, forwarding content deltas and dispatching
// completed tool calls through the observer. A truncated stream
// returns the partial result together with the error.
type Provider interface {
	Name() string
	Model() string
	SupportsTools() bool
	StreamChat(ctx context.Context, req ChatRequest, obs StreamObserver) (*StreamResult, error)
}

// TransportError is a non-success HTTP exchange with a provider, with
// the raw response body kept for diagnosis.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}
