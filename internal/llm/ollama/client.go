// Package ollama implements the llm.Provider contract against an
// Ollama server. The /chat endpoint streams newline-delimited JSON
// frames; tool calls arrive inside frames and are dispatched as soon
// as they appear, while the stream stays open.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

// Frames carrying tool call arguments can get long.
const maxLineBytes = 1 << 20

// Client implements llm.Provider for a local or remote Ollama server.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a new Ollama client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("ollama: config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("ollama: invalid config: %w", err)
	}
	// No client-level timeout; a stream runs until its done frame and
	// the request context cancels stalled reads.
	return &Client{config: config, httpClient: &http.Client{}}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return "ollama" }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.config.Model }

// SupportsTools reports whether the configured model accepts tool
// definitions.
func (c *Client) SupportsTools() bool { return llm.SupportsToolCalling(c.config.Model) }

type chatPayload struct {
	Model      string        `json:"model"`
	Messages   []wireMessage `json:"messages"`
	Stream     bool          `json:"stream"`
	Tools      []wireTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Type       string         `json:"type,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string             `json:"type"`
	Function llm.ToolDefinition `json:"function"`
}

type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type chatFrame struct {
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls"`
	} `json:"message"`
	Done bool `json:"done"`
}

// StreamChat sends one chat round and decodes the frame stream
// sequentially. Tool calls are deduplicated by id and dispatched
// mid-stream, one at a time; a frame whose calls produced results
// contributes no content of its own.
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest, obs llm.StreamObserver) (*llm.StreamResult, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("ollama: no messages to send")
	}

	payload := chatPayload{
		Model:    c.config.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{Type: "function", Function: tool})
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llm.TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	res := &llm.StreamResult{}
	var sb strings.Builder
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame chatFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("skipping malformed stream line", "error", err)
			continue
		}

		frameResults := 0
		for _, wc := range frame.Message.ToolCalls {
			call := llm.ToolCall{ID: wc.ID, Name: wc.Function.Name, Arguments: wc.Function.Arguments}
			if call.ID == "" {
				call.ID = uuid.New().String()
			}
			if seen[call.ID] {
				continue
			}
			seen[call.ID] = true
			res.ToolCalls = append(res.ToolCalls, call)
			if obs.OnToolCall == nil {
				continue
			}
			if result, ok := obs.OnToolCall(call); ok {
				res.ToolResults = append(res.ToolResults, result)
				frameResults++
			}
		}

		if frameResults == 0 && frame.Message.Content != "" {
			sb.WriteString(frame.Message.Content)
			if obs.OnContent != nil {
				obs.OnContent(frame.Message.Content)
			}
		}

		if frame.Done {
			break
		}
	}
	res.Response = sb.String()
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("ollama: read stream: %w", err)
	}
	return res, nil
}

func convertMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, msg := range messages {
		wire := wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if msg.ToolCallID != "" {
			wire.Type = "function"
		}
		for _, call := range msg.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: wireFunction{Name: call.Name, Arguments: call.Arguments},
			})
		}
		out[i] = wire
	}
	return out
}
