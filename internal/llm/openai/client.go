// Package openai implements the llm.Provider contract on top of the
// OpenAI chat completions API. Tool exchanges use the functions wire
// format: definitions go out under "functions", and the streamed reply
// carries at most one function call, emitted incrementally across
// frames and dispatched once the stream has drained.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openailib "github.com/sashabaranov/go-openai"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

// Client implements llm.Provider using the OpenAI-compatible protocol.
// Works with any endpoint that supports the OpenAI chat completions API.
type Client struct {
	client *openailib.Client
	config *Config
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("openai: config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("openai: invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Client{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return "openai" }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.config.Model }

// SupportsTools reports whether the configured model accepts tool
// definitions.
func (c *Client) SupportsTools() bool { return llm.SupportsToolCalling(c.config.Model) }

// StreamChat sends one chat round and decodes the SSE reply frame by
// frame. Content deltas reach the observer as they arrive; a function
// call is assembled across frames and dispatched after the stream ends.
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest, obs llm.StreamObserver) (*llm.StreamResult, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("openai: no messages to send")
	}

	chatReq := openailib.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Functions = convertTools(req.Tools)
		chatReq.FunctionCall = "auto"
	}

	stream, err := c.createStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	res := &llm.StreamResult{}
	var sb strings.Builder
	var callID, callName string
	var callArgs strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Response = sb.String()
			return res, fmt.Errorf("openai: stream recv: %w", wrapAPIError(err))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if fc := delta.FunctionCall; fc != nil {
			if callName == "" {
				callName = fc.Name
			}
			callArgs.WriteString(fc.Arguments)
			if callID == "" {
				callID = chunk.ID
				if callID == "" {
					callID = uuid.New().String()
				}
			}
		}

		if delta.Content != "" {
			sb.WriteString(delta.Content)
			if obs.OnContent != nil {
				obs.OnContent(delta.Content)
			}
		}
	}
	res.Response = sb.String()

	if callName != "" {
		args := json.RawMessage(callArgs.String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		call := llm.ToolCall{ID: callID, Name: callName, Arguments: args}
		res.ToolCalls = append(res.ToolCalls, call)
		if obs.OnToolCall != nil {
			if result, ok := obs.OnToolCall(call); ok {
				res.ToolResults = append(res.ToolResults, result)
			}
		}
	}
	return res, nil
}

// createStream opens the completion stream, retrying transient failures
// up to MaxRetries times.
func (c *Client) createStream(ctx context.Context, req openailib.ChatCompletionRequest) (*openailib.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if attempt < c.config.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			slog.Warn("stream creation failed, retrying",
				"attempt", attempt+1, "retries", c.config.MaxRetries, "wait", wait, "error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("openai: create stream after %d retries: %w", c.config.MaxRetries, wrapAPIError(lastErr))
}

// wrapAPIError converts go-openai API errors into *llm.TransportError
// so callers can branch on HTTP status without string matching.
func wrapAPIError(err error) error {
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		return &llm.TransportError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	return err
}

func convertMessages(messages []llm.Message) []openailib.ChatCompletionMessage {
	out := make([]openailib.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		role := msg.Role
		// Tool results travel as function messages on this protocol.
		if role == llm.RoleTool {
			role = llm.RoleFunction
		}
		out[i] = openailib.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
			Name:    msg.Name,
		}
	}
	return out
}

func convertTools(tools []llm.ToolDefinition) []openailib.FunctionDefinition {
	out := make([]openailib.FunctionDefinition, len(tools))
	for i, tool := range tools {
		out[i] = openailib.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}
	return out
}
