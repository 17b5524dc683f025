package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hatchling-dev/hatchling/internal/llm"
)

type fakeDispatcher struct {
	result string
	err    error
	delay  map[string]time.Duration

	mu   sync.Mutex
	args map[string]any
}

func (d *fakeDispatcher) ExecuteTool(_ context.Context, name string, args map[string]any) (string, error) {
	d.mu.Lock()
	d.args = args
	d.mu.Unlock()
	if wait, ok := d.delay[name]; ok {
		time.Sleep(wait)
	}
	if d.err != nil {
		return "", d.err
	}
	if d.result != "" {
		return d.result, nil
	}
	return "ran " + name, nil
}

func TestAdapterRebuildPublishesSortedDefinitions(t *testing.T) {
	a := NewAdapter(&fakeDispatcher{})
	a.Rebuild(map[string]ToolInfo{
		"multiply": {Name: "multiply", Description: "multiplies", InputSchema: []byte(`{"type":"object"}`)},
		"add":      {Name: "add", Description: "adds"},
	})

	defs := a.Definitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %+v, want 2", defs)
	}
	if defs[0].Name != "add" || defs[1].Name != "multiply" {
		t.Errorf("order = [%s, %s], want sorted by name", defs[0].Name, defs[1].Name)
	}
	// A tool without a schema still gets a valid object schema.
	var schema map[string]any
	if err := json.Unmarshal(defs[0].Parameters, &schema); err != nil {
		t.Fatalf("fallback schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("fallback schema type = %v, want object", schema["type"])
	}
}

func TestAdapterExecuteBuildsToolMessage(t *testing.T) {
	a := NewAdapter(&fakeDispatcher{result: "3"})

	msg := a.Execute(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "add",
		Arguments: []byte(`{"a":1,"b":2}`),
	})

	if msg.Role != llm.RoleTool {
		t.Errorf("role = %q, want %q", msg.Role, llm.RoleTool)
	}
	if msg.Name != "add" || msg.ToolCallID != "call_1" {
		t.Errorf("name/id = %q/%q", msg.Name, msg.ToolCallID)
	}
	if msg.Content != "3" {
		t.Errorf("content = %q, want %q", msg.Content, "3")
	}
}

func TestAdapterExecuteSynthesizesCallID(t *testing.T) {
	a := NewAdapter(&fakeDispatcher{})

	msg := a.Execute(context.Background(), llm.ToolCall{Name: "add"})
	if !strings.HasPrefix(msg.ToolCallID, "call_") || len(msg.ToolCallID) <= len("call_") {
		t.Errorf("ToolCallID = %q, want a synthesized call_ id", msg.ToolCallID)
	}
}

func TestAdapterExecuteDegradesInvalidArguments(t *testing.T) {
	d := &fakeDispatcher{}
	a := NewAdapter(d)

	a.Execute(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "add",
		Arguments: []byte(`{"a": not json`),
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.args) != 0 {
		t.Errorf("dispatched args = %v, want empty set", d.args)
	}
}

func TestAdapterExecuteFoldsFailuresIntoContent(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{"unknown tool", ErrToolNotFound, "Parameter error executing tool"},
		{"dead connection", ErrNotConnected, "Connection error executing tool"},
		{"timed out", ErrToolTimeout, "Timeout error executing tool"},
		{"anything else", errors.New("boom"), "Error executing tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(&fakeDispatcher{err: tt.err})
			msg := a.Execute(context.Background(), llm.ToolCall{ID: "call_1", Name: "add"})

			if msg.Role != llm.RoleTool {
				t.Errorf("role = %q, want tool", msg.Role)
			}
			var payload map[string]string
			if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
				t.Fatalf("content is not an error object: %v (%q)", err, msg.Content)
			}
			if !strings.HasPrefix(payload["error"], tt.prefix+" add: ") {
				t.Errorf("error = %q, want prefix %q", payload["error"], tt.prefix+" add: ")
			}
		})
	}
}

func TestProcessToolCallsPreservesOrder(t *testing.T) {
	d := &fakeDispatcher{delay: map[string]time.Duration{"slow": 30 * time.Millisecond}}
	a := NewAdapter(d)

	results := a.ProcessToolCalls(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "slow"},
		{ID: "call_2", Name: "fast"},
	})

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Content != "ran slow" || results[1].Content != "ran fast" {
		t.Errorf("results out of order: [%q, %q]", results[0].Content, results[1].Content)
	}
	if results[0].ToolCallID != "call_1" || results[1].ToolCallID != "call_2" {
		t.Errorf("ids out of order: [%q, %q]", results[0].ToolCallID, results[1].ToolCallID)
	}
}
