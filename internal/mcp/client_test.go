package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClientOperationsRequireConnection(t *testing.T) {
	c := NewClient("/tmp/server.py", "python")
	defer c.Close()

	ctx := context.Background()

	if _, err := c.ExecuteTool(ctx, "anything", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ExecuteTool error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Tools(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Tools error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Citations(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Citations error = %v, want ErrNotConnected", err)
	}
	if c.Connected() {
		t.Error("Connected() = true for a never-connected client")
	}
}

func TestClientConnectFailureLeavesDisconnected(t *testing.T) {
	c := NewClient("/tmp/server.py", "/nonexistent/interpreter")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with a nonexistent interpreter")
	}
	if c.Connected() {
		t.Error("Connected() = true after failed connect")
	}
	if _, err := c.ExecuteTool(ctx, "anything", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ExecuteTool error = %v, want ErrNotConnected", err)
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	c := NewClient("/tmp/server.py", "python")

	ctx := context.Background()
	c.Disconnect(ctx)
	c.Disconnect(ctx)

	c.Close()
	c.Close()
}

func TestClientRejectsOperationsAfterClose(t *testing.T) {
	c := NewClient("/tmp/server.py", "python")
	c.Close()

	if _, err := c.ExecuteTool(context.Background(), "anything", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ExecuteTool error after Close = %v, want ErrNotConnected", err)
	}
}

func TestClientHonorsCallerContext(t *testing.T) {
	c := NewClient("/tmp/server.py", "python")
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Tools(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Tools error = %v, want context.Canceled", err)
	}
}

func TestDefaultCitations(t *testing.T) {
	cit := defaultCitations()
	if cit.ServerName != "None" {
		t.Errorf("ServerName = %q, want %q", cit.ServerName, "None")
	}
	if cit.Origin != "Citation not available" {
		t.Errorf("Origin = %q, want %q", cit.Origin, "Citation not available")
	}
	if cit.MCP != "Citation not available" {
		t.Errorf("MCP = %q, want %q", cit.MCP, "Citation not available")
	}
}

func TestUnwrapResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"string result", `{"result": "42"}`, "42"},
		{"numeric result", `{"result": 42}`, "42"},
		{"object result", `{"result": {"sum": 3}}`, `{"sum": 3}`},
		{"extra keys untouched", `{"result": 1, "meta": 2}`, `{"result": 1, "meta": 2}`},
		{"no result key", `{"value": 1}`, `{"value": 1}`},
		{"plain text", "just text", "just text"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unwrapResult(tt.in); got != tt.want {
				t.Errorf("unwrapResult(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
