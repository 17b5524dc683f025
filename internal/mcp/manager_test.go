package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeClient struct {
	path       string
	tools      []ToolInfo
	citations  Citations
	connectErr error
	execErr    error

	mu     sync.Mutex
	calls  []string
	closed bool
}

func (f *fakeClient) ServerPath() string { return f.path }

func (f *fakeClient) Connect(context.Context) error { return f.connectErr }

func (f *fakeClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeClient) Tools(context.Context) ([]ToolInfo, error) { return f.tools, nil }

func (f *fakeClient) ExecuteTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.execErr != nil {
		return "", f.execErr
	}
	return "ok", nil
}

func (f *fakeClient) Citations(context.Context) (Citations, error) { return f.citations, nil }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestManager wires a Manager to in-memory fake clients, one per
// server script created under a temp dir. Returned paths follow the
// order of the fakes.
func newTestManager(t *testing.T, fakes ...*fakeClient) (*Manager, []string) {
	t.Helper()
	dir := t.TempDir()
	byPath := make(map[string]*fakeClient, len(fakes))
	paths := make([]string, 0, len(fakes))
	for i, f := range fakes {
		path := filepath.Join(dir, fmt.Sprintf("server%d.py", i))
		if err := os.WriteFile(path, []byte("# server\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.path = path
		byPath[path] = f
		paths = append(paths, path)
	}

	m := NewManager("python")
	m.dial = func(serverPath string) toolClient { return byPath[serverPath] }
	return m, paths
}

func toolNamed(name string) ToolInfo {
	return ToolInfo{Name: name, Description: name + " tool", InputSchema: []byte(`{"type":"object"}`)}
}

func TestConnectServersBuildsToolIndex(t *testing.T) {
	adder := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	multiplier := &fakeClient{tools: []ToolInfo{toolNamed("multiply")}}
	m, paths := newTestManager(t, adder, multiplier)

	n, errs := m.ConnectServers(context.Background(), paths, false)
	if n != 2 {
		t.Fatalf("connected = %d, want 2 (errs: %v)", n, errs)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	defs := m.Adapter().Definitions()
	if len(defs) != 2 || defs[0].Name != "add" || defs[1].Name != "multiply" {
		t.Errorf("definitions = %+v, want add and multiply", defs)
	}
	if got := m.ConnectedServers(); len(got) != 2 {
		t.Errorf("ConnectedServers() = %v", got)
	}
}

func TestConnectServersSkipsMissingScripts(t *testing.T) {
	adder := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	m, paths := newTestManager(t, adder)

	missing := filepath.Join(t.TempDir(), "ghost.py")
	n, errs := m.ConnectServers(context.Background(), append(paths, missing), false)
	if n != 1 {
		t.Errorf("connected = %d, want 1", n)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
}

func TestConnectServersReportsFailedHandshake(t *testing.T) {
	bad := &fakeClient{connectErr: errors.New("handshake refused")}
	good := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	m, paths := newTestManager(t, bad, good)

	n, errs := m.ConnectServers(context.Background(), paths, false)
	if n != 1 {
		t.Errorf("connected = %d, want 1", n)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
	if !bad.wasClosed() {
		t.Error("failed client was not closed")
	}
}

func TestConnectServersKeepsFirstOwnerOnDuplicateTool(t *testing.T) {
	first := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	second := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	m, paths := newTestManager(t, first, second)

	if n, _ := m.ConnectServers(context.Background(), paths, false); n != 2 {
		t.Fatalf("connected = %d, want 2", n)
	}

	if defs := m.Adapter().Definitions(); len(defs) != 1 {
		t.Fatalf("definitions = %+v, want a single add", defs)
	}
	if _, err := m.ExecuteTool(context.Background(), "add", nil); err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if first.callCount() != 1 || second.callCount() != 0 {
		t.Errorf("calls: first=%d second=%d, want routing to the first owner",
			first.callCount(), second.callCount())
	}
}

func TestExecuteToolTracksUsedServers(t *testing.T) {
	adder := &fakeClient{
		tools:     []ToolInfo{toolNamed("add")},
		citations: Citations{ServerName: "adder", Origin: "o-a", MCP: "m-a"},
	}
	multiplier := &fakeClient{
		tools:     []ToolInfo{toolNamed("multiply")},
		citations: Citations{ServerName: "multiplier", Origin: "o-m", MCP: "m-m"},
	}
	m, paths := newTestManager(t, adder, multiplier)
	ctx := context.Background()
	if n, _ := m.ConnectServers(ctx, paths, false); n != 2 {
		t.Fatal("connect failed")
	}

	if _, err := m.ExecuteTool(ctx, "add", map[string]any{"a": 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.ExecuteTool(ctx, "multiply", map[string]any{"a": 2}); err != nil {
		t.Fatalf("multiply: %v", err)
	}

	m.mu.Lock()
	_, usedA := m.used[paths[0]]
	_, usedB := m.used[paths[1]]
	usedCount := len(m.used)
	m.mu.Unlock()
	if !usedA || !usedB || usedCount != 2 {
		t.Errorf("used servers = %v/%v (count %d), want both", usedA, usedB, usedCount)
	}

	citations := m.CitationsForSession(ctx)
	if len(citations) != 2 {
		t.Fatalf("citations = %+v, want 2", citations)
	}

	m.ResetSessionTracking()
	if got := m.CitationsForSession(ctx); len(got) != 0 {
		t.Errorf("citations after reset = %+v, want none", got)
	}
}

func TestExecuteToolUnknownTool(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.ExecuteTool(context.Background(), "ghost", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("error = %v, want ErrToolNotFound", err)
	}
}

func TestExecuteToolEvictsDeadClient(t *testing.T) {
	dead := &fakeClient{
		tools:   []ToolInfo{toolNamed("add")},
		execErr: fmt.Errorf("%w: gone away", ErrNotConnected),
	}
	alive := &fakeClient{
		tools:     []ToolInfo{toolNamed("multiply")},
		citations: Citations{ServerName: "multiplier", Origin: "o-m", MCP: "m-m"},
	}
	m, paths := newTestManager(t, dead, alive)
	ctx := context.Background()
	if n, _ := m.ConnectServers(ctx, paths, false); n != 2 {
		t.Fatal("connect failed")
	}

	_, err := m.ExecuteTool(ctx, "add", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if !dead.wasClosed() {
		t.Error("evicted client was not closed")
	}

	if got := m.ConnectedServers(); len(got) != 1 || got[0] != paths[1] {
		t.Errorf("ConnectedServers() = %v, want only the survivor", got)
	}
	defs := m.Adapter().Definitions()
	if len(defs) != 1 || defs[0].Name != "multiply" {
		t.Errorf("definitions after eviction = %+v, want only multiply", defs)
	}

	// The dead server was used but is gone, so only the survivor can
	// contribute citations.
	if _, err := m.ExecuteTool(ctx, "multiply", nil); err != nil {
		t.Fatalf("multiply: %v", err)
	}
	citations := m.CitationsForSession(ctx)
	if len(citations) != 1 || citations[0].ServerName != "multiplier" {
		t.Errorf("citations = %+v, want only the survivor's", citations)
	}
}

func TestDisconnectAllClearsFleet(t *testing.T) {
	adder := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	m, paths := newTestManager(t, adder)
	ctx := context.Background()
	if n, _ := m.ConnectServers(ctx, paths, false); n != 1 {
		t.Fatal("connect failed")
	}

	m.DisconnectAll(ctx)

	if got := m.ConnectedServers(); len(got) != 0 {
		t.Errorf("ConnectedServers() = %v, want empty", got)
	}
	if defs := m.Adapter().Definitions(); len(defs) != 0 {
		t.Errorf("definitions = %+v, want empty", defs)
	}
	if !adder.wasClosed() {
		t.Error("client was not closed")
	}

	// A second call on the empty fleet is a no-op.
	m.DisconnectAll(ctx)
}

func TestConnectServersIgnoresAlreadyConnected(t *testing.T) {
	adder := &fakeClient{tools: []ToolInfo{toolNamed("add")}}
	m, paths := newTestManager(t, adder)
	ctx := context.Background()

	if n, _ := m.ConnectServers(ctx, paths, false); n != 1 {
		t.Fatal("connect failed")
	}
	n, errs := m.ConnectServers(ctx, paths, false)
	if n != 0 || len(errs) != 0 {
		t.Errorf("reconnect: n=%d errs=%v, want a clean no-op", n, errs)
	}
}
