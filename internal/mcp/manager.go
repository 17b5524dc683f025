package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// settleDelay gives an auto-started server time to bind before the
// handshake begins.
const settleDelay = 2 * time.Second

// toolClient is the part of Client the Manager drives. Fleet behavior
// is tested against in-memory implementations of it.
type toolClient interface {
	ServerPath() string
	Connect(ctx context.Context) error
	Close()
	Tools(ctx context.Context) ([]ToolInfo, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error)
	Citations(ctx context.Context) (Citations, error)
}

// Manager owns the fleet of MCP clients. It routes tool calls to the
// owning client, tracks which servers a session actually used, and
// evicts clients that report a dead connection.
//
// Map mutations are guarded by mu. Network I/O happens outside the
// lock so a hung server cannot block unrelated fleet operations.
type Manager struct {
	python  string
	dial    func(serverPath string) toolClient
	adapter *Adapter

	mu        sync.Mutex
	clients   map[string]toolClient // server path -> client
	tools     map[string]toolClient // tool name -> owning client
	toolInfos map[string]ToolInfo   // tool name -> descriptor
	used      map[string]struct{}   // server paths used since last reset
	procs     map[string]*exec.Cmd  // auto-started server processes
}

// NewManager creates an empty Manager. python is the interpreter
// command used for server subprocesses.
func NewManager(python string) *Manager {
	m := &Manager{
		python:    python,
		clients:   make(map[string]toolClient),
		tools:     make(map[string]toolClient),
		toolInfos: make(map[string]ToolInfo),
		used:      make(map[string]struct{}),
		procs:     make(map[string]*exec.Cmd),
	}
	m.dial = func(serverPath string) toolClient {
		return NewClient(serverPath, m.python)
	}
	m.adapter = NewAdapter(m)
	return m
}

// Adapter returns the tool-schema adapter bound to this Manager.
func (m *Manager) Adapter() *Adapter { return m.adapter }

type connectOutcome struct {
	path  string
	cli   toolClient
	tools []ToolInfo
	proc  *exec.Cmd
	err   error
}

// ConnectServers connects the fleet to the given server scripts.
// Paths are canonicalised to absolute and must point at existing
// files. When autoStart is set, each server is first launched as a
// detached process from its own directory. Connections run in
// parallel; a failing server never blocks the others. Returns the
// number of servers connected and one error per failure.
func (m *Manager) ConnectServers(ctx context.Context, paths []string, autoStart bool) (int, []error) {
	var errs []error
	var targets []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("mcp: resolve server path %q: %w", p, err))
			continue
		}
		if !isFile(abs) {
			errs = append(errs, fmt.Errorf("mcp: server script not found: %s", abs))
			continue
		}
		m.mu.Lock()
		_, already := m.clients[abs]
		m.mu.Unlock()
		if already {
			slog.Debug("MCP server already connected", "path", abs)
			continue
		}
		targets = append(targets, abs)
	}

	outcomes := make([]connectOutcome, len(targets))
	var g errgroup.Group
	for i, path := range targets {
		g.Go(func() error {
			outcomes[i] = m.connectOne(ctx, path, autoStart)
			return nil
		})
	}
	_ = g.Wait()

	connected := 0
	m.mu.Lock()
	for _, out := range outcomes {
		if out.err != nil {
			errs = append(errs, out.err)
			continue
		}
		if out.proc != nil {
			m.procs[out.path] = out.proc
		}
		m.clients[out.path] = out.cli
		connected++
		for _, ti := range out.tools {
			if owner, taken := m.tools[ti.Name]; taken {
				slog.Warn("duplicate tool name across MCP servers",
					"tool", ti.Name, "path", out.path, "owner", owner.ServerPath())
				continue
			}
			m.tools[ti.Name] = out.cli
			m.toolInfos[ti.Name] = ti
		}
	}
	infos := m.snapshotToolInfosLocked()
	m.mu.Unlock()

	m.adapter.Rebuild(infos)
	if connected > 0 {
		slog.Info("MCP fleet connected", "servers", connected, "tools", len(infos))
	}
	return connected, errs
}

func (m *Manager) connectOne(ctx context.Context, path string, autoStart bool) connectOutcome {
	out := connectOutcome{path: path}

	if autoStart {
		proc, err := m.startServer(path)
		if err != nil {
			slog.Warn("failed to launch MCP server process", "path", path, "error", err)
		} else {
			out.proc = proc
			select {
			case <-time.After(settleDelay):
			case <-ctx.Done():
				out.err = ctx.Err()
				return out
			}
		}
	}

	cli := m.dial(path)
	if err := cli.Connect(ctx); err != nil {
		cli.Close()
		out.err = err
		return out
	}
	tools, err := cli.Tools(ctx)
	if err != nil {
		cli.Close()
		out.err = fmt.Errorf("mcp: enumerate tools for %q: %w", path, err)
		return out
	}
	out.cli = cli
	out.tools = tools
	return out
}

// startServer launches the script as a detached process with the
// script's directory as working directory, so servers resolve their
// data files relative to themselves.
func (m *Manager) startServer(path string) (*exec.Cmd, error) {
	cmd := exec.Command(m.python, filepath.Base(path))
	cmd.Dir = filepath.Dir(path)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slog.Debug("launched MCP server process", "path", path, "pid", cmd.Process.Pid)
	return cmd, nil
}

// ExecuteTool routes a tool call to the owning client and records the
// server as used for citation tracking. A client that reports a dead
// connection is evicted from the fleet before the error is returned.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	m.mu.Lock()
	cli, ok := m.tools[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	m.used[cli.ServerPath()] = struct{}{}
	m.mu.Unlock()

	text, err := cli.ExecuteTool(ctx, name, args)
	if err != nil && errors.Is(err, ErrNotConnected) {
		m.evict(cli)
	}
	return text, err
}

// evict drops a dead client and every tool it owned, then republishes
// the surviving tool schemas.
func (m *Manager) evict(cli toolClient) {
	path := cli.ServerPath()

	m.mu.Lock()
	if _, ok := m.clients[path]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, path)
	for name, owner := range m.tools {
		if owner == cli {
			delete(m.tools, name)
			delete(m.toolInfos, name)
		}
	}
	infos := m.snapshotToolInfosLocked()
	m.mu.Unlock()

	slog.Warn("evicted disconnected MCP server", "path", path)
	cli.Close()
	m.adapter.Rebuild(infos)
}

// CitationsForSession returns the citations of every server used since
// the last reset that is still part of the fleet, ordered by server
// path. Unreadable citations are skipped.
func (m *Manager) CitationsForSession(ctx context.Context) []Citations {
	m.mu.Lock()
	paths := make([]string, 0, len(m.used))
	for path := range m.used {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	clients := make(map[string]toolClient, len(paths))
	for _, path := range paths {
		if cli, ok := m.clients[path]; ok {
			clients[path] = cli
		}
	}
	m.mu.Unlock()

	var citations []Citations
	for _, path := range paths {
		cli, ok := clients[path]
		if !ok {
			continue
		}
		cit, err := cli.Citations(ctx)
		if err != nil {
			slog.Warn("citations unavailable", "path", path, "error", err)
			continue
		}
		citations = append(citations, cit)
	}
	return citations
}

// ResetSessionTracking forgets which servers the session has used.
func (m *Manager) ResetSessionTracking() {
	m.mu.Lock()
	m.used = make(map[string]struct{})
	m.mu.Unlock()
}

// ConnectedServers returns the paths of all connected servers, sorted.
func (m *Manager) ConnectedServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.clients))
	for path := range m.clients {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DisconnectAll closes every client, terminates auto-started server
// processes, and clears all fleet state. Always leaves an empty fleet.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	clients := m.clients
	procs := m.procs
	m.clients = make(map[string]toolClient)
	m.tools = make(map[string]toolClient)
	m.toolInfos = make(map[string]ToolInfo)
	m.used = make(map[string]struct{})
	m.procs = make(map[string]*exec.Cmd)
	m.mu.Unlock()

	var g errgroup.Group
	for _, cli := range clients {
		g.Go(func() error {
			cli.Close()
			return nil
		})
	}
	_ = g.Wait()

	for path, proc := range procs {
		if proc.Process == nil {
			continue
		}
		if err := proc.Process.Kill(); err != nil {
			slog.Warn("failed to stop MCP server process", "path", path, "error", err)
			continue
		}
		_ = proc.Wait()
		slog.Debug("stopped MCP server process", "path", path)
	}

	m.adapter.Rebuild(nil)
	if len(clients) > 0 {
		slog.Info("MCP fleet disconnected", "servers", len(clients))
	}
}

func (m *Manager) snapshotToolInfosLocked() map[string]ToolInfo {
	infos := make(map[string]ToolInfo, len(m.toolInfos))
	for name, ti := range m.toolInfos {
		infos[name] = ti
	}
	return infos
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
