// Package mcp manages the fleet of MCP tool-server subprocesses: one
// Client per server script, a Manager that routes tool calls across the
// fleet, and an Adapter that bridges discovered tools to the chat layer.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// Operation budgets.
const (
	connectTimeout    = 30 * time.Second
	disconnectTimeout = 5 * time.Second
	toolCallTimeout   = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("mcp: client not connected")
	ErrToolNotFound = errors.New("mcp: tool not found")
	ErrToolTimeout  = errors.New("mcp: tool call timed out")
)

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Citations holds the attribution strings a server publishes as resources.
// Missing resources leave the documented defaults in place.
type Citations struct {
	ServerName string
	Origin     string
	MCP        string
}

func defaultCitations() Citations {
	return Citations{
		ServerName: "None",
		Origin:     "Citation not available",
		MCP:        "Citation not available",
	}
}

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opExecuteTool
	opCitations
	opTools
)

type operation struct {
	kind  opKind
	ctx   context.Context
	name  string
	args  map[string]any
	reply chan opResult
}

type opResult struct {
	text      string
	tools     []ToolInfo
	citations Citations
	err       error
}

// Client talks to one MCP server subprocess. All session access is
// serialised onto a single run goroutine through an operation queue, so
// the transport, session, and tool map have exactly one owner. Public
// methods enqueue an operation and await its reply.
type Client struct {
	serverPath string
	python     string

	ops       chan operation
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool

	// Owned by run(). Never touched from outside it.
	inner     sdk_client.MCPClient
	tools     map[string]ToolInfo
	citations Citations
}

// NewClient creates a Client for the server script at path and starts
// its run goroutine. python is the interpreter command used to launch
// the subprocess.
func NewClient(serverPath, python string) *Client {
	if python == "" {
		python = "python"
	}
	c := &Client{
		serverPath: serverPath,
		python:     python,
		ops:        make(chan operation),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

// ServerPath returns the absolute path of the server script.
func (c *Client) ServerPath() string { return c.serverPath }

// Connected reports the last state the run goroutine published.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect spawns the server subprocess, performs the MCP handshake,
// enumerates tools, and caches the server's citation resources. On any
// failure everything acquired so far is released and the Client stays
// disconnected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.do(ctx, operation{kind: opConnect})
	return err
}

// Disconnect closes the session and resets state. It is idempotent and
// never fails; close errors are logged.
func (c *Client) Disconnect(ctx context.Context) {
	_, _ = c.do(ctx, operation{kind: opDisconnect})
}

// ExecuteTool invokes the named tool and returns its text result.
func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := c.do(ctx, operation{kind: opExecuteTool, name: name, args: args})
	return res.text, err
}

// Tools returns the discovered tool descriptors, sorted by name.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	res, err := c.do(ctx, operation{kind: opTools})
	return res.tools, err
}

// Citations returns the citation strings cached at connect time.
func (c *Client) Citations(ctx context.Context) (Citations, error) {
	res, err := c.do(ctx, operation{kind: opCitations})
	return res.citations, err
}

// Close disconnects and terminates the run goroutine. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Client) do(ctx context.Context, op operation) (opResult, error) {
	if err := ctx.Err(); err != nil {
		return opResult{}, err
	}
	op.ctx = ctx
	op.reply = make(chan opResult, 1)
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	case <-c.done:
		return opResult{}, fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)
	}
	select {
	case res := <-op.reply:
		return res, res.err
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	case <-c.done:
		return opResult{}, fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)
	}
}

// run is the owning goroutine: the only code that opens or closes the
// session and mutates the tool map and citation cache.
func (c *Client) run() {
	defer close(c.done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-c.ops:
			op.reply <- c.handle(op)
		case <-ticker.C:
			c.heartbeat()
		case <-c.quit:
			c.closeSession()
			c.drain()
			return
		}
	}
}

func (c *Client) handle(op operation) opResult {
	switch op.kind {
	case opConnect:
		return opResult{err: c.handleConnect(op.ctx)}
	case opDisconnect:
		c.closeSession()
		return opResult{}
	case opExecuteTool:
		text, err := c.handleExecuteTool(op.ctx, op.name, op.args)
		return opResult{text: text, err: err}
	case opTools:
		if c.inner == nil {
			return opResult{err: fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)}
		}
		tools := make([]ToolInfo, 0, len(c.tools))
		for _, ti := range c.tools {
			tools = append(tools, ti)
		}
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		return opResult{tools: tools}
	case opCitations:
		if c.inner == nil {
			return opResult{err: fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)}
		}
		return opResult{citations: c.citations}
	default:
		return opResult{err: fmt.Errorf("mcp: unknown operation %d", op.kind)}
	}
}

func (c *Client) handleConnect(ctx context.Context) error {
	// Replace any existing session rather than layering a second one.
	c.closeSession()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	inner, err := sdk_client.NewStdioMCPClient(c.python, os.Environ(), c.serverPath)
	if err != nil {
		return fmt.Errorf("mcp: start server %q: %w", c.serverPath, err)
	}

	_, err = inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "hatchling",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		return fmt.Errorf("mcp: initialize server %q: %w", c.serverPath, err)
	}

	listRes, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		_ = inner.Close()
		return fmt.Errorf("mcp: list tools %q: %w", c.serverPath, err)
	}
	tools := make(map[string]ToolInfo, len(listRes.Tools))
	for _, t := range listRes.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools[t.Name] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema}
	}

	c.inner = inner
	c.tools = tools
	c.citations = c.readCitations(ctx)
	c.connected.Store(true)
	slog.Info("MCP server connected", "path", c.serverPath, "tools", len(tools))
	return nil
}

// heartbeat pings the server. A failed ping only marks the Client
// disconnected; reconnection is the Manager's decision.
func (c *Client) heartbeat() {
	if c.inner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.inner.Ping(ctx); err != nil {
		slog.Warn("MCP server heartbeat failed", "path", c.serverPath, "error", err)
		c.closeSession()
	}
}

// closeSession releases the session and force-resets state. The close
// itself is bounded; past the ceiling the state is reset anyway.
func (c *Client) closeSession() {
	inner := c.inner
	c.inner = nil
	c.tools = nil
	c.citations = Citations{}
	c.connected.Store(false)
	if inner == nil {
		return
	}

	closed := make(chan error, 1)
	go func() { closed <- inner.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			slog.Warn("MCP session close failed", "path", c.serverPath, "error", err)
		}
	case <-time.After(disconnectTimeout):
		slog.Warn("MCP session close timed out", "path", c.serverPath)
	}
	slog.Info("MCP server disconnected", "path", c.serverPath)
}

func (c *Client) handleExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)
	}
	if _, ok := c.tools[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.inner.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("%w: %q after %s", ErrToolTimeout, name, toolCallTimeout)
		}
		return "", fmt.Errorf("mcp: call tool %q on %q: %w", name, c.serverPath, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q returned error: %s", name, text)
	}
	return unwrapResult(text), nil
}

// readCitations reads the three attribution resources. Every read is
// best-effort; a miss keeps the default value and connect still counts
// as successful.
func (c *Client) readCitations(ctx context.Context) Citations {
	cit := defaultCitations()

	nameURI := "name://" + strings.TrimPrefix(c.serverPath, "/")
	if text, err := c.readTextResource(ctx, nameURI); err != nil {
		slog.Warn("MCP server name resource unavailable", "path", c.serverPath, "error", err)
	} else if text != "" {
		cit.ServerName = text
	}

	if text, err := c.readTextResource(ctx, "citation://origin/"+cit.ServerName); err != nil {
		slog.Warn("MCP origin citation unavailable", "path", c.serverPath, "error", err)
	} else if text != "" {
		cit.Origin = text
	}
	if text, err := c.readTextResource(ctx, "citation://mcp/"+cit.ServerName); err != nil {
		slog.Warn("MCP implementation citation unavailable", "path", c.serverPath, "error", err)
	} else if text != "" {
		cit.MCP = text
	}
	return cit
}

func (c *Client) readTextResource(ctx context.Context, uri string) (string, error) {
	req := sdk_mcp.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := c.inner.ReadResource(ctx, req)
	if err != nil {
		return "", err
	}
	for _, content := range res.Contents {
		if tc, ok := content.(sdk_mcp.TextResourceContents); ok {
			return tc.Text, nil
		}
	}
	return "", nil
}

// drain answers every queued operation after the loop stopped so no
// caller blocks forever.
func (c *Client) drain() {
	for {
		select {
		case op := <-c.ops:
			op.reply <- opResult{err: fmt.Errorf("%w: %s", ErrNotConnected, c.serverPath)}
		default:
			return
		}
	}
}

// unwrapResult unpacks the conventional {"result": ...} envelope some
// servers wrap their payload in. Anything else passes through as-is.
func unwrapResult(text string) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return text
	}
	inner, ok := envelope["result"]
	if !ok || len(envelope) != 1 {
		return text
	}
	var s string
	if err := json.Unmarshal(inner, &s); err == nil {
		return s
	}
	return string(inner)
}
