package chat

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hatchling-dev/hatchling/internal/environment"
	"github.com/hatchling-dev/hatchling/internal/llm"
	"github.com/hatchling-dev/hatchling/internal/logging"
	"github.com/hatchling-dev/hatchling/internal/mcp"
	"github.com/hatchling-dev/hatchling/internal/util"
)

// command is one named CLI command.
type command struct {
	handler     func(ctx context.Context, args []string) error
	description string
	usage       string
}

// Commands routes the colon-free chat commands and the hatch:*
// namespace without involving the LLM. Plain text that matches no
// command goes to the session instead.
type Commands struct {
	session  *Session
	provider llm.Provider
	fleet    *mcp.Manager
	envs     *environment.Manager
	logs     *logging.Manager
	out      io.Writer

	quit     bool
	commands map[string]command
}

// NewCommands builds the command table. envs and logs may be nil in
// tests; the commands needing them report that they are unavailable.
func NewCommands(session *Session, provider llm.Provider, fleet *mcp.Manager, envs *environment.Manager, logs *logging.Manager, out io.Writer) *Commands {
	c := &Commands{
		session:  session,
		provider: provider,
		fleet:    fleet,
		envs:     envs,
		logs:     logs,
		out:      out,
	}
	c.commands = map[string]command{
		"help": {c.cmdHelp, "Display help for available commands", "help"},
		"exit": {c.cmdExit, "End the chat session", "exit"},
		"quit": {c.cmdExit, "End the chat session", "quit"},
		"clear": {c.cmdClear,
			"Clear the chat history", "clear"},
		"show_logs": {c.cmdShowLogs,
			"Display recent log entries", "show_logs [n]"},
		"set_log_level": {c.cmdSetLogLevel,
			"Change the log level (debug, info, warn, error)", "set_log_level <level>"},
		"enable_tools": {c.cmdEnableTools,
			"Connect the current environment's MCP servers and enable tools", "enable_tools"},
		"disable_tools": {c.cmdDisableTools,
			"Disconnect all MCP servers and disable tools", "disable_tools"},
		"set_max_tool_call_iterations": {c.cmdSetMaxIterations,
			"Set the per-turn tool call cap", "set_max_tool_call_iterations <n>"},
		"set_max_working_time": {c.cmdSetMaxWorkingTime,
			"Set the per-turn time cap in seconds", "set_max_working_time <seconds>"},
	}
	c.registerHatchCommands()
	return c
}

// Quit reports whether an exit command ran.
func (c *Commands) Quit() bool { return c.quit }

// Handle runs the line as a command when its first word matches one.
// It returns false for plain chat input.
func (c *Commands) Handle(ctx context.Context, line string) bool {
	fields := util.SplitArgs(strings.TrimSpace(line))
	if len(fields) == 0 {
		return false
	}
	cmd, ok := c.commands[fields[0]]
	if !ok {
		return false
	}
	if err := cmd.handler(ctx, fields[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return true
}

func (c *Commands) cmdHelp(context.Context, []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(c.out, "\n=== Chat Commands ===")
	for _, name := range names {
		if strings.HasPrefix(name, "hatch:") {
			continue
		}
		if name == "quit" {
			continue // alias of exit
		}
		fmt.Fprintf(c.out, "  %-32s %s\n", c.commands[name].usage, c.commands[name].description)
	}
	fmt.Fprintln(c.out, "\n=== Hatch Commands ===")
	for _, name := range names {
		if !strings.HasPrefix(name, "hatch:") {
			continue
		}
		fmt.Fprintf(c.out, "  %-32s %s\n", c.commands[name].usage, c.commands[name].description)
	}
	return nil
}

func (c *Commands) cmdExit(context.Context, []string) error {
	fmt.Fprintln(c.out, "Ending chat session...")
	c.quit = true
	return nil
}

func (c *Commands) cmdClear(context.Context, []string) error {
	c.session.History().Clear()
	fmt.Fprintln(c.out, "Chat history cleared!")
	return nil
}

func (c *Commands) cmdShowLogs(_ context.Context, args []string) error {
	if c.logs == nil {
		return fmt.Errorf("log capture is not configured")
	}
	n := 20
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			return fmt.Errorf("invalid count %q, usage: show_logs [n]", args[0])
		}
		n = parsed
	}
	lines := c.logs.Recent(n)
	if len(lines) == 0 {
		fmt.Fprintln(c.out, "No log entries yet.")
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *Commands) cmdSetLogLevel(_ context.Context, args []string) error {
	if c.logs == nil {
		return fmt.Errorf("log capture is not configured")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: set_log_level <debug|info|warn|error>")
	}
	if err := c.logs.SetLevel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Log level set to %s\n", c.logs.Level())
	return nil
}

func (c *Commands) cmdEnableTools(ctx context.Context, _ []string) error {
	if c.session.Executor().ToolsEnabled() {
		fmt.Fprintln(c.out, "MCP tools are already enabled.")
		return nil
	}
	if !c.provider.SupportsTools() {
		fmt.Fprintf(c.out, "Warning: model %q is not known to support tool calling.\n", c.provider.Model())
	}
	connected, err := c.reconnectFleet(ctx)
	if err != nil {
		return err
	}
	if connected == 0 {
		return fmt.Errorf("no MCP servers found for the current environment, tools cannot be enabled")
	}
	c.session.Executor().SetToolsEnabled(true)
	fmt.Fprintf(c.out, "MCP tools enabled (%d servers connected).\n", connected)
	return nil
}

func (c *Commands) cmdDisableTools(ctx context.Context, _ []string) error {
	if !c.session.Executor().ToolsEnabled() {
		fmt.Fprintln(c.out, "MCP tools are already disabled.")
		return nil
	}
	if c.fleet != nil {
		c.fleet.DisconnectAll(ctx)
	}
	c.session.Executor().SetToolsEnabled(false)
	// The transcript may carry tool-specific content the model should
	// not see again without tools attached.
	c.session.History().Clear()
	fmt.Fprintln(c.out, "MCP tools disabled.")
	return nil
}

func (c *Commands) cmdSetMaxIterations(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_max_tool_call_iterations <positive integer>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("maximum iterations must be a positive integer, got %q", args[0])
	}
	c.session.Executor().SetMaxIterations(n)
	fmt.Fprintf(c.out, "Maximum tool call iterations set to %d\n", n)
	return nil
}

func (c *Commands) cmdSetMaxWorkingTime(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set_max_working_time <positive number of seconds>")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil || secs <= 0 {
		return fmt.Errorf("maximum working time must be a positive number, got %q", args[0])
	}
	c.session.Executor().SetMaxWorkingTime(time.Duration(secs * float64(time.Second)))
	fmt.Fprintf(c.out, "Maximum working time set to %s seconds\n", args[0])
	return nil
}

// reconnectFleet tears the fleet down and reconnects it against the
// current environment's server entry points. Returns how many servers
// came up; per-server failures are printed, not fatal.
func (c *Commands) reconnectFleet(ctx context.Context) (int, error) {
	if c.fleet == nil || c.envs == nil {
		return 0, fmt.Errorf("environment management is not configured")
	}
	c.fleet.DisconnectAll(ctx)

	scripts, err := c.envs.ServerEntryPoints(c.envs.CurrentEnvironment())
	if err != nil {
		return 0, err
	}
	if len(scripts) == 0 {
		return 0, nil
	}
	connected, errs := c.fleet.ConnectServers(ctx, scripts, true)
	for _, err := range errs {
		fmt.Fprintf(c.out, "Warning: %v\n", err)
	}
	return connected, nil
}
