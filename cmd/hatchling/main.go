package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/chat"
	"github.com/hatchling-dev/hatchling/internal/config"
	"github.com/hatchling-dev/hatchling/internal/environment"
	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/llm"
	"github.com/hatchling-dev/hatchling/internal/llm/ollama"
	"github.com/hatchling-dev/hatchling/internal/llm/openai"
	"github.com/hatchling-dev/hatchling/internal/logging"
	"github.com/hatchling-dev/hatchling/internal/mcp"
	"github.com/hatchling-dev/hatchling/internal/registry"
	"github.com/hatchling-dev/hatchling/internal/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hatchling: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load .env file before settings so env vars from it take effect.
	config.LoadEnv()
	settings, err := config.Load()
	if err != nil {
		return err
	}

	logs, err := logging.Setup(settings.LogLevel, settings.LogDir)
	if err != nil {
		return err
	}
	defer logs.Close()

	fmt.Println(`  _   _       _       _     _ _`)
	fmt.Println(` | | | | __ _| |_ ___| |__ | (_)_ __   __ _`)
	fmt.Println(` | |_| |/ _` + "`" + ` | __/ __| '_ \| | | '_ \ / _` + "`" + ` |`)
	fmt.Println(` |  _  | (_| | || (__| | | | | | | | | (_| |`)
	fmt.Println(` |_| |_|\__,_|\__\___|_| |_|_|_|_| |_|\__, |`)
	fmt.Println(`        MCP agent chat · Hatch pkgs   |___/`)
	fmt.Println()

	python := runtime.ProbePython()
	fmt.Println(python.StatusString())
	if !python.Available {
		slog.Warn("no Python interpreter found, MCP tool servers will fail to start")
	}

	provider, err := buildProvider(settings)
	if err != nil {
		return err
	}
	fmt.Printf("llm: %s model %q @ %s\n", provider.Name(), provider.Model(), settings.APIURL())

	loader := hatch.NewLoader("")
	retriever := registry.NewRetriever()
	envs, err := environment.NewManager(settings.HatchEnvsDir, loader, retriever)
	if err != nil {
		return err
	}
	fmt.Printf("environment: %s (%s)\n", envs.CurrentEnvironment(), envs.Root())

	fleet := mcp.NewManager(python.Command)
	defer fleet.DisconnectAll(ctx)

	executor := chat.NewToolExecutor(fleet.Adapter(), settings.MaxToolCallIteration, settings.MaxWorkingTime)
	connectFleet(ctx, fleet, envs, executor, provider)

	session := chat.NewSession(provider, executor, fleet)
	commands := chat.NewCommands(session, provider, fleet, envs, logs, os.Stdout)

	fmt.Println(`Type 'help' for commands, 'exit' to leave.`)
	repl(ctx, session, commands)
	return nil
}

// buildProvider constructs the streaming client selected by
// llm_provider.
func buildProvider(settings *config.Settings) (llm.Provider, error) {
	switch settings.LLMProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(&openai.Config{
			APIKey:     settings.OpenAIAPIKey,
			BaseURL:    settings.OpenAIAPIURL,
			Model:      settings.OpenAIModel,
			MaxRetries: openai.DefaultMaxRetries,
		})
	default:
		return ollama.NewClient(&ollama.Config{
			BaseURL: settings.OllamaAPIURL,
			Model:   settings.OllamaModel,
		})
	}
}

// connectFleet brings up the current environment's MCP servers and
// enables tools when at least one connected. Failures are not fatal;
// the chat works without tools.
func connectFleet(ctx context.Context, fleet *mcp.Manager, envs *environment.Manager, executor *chat.ToolExecutor, provider llm.Provider) {
	scripts, err := envs.ServerEntryPoints(envs.CurrentEnvironment())
	if err != nil {
		slog.Warn("could not enumerate MCP server entry points", "error", err)
		return
	}
	if len(scripts) == 0 {
		fmt.Println("tools: no MCP servers in the current environment (use hatch:pkg:add, then enable_tools)")
		return
	}

	connected, errs := fleet.ConnectServers(ctx, scripts, true)
	for _, err := range errs {
		fmt.Printf("warning: %v\n", err)
	}
	if connected == 0 {
		fmt.Println("tools: disabled, no MCP server could be reached")
		return
	}
	if !provider.SupportsTools() {
		fmt.Printf("warning: model %q is not known to support tool calling\n", provider.Model())
	}
	executor.SetToolsEnabled(true)
	fmt.Printf("tools: enabled (%d servers)\n", connected)
}

// repl reads user lines until exit or EOF. Commands run locally;
// everything else goes to the session with chunks echoed as they
// stream.
func repl(ctx context.Context, session *chat.Session, commands *chat.Commands) {
	inputLog := openInputLog()
	if inputLog != nil {
		defer inputLog.Close()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("\nYou: ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if inputLog != nil {
			fmt.Fprintln(inputLog, line)
		}

		if commands.Handle(ctx, line) {
			if commands.Quit() {
				return
			}
			continue
		}

		fmt.Print("Assistant: ")
		if _, err := session.SendMessage(ctx, line, func(chunk string) { fmt.Print(chunk) }); err != nil {
			fmt.Printf("\nerror: %v\n", err)
			continue
		}
		fmt.Println()
	}
}

// openInputLog appends user inputs to the persistent history file
// under ~/.hatch/histories, matching where the line editor keeps it.
func openInputLog() *os.File {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".hatch", "histories")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("could not create history directory", "path", dir, "error", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, ".user_inputs"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("could not open input history file", "error", err)
		return nil
	}
	return f
}
