package chat

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/hatch"
)

// registerHatchCommands adds the hatch:* namespace to the command
// table: environment management, package management, and the package
// authoring helpers.
func (c *Commands) registerHatchCommands() {
	add := func(name string, handler func(context.Context, []string) error, description, usage string) {
		c.commands[name] = command{handler, description, usage}
	}
	add("hatch:env:list", c.cmdEnvList,
		"List Hatch environments", "hatch:env:list")
	add("hatch:env:create", c.cmdEnvCreate,
		"Create a new Hatch environment", "hatch:env:create <name> [--description <text>]")
	add("hatch:env:remove", c.cmdEnvRemove,
		"Remove a Hatch environment", "hatch:env:remove <name>")
	add("hatch:env:current", c.cmdEnvCurrent,
		"Show the current Hatch environment", "hatch:env:current")
	add("hatch:env:use", c.cmdEnvUse,
		"Switch the current Hatch environment", "hatch:env:use <name>")
	add("hatch:pkg:add", c.cmdPkgAdd,
		"Install a package from a local path or the registry", "hatch:pkg:add <path|name> [--env <name>] [--version <version>]")
	add("hatch:pkg:remove", c.cmdPkgRemove,
		"Remove a package from an environment", "hatch:pkg:remove <name> [--env <name>]")
	add("hatch:pkg:list", c.cmdPkgList,
		"List packages in an environment", "hatch:pkg:list [--env <name>]")
	add("hatch:create", c.cmdCreatePackage,
		"Create a new package template", "hatch:create <name> [--dir <dir>] [--description <text>]")
	add("hatch:validate", c.cmdValidatePackage,
		"Validate a package directory", "hatch:validate <dir>")
}

// parseNamedArgs splits fields into positionals and --name value
// pairs, accepting only the given flag names.
func parseNamedArgs(args []string, allowed ...string) ([]string, map[string]string, error) {
	ok := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		ok[name] = true
	}
	var positionals []string
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			positionals = append(positionals, args[i])
			continue
		}
		name := strings.TrimPrefix(args[i], "--")
		if !ok[name] {
			return nil, nil, fmt.Errorf("unknown option --%s", name)
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("option --%s needs a value", name)
		}
		flags[name] = args[i+1]
		i++
	}
	return positionals, flags, nil
}

func (c *Commands) requireEnvs() error {
	if c.envs == nil {
		return fmt.Errorf("environment management is not configured")
	}
	return nil
}

func (c *Commands) cmdEnvList(context.Context, []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	for _, info := range c.envs.ListEnvironments() {
		marker := "  "
		if info.IsCurrent {
			marker = "* "
		}
		line := marker + info.Name
		if info.Description != "" {
			line += " - " + info.Description
		}
		fmt.Fprintf(c.out, "%s (%d packages)\n", line, len(info.Packages))
	}
	return nil
}

func (c *Commands) cmdEnvCreate(_ context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	positionals, flags, err := parseNamedArgs(args, "description")
	if err != nil {
		return err
	}
	if len(positionals) != 1 {
		return fmt.Errorf("usage: hatch:env:create <name> [--description <text>]")
	}
	if err := c.envs.CreateEnvironment(positionals[0], flags["description"]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Environment created: %s\n", positionals[0])
	return nil
}

func (c *Commands) cmdEnvRemove(_ context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: hatch:env:remove <name>")
	}
	if err := c.envs.RemoveEnvironment(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Environment removed: %s\n", args[0])
	return nil
}

func (c *Commands) cmdEnvCurrent(context.Context, []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Current environment: %s\n", c.envs.CurrentEnvironment())
	return nil
}

func (c *Commands) cmdEnvUse(ctx context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: hatch:env:use <name>")
	}
	if err := c.envs.SetCurrentEnvironment(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Current environment set to: %s\n", args[0])
	return c.refreshTools(ctx)
}

func (c *Commands) cmdPkgAdd(ctx context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	positionals, flags, err := parseNamedArgs(args, "env", "version")
	if err != nil {
		return err
	}
	if len(positionals) != 1 {
		return fmt.Errorf("usage: hatch:pkg:add <path|name> [--env <name>] [--version <version>]")
	}
	target := positionals[0]
	envName := flags["env"]

	if info, err := os.Stat(target); err == nil && info.IsDir() {
		if err := c.envs.AddLocalPackage(ctx, target, envName); err != nil {
			return err
		}
	} else {
		version := flags["version"]
		if version == "" {
			return fmt.Errorf("registry installs need an explicit version, usage: hatch:pkg:add %s --version <version>", target)
		}
		if err := c.envs.AddRegistryPackage(ctx, target, version, envName); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "Package added: %s\n", target)

	if envName == "" || envName == c.envs.CurrentEnvironment() {
		return c.refreshTools(ctx)
	}
	return nil
}

func (c *Commands) cmdPkgRemove(ctx context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	positionals, flags, err := parseNamedArgs(args, "env")
	if err != nil {
		return err
	}
	if len(positionals) != 1 {
		return fmt.Errorf("usage: hatch:pkg:remove <name> [--env <name>]")
	}
	envName := flags["env"]
	if err := c.envs.RemovePackage(positionals[0], envName); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Package removed: %s\n", positionals[0])

	if envName == "" || envName == c.envs.CurrentEnvironment() {
		return c.refreshTools(ctx)
	}
	return nil
}

func (c *Commands) cmdPkgList(_ context.Context, args []string) error {
	if err := c.requireEnvs(); err != nil {
		return err
	}
	_, flags, err := parseNamedArgs(args, "env")
	if err != nil {
		return err
	}
	packages, err := c.envs.ListPackages(flags["env"])
	if err != nil {
		return err
	}
	if len(packages) == 0 {
		fmt.Fprintln(c.out, "No packages installed.")
		return nil
	}
	for _, pkg := range packages {
		compliance := ""
		if !pkg.HatchCompliant {
			compliance = " (not hatch compliant)"
		}
		fmt.Fprintf(c.out, "  %s %s [%s]%s\n", pkg.Name, pkg.Version, pkg.Source.Type, compliance)
	}
	return nil
}

func (c *Commands) cmdCreatePackage(_ context.Context, args []string) error {
	positionals, flags, err := parseNamedArgs(args, "dir", "description")
	if err != nil {
		return err
	}
	if len(positionals) != 1 {
		return fmt.Errorf("usage: hatch:create <name> [--dir <dir>] [--description <text>]")
	}
	dir := flags["dir"]
	if dir == "" {
		dir = "."
	}
	created, err := hatch.CreateTemplate(dir, positionals[0], flags["description"])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Package template created at %s\n", created)
	return nil
}

func (c *Commands) cmdValidatePackage(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: hatch:validate <dir>")
	}
	dir := args[0]
	meta, err := hatch.LoadMetadata(dir)
	if err != nil {
		return err
	}
	problems := meta.Validate(dir)

	if script, err := hatch.EntryPointPath(dir); err == nil {
		findings, err := hatch.ScanEntryPoint(script)
		if err != nil {
			problems = append(problems, err.Error())
		}
		for _, f := range findings {
			fmt.Fprintf(c.out, "  scan [%s] %s: %s\n", f.Severity, f.Rule, f.Snippet)
		}
		if hatch.HasCritical(findings) {
			problems = append(problems, "entry point contains critical scan findings")
		}
	}

	if len(problems) == 0 {
		fmt.Fprintf(c.out, "Package %q is valid.\n", meta.Name)
		return nil
	}
	fmt.Fprintf(c.out, "Package %q has problems:\n", meta.Name)
	for _, p := range problems {
		fmt.Fprintf(c.out, "  - %s\n", p)
	}
	return nil
}

// refreshTools re-syncs the MCP fleet with the current environment
// when tools are enabled. Disabled tools stay disabled.
func (c *Commands) refreshTools(ctx context.Context) error {
	if !c.session.Executor().ToolsEnabled() {
		return nil
	}
	connected, err := c.reconnectFleet(ctx)
	if err != nil {
		return err
	}
	if connected == 0 {
		c.session.Executor().SetToolsEnabled(false)
		fmt.Fprintln(c.out, "No MCP servers in the current environment; tools disabled.")
		return nil
	}
	fmt.Fprintf(c.out, "MCP fleet reconnected (%d servers).\n", connected)
	return nil
}
