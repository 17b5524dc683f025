package hatch

import (
	"fmt"
	"os"
	"path/filepath"
)

const serverStub = `"""MCP server for the %[1]s package."""

from mcp.server.fastmcp import FastMCP

mcp = FastMCP("%[1]s")


@mcp.tool()
def example_tool(text: str) -> str:
    """Echo the input back. Replace with real tools."""
    return text


if __name__ == "__main__":
    mcp.run()
`

const readmeStub = `# %s

%s

## Layout

- ` + "`hatch_metadata.json`" + ` describes the package.
- ` + "`server.py`" + ` is the MCP server entry point.

Edit the metadata, add tools to the server, then install the package
into an environment with ` + "`hatch:pkg:add`" + `.
`

// CreateTemplate writes a new package skeleton under targetDir/name:
// a metadata descriptor, a runnable server stub, and a README. It
// refuses to overwrite an existing directory.
func CreateTemplate(targetDir, name, description string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("hatch: invalid package name %q (alphanumerics and underscore only)", name)
	}
	dir := filepath.Join(targetDir, name)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("hatch: %q already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("hatch: create package dir: %w", err)
	}

	meta := &PackageMetadata{
		Name:        name,
		Version:     "0.1.0",
		Description: description,
		EntryPoint:  "server.py",
		Tools: []ToolDecl{
			{Name: "example_tool", Description: "Echo the input back."},
		},
		Compatibility: Compatibility{Hatchling: ">=0.1.0", Python: ">=3.10"},
	}
	if err := SaveMetadata(dir, meta); err != nil {
		return "", err
	}

	server := fmt.Sprintf(serverStub, name)
	if err := os.WriteFile(filepath.Join(dir, "server.py"), []byte(server), 0o644); err != nil {
		return "", fmt.Errorf("hatch: write server stub: %w", err)
	}

	if description == "" {
		description = "A Hatch package."
	}
	readme := fmt.Sprintf(readmeStub, name, description)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
		return "", fmt.Errorf("hatch: write README: %w", err)
	}
	return dir, nil
}
