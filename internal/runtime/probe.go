// Package runtime detects the host interpreters needed to launch MCP
// tool-server subprocesses.
package runtime

import (
	"bytes"
	"os/exec"
	"strings"
)

// pythonCandidates is the probe order. python3 wins on hosts that
// carry both.
var pythonCandidates = []string{"python3", "python"}

// PythonInfo holds the result of the Python interpreter probe. It is
// populated by ProbePython and treated as read-only afterwards.
type PythonInfo struct {
	// Command is the interpreter to use for server subprocesses.
	// Falls back to "python" when nothing was found, so spawn errors
	// surface at connect time with a sensible command name.
	Command string

	// Available reports whether an interpreter was found in PATH.
	Available bool

	// Version is the trimmed `--version` output, e.g. "Python 3.12.4".
	// Empty when unavailable.
	Version string
}

// ProbePython locates a Python interpreter and captures its version.
func ProbePython() PythonInfo {
	for _, candidate := range pythonCandidates {
		path, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		info := PythonInfo{Command: path, Available: true}
		// Some pythons print the version on stderr.
		var out bytes.Buffer
		cmd := exec.Command(path, "--version")
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err == nil {
			info.Version = strings.TrimSpace(out.String())
		}
		return info
	}
	return PythonInfo{Command: "python"}
}

// StatusString returns a one-line status for the startup banner.
func (p PythonInfo) StatusString() string {
	if !p.Available {
		return "python: not found (MCP tool servers cannot start)"
	}
	if p.Version == "" {
		return "python: " + p.Command
	}
	return "python: " + p.Command + " (" + p.Version + ")"
}
