package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file.
//
// Search order (stops at the first file found):
//  1. $HATCHLING_ENV_FILE, when set.
//  2. Explicit paths passed as arguments (test use).
//  3. Directory of the running executable, walking up to 3 levels.
//  4. Current working directory — fallback for `go run ./cmd/hatchling`.
//
// If no .env is found anywhere, the process continues with system env vars.
func LoadEnv(paths ...string) {
	if p := os.Getenv("HATCHLING_ENV_FILE"); p != "" {
		paths = append([]string{p}, paths...)
	}
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			slog.Debug("No .env file at specified path(s), using system environment", "paths", paths)
		}
		return
	}

	for _, p := range envCandidates() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("Failed to load .env file", "path", p, "error", err)
		} else {
			slog.Debug("Loaded .env file", "path", p)
		}
		return
	}
}

// envCandidates returns the ordered list of .env paths to probe. Walking up
// from the executable directory lets bin/hatchling find a project-root .env
// without requiring users to place it anywhere unusual.
func envCandidates() []string {
	var candidates []string
	seen := map[string]bool{}

	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dir := filepath.Dir(exe)
		for i := 0; i <= 3; i++ {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break // reached filesystem root
			}
			dir = parent
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		add(filepath.Join(cwd, ".env"))
	}

	return candidates
}
