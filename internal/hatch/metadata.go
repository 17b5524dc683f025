// Package hatch defines the on-disk package format shared by the
// environment manager, the registry, and the loader: the
// hatch_metadata.json descriptor, a skeleton generator for new packages,
// and the loader that installs packages from local paths or remote
// archives.
package hatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// MetadataFilename is the descriptor every package carries at its root.
const MetadataFilename = "hatch_metadata.json"

// Dependency types for Hatch package dependencies.
const (
	DependencyLocal  = "local"
	DependencyRemote = "remote"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidPackageName reports whether name is usable as a package name
// and, by extension, as a directory name inside an environment.
func ValidPackageName(name string) bool { return namePattern.MatchString(name) }

// Author identifies a package author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ToolDecl declares one tool the package's server exposes.
type ToolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Citations holds the two citation strings a server publishes.
type Citations struct {
	Origin string `json:"origin,omitempty"`
	MCP    string `json:"mcp,omitempty"`
}

// Dependency is one Hatch package dependency. Type defaults to remote;
// local dependencies carry a file URI resolved against the filesystem.
type Dependency struct {
	Name              string `json:"name"`
	Type              string `json:"type,omitempty"`
	URI               string `json:"uri,omitempty"`
	VersionConstraint string `json:"version_constraint,omitempty"`
}

// IsLocal reports whether the dependency points at a local path.
func (d Dependency) IsLocal() bool { return d.Type == DependencyLocal }

// PythonDependency is a Python package requirement carried alongside the
// Hatch dependencies. It is recorded, not installed, by this runtime.
type PythonDependency struct {
	Name              string `json:"name"`
	VersionConstraint string `json:"version_constraint,omitempty"`
	PackageManager    string `json:"package_manager,omitempty"`
}

// Compatibility pins the runtime versions a package supports.
type Compatibility struct {
	Hatchling string `json:"hatchling,omitempty"`
	Python    string `json:"python,omitempty"`
}

// PackageMetadata is the hatch_metadata.json document.
type PackageMetadata struct {
	Name               string             `json:"name"`
	Version            string             `json:"version"`
	Description        string             `json:"description,omitempty"`
	Category           string             `json:"category,omitempty"`
	Tags               []string           `json:"tags,omitempty"`
	Author             Author             `json:"author,omitempty"`
	License            string             `json:"license,omitempty"`
	EntryPoint         string             `json:"entry_point"`
	Tools              []ToolDecl         `json:"tools,omitempty"`
	Citations          Citations          `json:"citations,omitempty"`
	HatchDependencies  []Dependency       `json:"hatch_dependencies,omitempty"`
	PythonDependencies []PythonDependency `json:"python_dependencies,omitempty"`
	Compatibility      Compatibility      `json:"compatibility,omitempty"`
}

// LoadMetadata reads and decodes <dir>/hatch_metadata.json.
func LoadMetadata(dir string) (*PackageMetadata, error) {
	return LoadMetadataFile(filepath.Join(dir, MetadataFilename))
}

// LoadMetadataFile reads and decodes a metadata descriptor at an
// explicit path.
func LoadMetadataFile(path string) (*PackageMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hatch: read metadata %q: %w", path, err)
	}
	var meta PackageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("hatch: parse metadata %q: %w", path, err)
	}
	return &meta, nil
}

// SaveMetadata writes meta to <dir>/hatch_metadata.json.
func SaveMetadata(dir string, meta *PackageMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("hatch: encode metadata: %w", err)
	}
	path := filepath.Join(dir, MetadataFilename)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("hatch: write metadata %q: %w", path, err)
	}
	return nil
}

// Validate performs the structural checks the runtime itself depends on:
// required fields, a well-formed name, dependency entries that can be acted
// on, and — when dir is non-empty — an entry point that exists on disk.
// It returns the list of problems found; an empty list means valid.
// Schema-level validation beyond this is out of scope here.
func (m *PackageMetadata) Validate(dir string) []string {
	var problems []string

	if m.Name == "" {
		problems = append(problems, "missing required field: name")
	} else if !namePattern.MatchString(m.Name) {
		problems = append(problems, fmt.Sprintf("invalid package name %q (alphanumerics and underscore only)", m.Name))
	}
	if m.Version == "" {
		problems = append(problems, "missing required field: version")
	}
	if m.EntryPoint == "" {
		problems = append(problems, "missing required field: entry_point")
	} else if dir != "" {
		entry := filepath.Join(dir, m.EntryPoint)
		if fi, err := os.Stat(entry); err != nil {
			problems = append(problems, fmt.Sprintf("entry point %q does not exist", m.EntryPoint))
		} else if fi.IsDir() {
			problems = append(problems, fmt.Sprintf("entry point %q is not a file", m.EntryPoint))
		}
	}

	for _, dep := range m.HatchDependencies {
		if dep.Name == "" {
			problems = append(problems, "hatch dependency with empty name")
			continue
		}
		switch dep.Type {
		case "", DependencyRemote:
		case DependencyLocal:
			if dep.URI == "" {
				problems = append(problems, fmt.Sprintf("local dependency %q has no uri", dep.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("dependency %q has unknown type %q", dep.Name, dep.Type))
		}
	}
	for _, dep := range m.PythonDependencies {
		if dep.Name == "" {
			problems = append(problems, "python dependency with empty name")
		}
	}
	return problems
}

// EntryPointPath returns the absolute path of the package's entry-point
// script for a package installed at dir.
func EntryPointPath(dir string) (string, error) {
	meta, err := LoadMetadata(dir)
	if err != nil {
		return "", err
	}
	if meta.EntryPoint == "" {
		return "", fmt.Errorf("hatch: package at %q declares no entry_point", dir)
	}
	abs, err := filepath.Abs(filepath.Join(dir, meta.EntryPoint))
	if err != nil {
		return "", fmt.Errorf("hatch: resolve entry point for %q: %w", dir, err)
	}
	return abs, nil
}
