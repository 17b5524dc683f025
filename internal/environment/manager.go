// Package environment manages named environments of installed Hatch
// packages: their on-disk state, the current-environment pointer, and
// package installation from local directories or the registry.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/registry"
	"github.com/hatchling-dev/hatchling/internal/resolver"
	"github.com/hatchling-dev/hatchling/internal/util"
)

// DefaultEnvironment always exists and cannot be removed.
const DefaultEnvironment = "default"

const (
	environmentsFile = "environments.json"
	currentEnvFile   = "current_env"
)

// Package source types recorded on installed packages.
const (
	SourceLocal    = "local"
	SourceRegistry = "registry"
)

var (
	ErrExists         = errors.New("environment: already exists")
	ErrNotFound       = errors.New("environment: not found")
	ErrDefaultRemoval = errors.New("environment: the default environment cannot be removed")
	ErrBadName        = errors.New("environment: names use letters, digits and underscores only")
	ErrNotInstalled   = errors.New("environment: package not installed")
	ErrSourceConflict = errors.New("environment: package already installed from a different source")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var timeNow = time.Now

func timestamp() string {
	return timeNow().UTC().Format(time.RFC3339)
}

// PackageSource records where an installed package came from.
type PackageSource struct {
	Type string `json:"type"`
	URI  string `json:"uri,omitempty"`
	Path string `json:"path,omitempty"`
}

// InstalledPackage is one package record inside an environment.
type InstalledPackage struct {
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	AddedDate      string        `json:"added_date"`
	Path           string        `json:"path"`
	Source         PackageSource `json:"source"`
	HatchCompliant bool          `json:"hatch_compliant"`
}

// Environment is one named set of installed packages.
type Environment struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	CreatedAt   string             `json:"created_at"`
	Packages    []InstalledPackage `json:"packages"`
}

func (e *Environment) packageIndex(name string) int {
	for i, p := range e.Packages {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (e *Environment) findPackage(name string) *InstalledPackage {
	if i := e.packageIndex(name); i >= 0 {
		return &e.Packages[i]
	}
	return nil
}

func (e *Environment) installedVersions() map[string]string {
	out := make(map[string]string, len(e.Packages))
	for _, p := range e.Packages {
		out[p.Name] = p.Version
	}
	return out
}

func (e *Environment) clone() Environment {
	out := *e
	out.Packages = append([]InstalledPackage(nil), e.Packages...)
	return out
}

// Info pairs an environment snapshot with its current-environment flag.
type Info struct {
	Environment
	IsCurrent bool `json:"is_current"`
}

// RegistryProvider supplies registry snapshots for dependency
// resolution and remote installs. *registry.Retriever implements it.
type RegistryProvider interface {
	Fetch(ctx context.Context, force bool) (*registry.Registry, error)
}

// Manager owns the environments file and the current-environment
// pointer under one root directory. State is loaded once at
// construction and rewritten whole on every mutation; a failed write
// rolls the in-memory change back. Not safe for concurrent use, the
// chat loop is the sole caller.
type Manager struct {
	root        string
	envsFile    string
	currentFile string
	loader      *hatch.Loader
	registries  RegistryProvider

	envs    map[string]*Environment
	current string
}

// NewManager opens (or initialises) the environment state under root,
// defaulting to ~/.hatch/envs. The registry provider may be nil for
// local-only operation.
func NewManager(root string, loader *hatch.Loader, registries RegistryProvider) (*Manager, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("environment: resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".hatch", "envs")
	}
	if loader == nil {
		loader = hatch.NewLoader("")
	}
	m := &Manager{
		root:        root,
		envsFile:    filepath.Join(root, environmentsFile),
		currentFile: filepath.Join(root, currentEnvFile),
		loader:      loader,
		registries:  registries,
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("environment: create %q: %w", root, err)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the directory holding all environment state.
func (m *Manager) Root() string { return m.root }

// Loader returns the package loader, for cache maintenance commands.
func (m *Manager) Loader() *hatch.Loader { return m.loader }

// EnvironmentDir is where the named environment's packages live.
func (m *Manager) EnvironmentDir(name string) string {
	return filepath.Join(m.root, name)
}

func defaultEnvironments() map[string]*Environment {
	return map[string]*Environment{
		DefaultEnvironment: {
			Name:        DefaultEnvironment,
			Description: "Default environment",
			CreatedAt:   timestamp(),
			Packages:    []InstalledPackage{},
		},
	}
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.envsFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.envs = defaultEnvironments()
		if err := m.persist(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("environment: read %q: %w", m.envsFile, err)
	default:
		if err := json.Unmarshal(data, &m.envs); err != nil {
			slog.Error("environments file is unreadable, reinitializing", "path", m.envsFile, "error", err)
			m.envs = defaultEnvironments()
			if err := m.persist(); err != nil {
				return err
			}
		}
	}
	if _, ok := m.envs[DefaultEnvironment]; !ok {
		m.envs[DefaultEnvironment] = defaultEnvironments()[DefaultEnvironment]
		if err := m.persist(); err != nil {
			return err
		}
	}

	cur, err := os.ReadFile(m.currentFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.current = DefaultEnvironment
		if err := m.persistCurrent(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("environment: read %q: %w", m.currentFile, err)
	default:
		m.current = strings.TrimSpace(string(cur))
		if _, ok := m.envs[m.current]; !ok {
			slog.Warn("current environment no longer exists, falling back to default", "environment", m.current)
			m.current = DefaultEnvironment
			if err := m.persistCurrent(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) persist() error {
	data, err := json.MarshalIndent(m.envs, "", "  ")
	if err != nil {
		return fmt.Errorf("environment: encode environments: %w", err)
	}
	data = append(data, '\n')
	return util.WriteFileAtomic(m.envsFile, data, 0o644)
}

func (m *Manager) persistCurrent() error {
	return util.WriteFileAtomic(m.currentFile, []byte(m.current), 0o644)
}

// env resolves a name to an environment, empty meaning the current one.
func (m *Manager) env(name string) (*Environment, error) {
	if name == "" {
		name = m.current
	}
	env, ok := m.envs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return env, nil
}

// CurrentEnvironment returns the name of the active environment.
func (m *Manager) CurrentEnvironment() string { return m.current }

// EnvironmentExists reports whether the named environment exists.
func (m *Manager) EnvironmentExists(name string) bool {
	_, ok := m.envs[name]
	return ok
}

// CreateEnvironment adds a new empty environment.
func (m *Manager) CreateEnvironment(name, description string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if _, ok := m.envs[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	m.envs[name] = &Environment{
		Name:        name,
		Description: description,
		CreatedAt:   timestamp(),
		Packages:    []InstalledPackage{},
	}
	if err := m.persist(); err != nil {
		delete(m.envs, name)
		return err
	}
	slog.Info("created environment", "environment", name)
	return nil
}

// RemoveEnvironment deletes an environment and, best effort, its
// package directory. Removing the active environment switches to the
// default one first.
func (m *Manager) RemoveEnvironment(name string) error {
	if name == DefaultEnvironment {
		return ErrDefaultRemoval
	}
	env, ok := m.envs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.current == name {
		if err := m.SetCurrentEnvironment(DefaultEnvironment); err != nil {
			return err
		}
	}
	delete(m.envs, name)
	if err := m.persist(); err != nil {
		m.envs[name] = env
		return err
	}
	if err := os.RemoveAll(m.EnvironmentDir(name)); err != nil {
		slog.Warn("could not remove environment directory", "environment", name, "error", err)
	}
	slog.Info("removed environment", "environment", name)
	return nil
}

// SetCurrentEnvironment switches the active environment.
func (m *Manager) SetCurrentEnvironment(name string) error {
	if _, ok := m.envs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	prev := m.current
	m.current = name
	if err := m.persistCurrent(); err != nil {
		m.current = prev
		return err
	}
	return nil
}

// ListEnvironments returns snapshots of every environment, sorted by
// name, each flagged if it is the current one.
func (m *Manager) ListEnvironments() []Info {
	names := make([]string, 0, len(m.envs))
	for name := range m.envs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		out = append(out, Info{
			Environment: m.envs[name].clone(),
			IsCurrent:   name == m.current,
		})
	}
	return out
}

// ListPackages returns a copy of the package records in the named
// environment, empty meaning the current one.
func (m *Manager) ListPackages(envName string) ([]InstalledPackage, error) {
	env, err := m.env(envName)
	if err != nil {
		return nil, err
	}
	return append([]InstalledPackage(nil), env.Packages...), nil
}

// AddLocalPackage installs the package rooted at dir into the named
// environment (empty meaning the current one), installing missing
// Hatch dependencies first.
func (m *Manager) AddLocalPackage(ctx context.Context, dir, envName string) error {
	env, err := m.env(envName)
	if err != nil {
		return err
	}
	return m.addLocal(ctx, dir, env, map[string]bool{})
}

func (m *Manager) addLocal(ctx context.Context, dir string, env *Environment, installing map[string]bool) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("environment: resolve %q: %w", dir, err)
	}
	meta, err := hatch.LoadMetadata(absDir)
	if err != nil {
		return err
	}
	if !hatch.ValidPackageName(meta.Name) || meta.Version == "" {
		return fmt.Errorf("environment: package at %q needs a valid name and version", absDir)
	}
	if installing[meta.Name] {
		return fmt.Errorf("environment: circular local dependency at %q", meta.Name)
	}
	installing[meta.Name] = true
	defer delete(installing, meta.Name)

	if existing := env.findPackage(meta.Name); existing != nil &&
		existing.Source.Type == SourceLocal && existing.Source.Path != absDir {
		return fmt.Errorf("%w: %s (installed from %s)", ErrSourceConflict, meta.Name, existing.Source.Path)
	}

	compliant := true
	if problems := meta.Validate(absDir); len(problems) > 0 {
		slog.Warn("package is not hatch compliant", "package", meta.Name, "problems", strings.Join(problems, "; "))
		compliant = false
	}
	if script, err := hatch.EntryPointPath(absDir); err == nil {
		if findings, err := hatch.ScanEntryPoint(script); err == nil {
			hatch.LogFindings(meta.Name, findings)
		}
	}

	refs := dependencyRefs(meta.HatchDependencies)
	if reg := m.registry(ctx); reg != nil {
		if has, path := resolver.New(reg).CheckCyclesSeeded(meta.Name, meta.Version, refs); has {
			return fmt.Errorf("environment: circular dependency detected: %s", strings.Join(path, " -> "))
		}
	}

	missing, err := resolver.MissingHatchDependencies(refs, env.installedVersions())
	if err != nil {
		return err
	}
	byName := make(map[string]hatch.Dependency, len(meta.HatchDependencies))
	for _, d := range meta.HatchDependencies {
		byName[d.Name] = d
	}
	for _, miss := range missing {
		dep := byName[miss.Ref.Name]
		if dep.IsLocal() {
			if dep.URI == "" {
				return fmt.Errorf("environment: local dependency %q of %s has no uri", dep.Name, meta.Name)
			}
			src := localDependencyPath(dep.URI, absDir)
			if err := m.addLocal(ctx, src, env, installing); err != nil {
				return fmt.Errorf("environment: dependency %s: %w", dep.Name, err)
			}
			continue
		}
		version, err := m.latestSatisfying(ctx, dep.Name, dep.VersionConstraint)
		if err != nil {
			return fmt.Errorf("environment: dependency %s: %w", dep.Name, err)
		}
		if err := m.addRegistry(ctx, dep.Name, version, env); err != nil {
			return fmt.Errorf("environment: dependency %s: %w", dep.Name, err)
		}
	}

	path, err := m.loader.InstallLocal(absDir, m.EnvironmentDir(env.Name), meta.Name)
	if err != nil {
		return err
	}
	slog.Info("installed local package", "package", meta.Name, "version", meta.Version, "environment", env.Name)

	return m.upsert(env, InstalledPackage{
		Name:           meta.Name,
		Version:        meta.Version,
		AddedDate:      timestamp(),
		Path:           path,
		Source:         PackageSource{Type: SourceLocal, URI: "file://" + absDir, Path: absDir},
		HatchCompliant: compliant,
	})
}

// AddRegistryPackage installs an exact package version from the
// registry, dependencies first, into the named environment.
func (m *Manager) AddRegistryPackage(ctx context.Context, name, version, envName string) error {
	if version == "" {
		return errors.New("environment: registry installs need an explicit version")
	}
	env, err := m.env(envName)
	if err != nil {
		return err
	}
	return m.addRegistry(ctx, name, version, env)
}

func (m *Manager) addRegistry(ctx context.Context, name, version string, env *Environment) error {
	reg, err := m.requireRegistry(ctx)
	if err != nil {
		return err
	}
	r := resolver.New(reg)

	if has, path := r.CheckCycles(name, version); has {
		return fmt.Errorf("environment: circular dependency detected: %s", strings.Join(path, " -> "))
	}
	res, err := r.Resolve(name, version)
	if err != nil {
		return err
	}

	for _, rp := range res.InstallOrder() {
		if rec := env.findPackage(rp.Name); rec != nil && rec.Version == rp.Version {
			continue
		}
		repo, pkg := reg.LocatePackage(rp.Name)
		if pkg == nil {
			return fmt.Errorf("%w: %s", registry.ErrPackageNotFound, rp.Name)
		}
		ver := pkg.FindVersion(rp.Version)
		if ver == nil {
			return fmt.Errorf("%w: %s@%s", registry.ErrVersionNotFound, rp.Name, rp.Version)
		}
		url := reg.DownloadURL(repo, pkg, ver)
		path, err := m.loader.InstallRemote(ctx, url, rp.Name, rp.Version, m.EnvironmentDir(env.Name))
		if err != nil {
			return err
		}
		slog.Info("installed registry package", "package", rp.Name, "version", rp.Version, "environment", env.Name)

		rec := InstalledPackage{
			Name:           rp.Name,
			Version:        rp.Version,
			AddedDate:      timestamp(),
			Path:           path,
			Source:         PackageSource{Type: SourceRegistry, URI: url},
			HatchCompliant: installCompliant(path),
		}
		if err := m.upsert(env, rec); err != nil {
			return err
		}
	}

	if len(res.PythonDependencies) > 0 {
		slog.Info("python dependencies are not installed automatically", "packages", pythonSummary(res.PythonDependencies))
	}
	return nil
}

// RemovePackage drops a package record from the named environment and
// deletes its directory best effort.
func (m *Manager) RemovePackage(name, envName string) error {
	env, err := m.env(envName)
	if err != nil {
		return err
	}
	i := env.packageIndex(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	removed := env.Packages[i]
	prev := append([]InstalledPackage(nil), env.Packages...)
	env.Packages = append(env.Packages[:i], env.Packages[i+1:]...)
	if err := m.persist(); err != nil {
		env.Packages = prev
		return err
	}
	if removed.Path != "" {
		if err := os.RemoveAll(removed.Path); err != nil {
			slog.Warn("could not remove package directory", "package", name, "path", removed.Path, "error", err)
		}
	}
	slog.Info("removed package", "package", name, "environment", env.Name)
	return nil
}

// ServerEntryPoints lists the absolute entry point scripts of every
// package installed in the named environment, the set a fleet connect
// consumes. Packages whose metadata cannot be read are skipped.
func (m *Manager) ServerEntryPoints(envName string) ([]string, error) {
	env, err := m.env(envName)
	if err != nil {
		return nil, err
	}
	var scripts []string
	for _, pkg := range env.Packages {
		script, err := hatch.EntryPointPath(pkg.Path)
		if err != nil {
			slog.Warn("skipping package without a readable entry point", "package", pkg.Name, "error", err)
			continue
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}

func (m *Manager) upsert(env *Environment, rec InstalledPackage) error {
	prev := append([]InstalledPackage(nil), env.Packages...)
	if i := env.packageIndex(rec.Name); i >= 0 {
		env.Packages[i] = rec
	} else {
		env.Packages = append(env.Packages, rec)
	}
	if err := m.persist(); err != nil {
		env.Packages = prev
		return err
	}
	return nil
}

// registry fetches a snapshot, returning nil when no provider is
// configured or the fetch fails. Local installs proceed without one.
func (m *Manager) registry(ctx context.Context) *registry.Registry {
	if m.registries == nil {
		return nil
	}
	reg, err := m.registries.Fetch(ctx, false)
	if err != nil {
		slog.Warn("registry unavailable", "error", err)
		return nil
	}
	return reg
}

func (m *Manager) requireRegistry(ctx context.Context) (*registry.Registry, error) {
	if m.registries == nil {
		return nil, errors.New("environment: no package registry configured")
	}
	return m.registries.Fetch(ctx, false)
}

func (m *Manager) latestSatisfying(ctx context.Context, name, constraint string) (string, error) {
	reg, err := m.requireRegistry(ctx)
	if err != nil {
		return "", err
	}
	c, err := resolver.ParseConstraint(constraint)
	if err != nil {
		return "", err
	}
	version, ok := resolver.New(reg).LatestSatisfying(name, c)
	if !ok {
		return "", fmt.Errorf("environment: no registry version of %q satisfies %q", name, constraint)
	}
	return version, nil
}

func installCompliant(dir string) bool {
	meta, err := hatch.LoadMetadata(dir)
	if err != nil {
		return false
	}
	return len(meta.Validate(dir)) == 0
}

func dependencyRefs(deps []hatch.Dependency) []registry.DependencyRef {
	refs := make([]registry.DependencyRef, len(deps))
	for i, d := range deps {
		refs[i] = registry.DependencyRef{Name: d.Name, VersionConstraint: d.VersionConstraint}
	}
	return refs
}

// localDependencyPath turns a local dependency URI into a filesystem
// path, resolving relative references against the depending package.
func localDependencyPath(uri, baseDir string) string {
	path := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

func pythonSummary(deps []registry.PythonDependencyRef) string {
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = d.Name + d.VersionConstraint
	}
	return strings.Join(parts, ", ")
}
