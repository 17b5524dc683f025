package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/util"
)

var timeNow = time.Now

func timestamp() string { return timeNow().UTC().Format(time.RFC3339) }

// New returns an empty registry with the default shape.
func New() *Registry {
	return &Registry{
		SchemaVersion: SchemaVersion,
		LastUpdated:   timestamp(),
		Repositories:  []*Repository{},
	}
}

// Load reads a registry document from path. A missing file yields a
// fresh empty registry; unreadable JSON is a corruption.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("registry: read %q: %w", path, err)
	}
	return Decode(data)
}

// Decode parses a registry document.
func Decode(data []byte) (*Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, &CorruptionError{Reason: fmt.Sprintf("unreadable registry JSON: %v", err)}
	}
	if reg.Repositories == nil {
		reg.Repositories = []*Repository{}
	}
	return &reg, nil
}

// Save writes the registry to path atomically, rewriting last_updated.
func (r *Registry) Save(path string) error {
	r.LastUpdated = timestamp()
	if r.SchemaVersion == "" {
		r.SchemaVersion = SchemaVersion
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	if err := util.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("registry: write %q: %w", path, err)
	}
	return nil
}

// CycleChecker reports whether adding a package described by meta would
// close a dependency cycle in reg, and the offending path.
type CycleChecker func(reg *Registry, meta *hatch.PackageMetadata) (bool, []string)

// Store couples a registry document with its file path and persists
// after every mutation.
type Store struct {
	path       string
	reg        *Registry
	cycleCheck CycleChecker
}

// Option configures a Store.
type Option func(*Store)

// WithCycleCheck installs the dependency-cycle guard consulted by
// AddPackage before mutating the registry.
func WithCycleCheck(fn CycleChecker) Option {
	return func(s *Store) { s.cycleCheck = fn }
}

// Open loads (or creates) the registry at path.
func Open(path string, opts ...Option) (*Store, error) {
	reg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, reg: reg}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.Save(); err != nil {
			return nil, err
		}
		slog.Info("created new registry", "path", path)
	}
	return s, nil
}

// Registry exposes the in-memory document for read access.
func (s *Store) Registry() *Registry { return s.reg }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Save persists the current document.
func (s *Store) Save() error { return s.reg.Save(s.path) }

// AddRepository appends a repository if absent. The second call with the
// same name is a no-op reporting added=false.
func (s *Store) AddRepository(name, url string) (bool, error) {
	if s.reg.FindRepository(name) != nil {
		slog.Info("repository already exists in registry", "name", name)
		return false, nil
	}
	s.reg.Repositories = append(s.reg.Repositories, &Repository{
		Name:        name,
		URL:         url,
		Packages:    []*Package{},
		LastIndexed: timestamp(),
	})
	if err := s.Save(); err != nil {
		s.reg.Repositories = s.reg.Repositories[:len(s.reg.Repositories)-1]
		return false, err
	}
	slog.Info("added repository to registry", "name", name, "url", url)
	return true, nil
}

// AddPackage registers the package rooted at packageDir under repoName.
// The metadata must validate, registry packages may not carry local
// dependencies, and the cycle guard (when installed) must pass. An
// already-known package name delegates to AddPackageVersion.
func (s *Store) AddPackage(repoName, packageDir string) error {
	repo := s.reg.FindRepository(repoName)
	if repo == nil {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoName)
	}

	meta, err := hatch.LoadMetadata(packageDir)
	if err != nil {
		return err
	}
	if problems := meta.Validate(packageDir); len(problems) > 0 {
		return fmt.Errorf("registry: package %q failed validation: %v", meta.Name, problems)
	}
	for _, dep := range meta.HatchDependencies {
		if dep.IsLocal() {
			return fmt.Errorf("registry: package %q has local dependency %q; registry packages must depend on published packages only", meta.Name, dep.Name)
		}
	}

	if s.cycleCheck != nil {
		if has, path := s.cycleCheck(s.reg, meta); has {
			return fmt.Errorf("registry: circular dependency detected: %s", joinPath(path))
		}
	}

	if pkg := findPackageIn(repo, meta.Name); pkg != nil {
		slog.Info("package already exists, adding version", "package", meta.Name, "version", meta.Version)
		return s.AddPackageVersion(repoName, meta.Name, meta, packageDir)
	}

	pkg := &Package{
		Name:          meta.Name,
		Description:   meta.Description,
		Category:      meta.Category,
		Tags:          meta.Tags,
		Versions:      []*Version{},
		LatestVersion: meta.Version,
	}
	repo.Packages = append(repo.Packages, pkg)
	pkg.Versions = append(pkg.Versions, buildRootVersion(meta, packageDir))
	s.reg.Stats.TotalPackages++
	s.reg.Stats.TotalVersions++

	if err := s.Save(); err != nil {
		repo.Packages = repo.Packages[:len(repo.Packages)-1]
		s.reg.Stats.TotalPackages--
		s.reg.Stats.TotalVersions--
		return err
	}
	slog.Info("added package to registry", "repository", repoName, "package", meta.Name, "version", meta.Version)
	return nil
}

// AddPackageVersion appends a new version of an existing package, stored
// as a delta against the current latest version. If the base metadata
// cannot be read the version falls back to non-differential storage and
// becomes a new reconstruction root.
func (s *Store) AddPackageVersion(repoName, pkgName string, meta *hatch.PackageMetadata, packagePath string) error {
	pkg := s.reg.FindPackage(repoName, pkgName)
	if pkg == nil {
		return fmt.Errorf("%w: %s/%s", ErrPackageNotFound, repoName, pkgName)
	}
	if meta.Version == "" {
		return fmt.Errorf("registry: package %q metadata has no version", pkgName)
	}
	if pkg.FindVersion(meta.Version) != nil {
		return fmt.Errorf("%w: %s@%s", ErrVersionExists, pkgName, meta.Version)
	}

	var entry *Version
	if len(pkg.Versions) == 0 {
		entry = buildRootVersion(meta, packagePath)
	} else {
		base := pkg.FindVersion(pkg.LatestVersion)
		baseMeta, err := loadBaseMetadata(base)
		if err != nil {
			slog.Error("cannot diff against base version, storing full dependency sets", "package", pkgName, "base", pkg.LatestVersion, "error", err)
			entry = buildRootVersion(meta, packagePath)
		} else {
			entry = buildDiffVersion(meta, packagePath, pkg.LatestVersion, baseMeta)
		}
	}

	pkg.Versions = append(pkg.Versions, entry)
	prevLatest := pkg.LatestVersion
	pkg.LatestVersion = meta.Version
	s.reg.Stats.TotalVersions++
	s.reg.Stats.TotalArtifacts += len(entry.Artifacts)

	if err := s.Save(); err != nil {
		pkg.Versions = pkg.Versions[:len(pkg.Versions)-1]
		pkg.LatestVersion = prevLatest
		s.reg.Stats.TotalVersions--
		s.reg.Stats.TotalArtifacts -= len(entry.Artifacts)
		return err
	}
	slog.Info("added package version", "package", pkgName, "version", meta.Version)
	return nil
}

// UpdateRepositoryTimestamp refreshes last_indexed for a repository.
func (s *Store) UpdateRepositoryTimestamp(repoName string) error {
	repo := s.reg.FindRepository(repoName)
	if repo == nil {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoName)
	}
	repo.LastIndexed = timestamp()
	return s.Save()
}

func findPackageIn(repo *Repository, name string) *Package {
	for _, pkg := range repo.Packages {
		if pkg.Name == name {
			return pkg
		}
	}
	return nil
}

// buildRootVersion stores the full dependency sets in the *_added fields
// with no base version, marking a reconstruction root.
func buildRootVersion(meta *hatch.PackageMetadata, packagePath string) *Version {
	return &Version{
		Version:                 meta.Version,
		Path:                    packagePath,
		MetadataPath:            hatch.MetadataFilename,
		BaseVersion:             nil,
		Artifacts:               []Artifact{},
		AddedDate:               timestamp(),
		DependenciesAdded:       dependencyRefs(meta.HatchDependencies),
		PythonDependenciesAdded: pythonRefs(meta.PythonDependencies),
		CompatibilityChanges:    compatibilityMap(meta.Compatibility),
	}
}

// buildDiffVersion stores only the deltas between baseMeta and meta.
func buildDiffVersion(meta *hatch.PackageMetadata, packagePath, baseVersion string, baseMeta *hatch.PackageMetadata) *Version {
	added, removed, modified := diffDependencies(dependencyRefs(baseMeta.HatchDependencies), dependencyRefs(meta.HatchDependencies))
	pyAdded, pyRemoved, pyModified := diffPythonDependencies(pythonRefs(baseMeta.PythonDependencies), pythonRefs(meta.PythonDependencies))
	compat := diffCompatibility(compatibilityMap(baseMeta.Compatibility), compatibilityMap(meta.Compatibility))

	base := baseVersion
	return &Version{
		Version:                    meta.Version,
		Path:                       packagePath,
		MetadataPath:               hatch.MetadataFilename,
		BaseVersion:                &base,
		Artifacts:                  []Artifact{},
		AddedDate:                  timestamp(),
		DependenciesAdded:          added,
		DependenciesRemoved:        removed,
		DependenciesModified:       modified,
		PythonDependenciesAdded:    pyAdded,
		PythonDependenciesRemoved:  pyRemoved,
		PythonDependenciesModified: pyModified,
		CompatibilityChanges:       compat,
	}
}

func loadBaseMetadata(base *Version) (*hatch.PackageMetadata, error) {
	if base == nil {
		return nil, fmt.Errorf("base version entry missing")
	}
	if base.Path == "" {
		return nil, fmt.Errorf("base version %q records no path", base.Version)
	}
	name := base.MetadataPath
	if name == "" {
		name = hatch.MetadataFilename
	}
	return hatch.LoadMetadataFile(filepath.Join(base.Path, name))
}

func dependencyRefs(deps []hatch.Dependency) []DependencyRef {
	refs := make([]DependencyRef, 0, len(deps))
	for _, d := range deps {
		refs = append(refs, DependencyRef{Name: d.Name, VersionConstraint: d.VersionConstraint})
	}
	return refs
}

func pythonRefs(deps []hatch.PythonDependency) []PythonDependencyRef {
	refs := make([]PythonDependencyRef, 0, len(deps))
	for _, d := range deps {
		pm := d.PackageManager
		if pm == "" {
			pm = "pip"
		}
		refs = append(refs, PythonDependencyRef{Name: d.Name, VersionConstraint: d.VersionConstraint, PackageManager: pm})
	}
	return refs
}

func compatibilityMap(c hatch.Compatibility) map[string]string {
	m := map[string]string{}
	if c.Hatchling != "" {
		m["hatchling"] = c.Hatchling
	}
	if c.Python != "" {
		m["python"] = c.Python
	}
	return m
}

// diffDependencies compares two dependency sets by name. Removed entries
// are recorded by name only; modified entries carry the new constraint.
func diffDependencies(old, cur []DependencyRef) (added []DependencyRef, removed []string, modified []DependencyRef) {
	oldByName := map[string]string{}
	for _, d := range old {
		oldByName[d.Name] = d.VersionConstraint
	}
	curByName := map[string]bool{}
	for _, d := range cur {
		curByName[d.Name] = true
		oldConstraint, existed := oldByName[d.Name]
		if !existed {
			added = append(added, d)
		} else if oldConstraint != d.VersionConstraint {
			modified = append(modified, d)
		}
	}
	for _, d := range old {
		if !curByName[d.Name] {
			removed = append(removed, d.Name)
		}
	}
	return added, removed, modified
}

func diffPythonDependencies(old, cur []PythonDependencyRef) (added []PythonDependencyRef, removed []string, modified []PythonDependencyRef) {
	oldByName := map[string]PythonDependencyRef{}
	for _, d := range old {
		oldByName[d.Name] = d
	}
	curByName := map[string]bool{}
	for _, d := range cur {
		curByName[d.Name] = true
		prev, existed := oldByName[d.Name]
		if !existed {
			added = append(added, d)
		} else if prev.VersionConstraint != d.VersionConstraint || prev.PackageManager != d.PackageManager {
			modified = append(modified, d)
		}
	}
	for _, d := range old {
		if !curByName[d.Name] {
			removed = append(removed, d.Name)
		}
	}
	return added, removed, modified
}

// diffCompatibility reports keys whose value changed, new value wins.
func diffCompatibility(old, cur map[string]string) map[string]string {
	changes := map[string]string{}
	for _, key := range []string{"hatchling", "python"} {
		if old[key] != cur[key] {
			changes[key] = cur[key]
		}
	}
	return changes
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
