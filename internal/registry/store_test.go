package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hatchling-dev/hatchling/internal/hatch"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func writeTestPackage(t *testing.T, meta *hatch.PackageMetadata) string {
	t.Helper()
	dir := t.TempDir()
	if err := hatch.SaveMetadata(dir, meta); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, meta.EntryPoint), []byte("# server\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func basicMeta(name, version string) *hatch.PackageMetadata {
	return &hatch.PackageMetadata{Name: name, Version: version, EntryPoint: "server.py"}
}

func TestOpenCreatesDefaultRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Registry().SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %q", s.Registry().SchemaVersion)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("registry file not created: %v", err)
	}

	// Reopening reads the persisted document back.
	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(again.Registry().Repositories) != 0 {
		t.Errorf("fresh registry has %d repositories", len(again.Registry().Repositories))
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want *CorruptionError", err)
	}
}

func TestSaveRewritesLastUpdated(t *testing.T) {
	s := newTestStore(t)
	before := s.Registry().LastUpdated

	restore := timeNow
	timeNow = func() time.Time { return restore().Add(2 * time.Second) }
	defer func() { timeNow = restore }()

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if s.Registry().LastUpdated == before {
		t.Error("last_updated not rewritten on save")
	}
}

func TestAddRepositoryIdempotent(t *testing.T) {
	s := newTestStore(t)

	added, err := s.AddRepository("Hatch-Dev", "https://example.org/hatch-dev")
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = s.AddRepository("Hatch-Dev", "https://example.org/other")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if added {
		t.Error("second add should report already exists")
	}
	if len(s.Registry().Repositories) != 1 {
		t.Errorf("%d repositories, want 1", len(s.Registry().Repositories))
	}
	if got := s.Registry().FindRepository("Hatch-Dev").URL; got != "https://example.org/hatch-dev" {
		t.Errorf("URL overwritten to %q", got)
	}
}

func TestAddPackageFirstVersionIsRoot(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}

	meta := basicMeta("base_pkg", "1.0.0")
	meta.HatchDependencies = []hatch.Dependency{{Name: "other", VersionConstraint: ">=1.0.0"}}
	meta.PythonDependencies = []hatch.PythonDependency{{Name: "requests", VersionConstraint: ">=2.0"}}
	meta.Compatibility = hatch.Compatibility{Hatchling: ">=0.1.0"}
	dir := writeTestPackage(t, meta)

	if err := s.AddPackage("dev", dir); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	pkg := s.Registry().FindPackage("dev", "base_pkg")
	if pkg == nil {
		t.Fatal("package not in registry")
	}
	if pkg.LatestVersion != "1.0.0" {
		t.Errorf("latest_version = %q", pkg.LatestVersion)
	}
	v := pkg.FindVersion("1.0.0")
	if v == nil {
		t.Fatal("version not in registry")
	}
	if !v.IsRoot() {
		t.Error("first version must be a root (null base_version)")
	}
	if len(v.DependenciesAdded) != 1 || v.DependenciesAdded[0].Name != "other" {
		t.Errorf("dependencies_added = %+v", v.DependenciesAdded)
	}
	if len(v.PythonDependenciesAdded) != 1 || v.PythonDependenciesAdded[0].PackageManager != "pip" {
		t.Errorf("python_dependencies_added = %+v", v.PythonDependenciesAdded)
	}
	if s.Registry().Stats.TotalPackages != 1 || s.Registry().Stats.TotalVersions != 1 {
		t.Errorf("stats = %+v", s.Registry().Stats)
	}
}

func TestAddPackageSecondVersionStoresDiff(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}

	v1 := basicMeta("pkg", "1.0.0")
	v1.HatchDependencies = []hatch.Dependency{
		{Name: "kept", VersionConstraint: ">=1.0.0"},
		{Name: "dropped", VersionConstraint: ">=1.0.0"},
	}
	v1dir := writeTestPackage(t, v1)
	if err := s.AddPackage("dev", v1dir); err != nil {
		t.Fatal(err)
	}

	v2 := basicMeta("pkg", "2.0.0")
	v2.HatchDependencies = []hatch.Dependency{
		{Name: "kept", VersionConstraint: ">=2.0.0"},
		{Name: "fresh", VersionConstraint: ">=1.0.0"},
	}
	v2dir := writeTestPackage(t, v2)
	if err := s.AddPackage("dev", v2dir); err != nil {
		t.Fatal(err)
	}

	pkg := s.Registry().FindPackage("dev", "pkg")
	if pkg.LatestVersion != "2.0.0" {
		t.Errorf("latest_version = %q", pkg.LatestVersion)
	}
	v := pkg.FindVersion("2.0.0")
	if v.Base() != "1.0.0" {
		t.Errorf("base_version = %q, want 1.0.0", v.Base())
	}
	if len(v.DependenciesAdded) != 1 || v.DependenciesAdded[0].Name != "fresh" {
		t.Errorf("dependencies_added = %+v", v.DependenciesAdded)
	}
	if len(v.DependenciesRemoved) != 1 || v.DependenciesRemoved[0] != "dropped" {
		t.Errorf("dependencies_removed = %+v", v.DependenciesRemoved)
	}
	if len(v.DependenciesModified) != 1 || v.DependenciesModified[0].VersionConstraint != ">=2.0.0" {
		t.Errorf("dependencies_modified = %+v", v.DependenciesModified)
	}
}

func TestAddPackageVersionFallsBackWithoutBaseMetadata(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}

	v1 := basicMeta("pkg", "1.0.0")
	v1dir := writeTestPackage(t, v1)
	if err := s.AddPackage("dev", v1dir); err != nil {
		t.Fatal(err)
	}
	// Losing the base version's tree forces non-differential storage.
	if err := os.RemoveAll(v1dir); err != nil {
		t.Fatal(err)
	}

	v2 := basicMeta("pkg", "2.0.0")
	v2.HatchDependencies = []hatch.Dependency{{Name: "dep", VersionConstraint: ">=1.0.0"}}
	v2dir := writeTestPackage(t, v2)
	if err := s.AddPackage("dev", v2dir); err != nil {
		t.Fatal(err)
	}

	v := s.Registry().FindVersion("dev", "pkg", "2.0.0")
	if !v.IsRoot() {
		t.Error("fallback version should be stored as a new root")
	}
	if len(v.DependenciesAdded) != 1 || v.DependenciesAdded[0].Name != "dep" {
		t.Errorf("dependencies_added = %+v", v.DependenciesAdded)
	}
}

func TestAddPackageDuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}
	dir := writeTestPackage(t, basicMeta("pkg", "1.0.0"))
	if err := s.AddPackage("dev", dir); err != nil {
		t.Fatal(err)
	}
	err := s.AddPackage("dev", dir)
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
}

func TestAddPackageRejectsLocalDependencies(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}
	meta := basicMeta("pkg", "1.0.0")
	meta.HatchDependencies = []hatch.Dependency{{Name: "dep", Type: hatch.DependencyLocal, URI: "file:///tmp/dep"}}
	dir := writeTestPackage(t, meta)

	err := s.AddPackage("dev", dir)
	if err == nil || !strings.Contains(err.Error(), "local dependency") {
		t.Fatalf("err = %v, want local dependency rejection", err)
	}
}

func TestAddPackageRejectsCycles(t *testing.T) {
	called := false
	s := newTestStore(t, WithCycleCheck(func(reg *Registry, meta *hatch.PackageMetadata) (bool, []string) {
		called = true
		return true, []string{"pkg", "other", "pkg"}
	}))
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}
	dir := writeTestPackage(t, basicMeta("pkg", "1.0.0"))

	err := s.AddPackage("dev", dir)
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("err = %v, want circular dependency rejection", err)
	}
	if !called {
		t.Error("cycle check was not consulted")
	}
	if s.Registry().FindPackage("dev", "pkg") != nil {
		t.Error("rejected package must not be inserted")
	}
}

func TestAddPackageUnknownRepository(t *testing.T) {
	s := newTestStore(t)
	dir := writeTestPackage(t, basicMeta("pkg", "1.0.0"))
	if err := s.AddPackage("nope", dir); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("err = %v, want ErrRepositoryNotFound", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRepository("dev", "https://example.org/dev"); err != nil {
		t.Fatal(err)
	}
	dir := writeTestPackage(t, basicMeta("pkg", "1.0.0"))
	if err := s.AddPackage("dev", dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(s.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.FindVersion("dev", "pkg", "1.0.0") == nil {
		t.Error("round-tripped registry lost the version")
	}
	if loaded.Stats != s.Registry().Stats {
		t.Errorf("stats changed: %+v vs %+v", loaded.Stats, s.Registry().Stats)
	}
}

func TestDownloadURL(t *testing.T) {
	reg := New()
	repo := &Repository{Name: "dev", URL: "https://example.org/dev"}
	pkg := &Package{Name: "pkg"}
	v := &Version{Version: "1.0.0", Artifacts: []Artifact{}}

	if got := reg.DownloadURL(repo, pkg, v); got != "https://example.org/dev/pkg-1.0.0.tar.gz" {
		t.Errorf("repo fallback URL = %q", got)
	}

	reg.ArtifactBaseURL = "https://artifacts.example.org/packages"
	if got := reg.DownloadURL(repo, pkg, v); got != "https://artifacts.example.org/packages/pkg-1.0.0.tar.gz" {
		t.Errorf("artifact base URL = %q", got)
	}

	v.Artifacts = []Artifact{{URL: "https://cdn.example.org/pkg.zip"}}
	if got := reg.DownloadURL(repo, pkg, v); got != "https://cdn.example.org/pkg.zip" {
		t.Errorf("explicit artifact URL = %q", got)
	}
}
