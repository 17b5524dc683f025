package environment

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/registry"
)

type staticRegistry struct{ reg *registry.Registry }

func (s staticRegistry) Fetch(context.Context, bool) (*registry.Registry, error) {
	return s.reg, nil
}

func openManager(t *testing.T, root string, registries RegistryProvider) *Manager {
	t.Helper()
	loader := hatch.NewLoader(filepath.Join(root, "cache"))
	m, err := NewManager(filepath.Join(root, "envs"), loader, registries)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func newTestManager(t *testing.T, registries RegistryProvider) *Manager {
	t.Helper()
	return openManager(t, t.TempDir(), registries)
}

func writeLocalPackage(t *testing.T, dir, name, version string, deps ...hatch.Dependency) string {
	t.Helper()
	pkgDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	meta := &hatch.PackageMetadata{
		Name:              name,
		Version:           version,
		Description:       "test package",
		EntryPoint:        "server.py",
		HatchDependencies: deps,
	}
	if err := hatch.SaveMetadata(pkgDir, meta); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "server.py"), []byte("print('serve')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return pkgDir
}

func packageArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	meta, err := json.Marshal(&hatch.PackageMetadata{
		Name:        name,
		Version:     version,
		Description: "test package",
		EntryPoint:  "server.py",
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for file, data := range map[string][]byte{
		"hatch_metadata.json": meta,
		"server.py":           []byte("print('serve')\n"),
	} {
		w, err := zw.Create(file)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serveArchives(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func regVersion(ver string, deps ...registry.DependencyRef) *registry.Version {
	return &registry.Version{Version: ver, DependenciesAdded: deps}
}

func regPackage(name string, versions ...*registry.Version) *registry.Package {
	latest := ""
	if len(versions) > 0 {
		latest = versions[len(versions)-1].Version
	}
	return &registry.Package{Name: name, Versions: versions, LatestVersion: latest}
}

func registryAt(url string, pkgs ...*registry.Package) *registry.Registry {
	reg := registry.New()
	reg.Repositories = append(reg.Repositories, &registry.Repository{
		Name: "test-repo", URL: url, Packages: pkgs,
	})
	return reg
}

func TestManagerInitialisesDefaultState(t *testing.T) {
	root := t.TempDir()
	m := openManager(t, root, nil)

	if got := m.CurrentEnvironment(); got != DefaultEnvironment {
		t.Errorf("current = %q, want default", got)
	}
	if !m.EnvironmentExists(DefaultEnvironment) {
		t.Error("default environment missing")
	}
	for _, file := range []string{environmentsFile, currentEnvFile} {
		if _, err := os.Stat(filepath.Join(root, "envs", file)); err != nil {
			t.Errorf("state file %s: %v", file, err)
		}
	}
}

func TestCreateEnvironment(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.CreateEnvironment("test_env", "Test environment"); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if !m.EnvironmentExists("test_env") {
		t.Fatal("environment was not created")
	}

	var found, defaultCurrent bool
	for _, info := range m.ListEnvironments() {
		switch info.Name {
		case "test_env":
			found = true
			if info.IsCurrent {
				t.Error("new environment must not be current")
			}
			if info.Description != "Test environment" {
				t.Errorf("description = %q", info.Description)
			}
		case DefaultEnvironment:
			defaultCurrent = info.IsCurrent
		}
	}
	if !found {
		t.Error("environment not in list")
	}
	if !defaultCurrent {
		t.Error("default should still be current")
	}
}

func TestCreateEnvironmentRejectsBadNames(t *testing.T) {
	m := newTestManager(t, nil)

	for _, name := range []string{"", "bad name", "slash/name", "dots.name"} {
		if err := m.CreateEnvironment(name, ""); !errors.Is(err, ErrBadName) {
			t.Errorf("CreateEnvironment(%q) = %v, want ErrBadName", name, err)
		}
	}

	if err := m.CreateEnvironment("dup", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateEnvironment("dup", ""); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create = %v, want ErrExists", err)
	}
}

func TestSetCurrentEnvironment(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.CreateEnvironment("test_env_2", "Another test environment"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCurrentEnvironment("test_env_2"); err != nil {
		t.Fatalf("SetCurrentEnvironment: %v", err)
	}
	if got := m.CurrentEnvironment(); got != "test_env_2" {
		t.Errorf("current = %q, want test_env_2", got)
	}

	if err := m.SetCurrentEnvironment("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown environment = %v, want ErrNotFound", err)
	}
}

func TestRemoveEnvironment(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.CreateEnvironment("temp_env", "Temporary environment"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveEnvironment("temp_env"); err != nil {
		t.Fatalf("RemoveEnvironment: %v", err)
	}
	if m.EnvironmentExists("temp_env") {
		t.Error("environment was not removed")
	}

	if err := m.RemoveEnvironment(DefaultEnvironment); !errors.Is(err, ErrDefaultRemoval) {
		t.Errorf("remove default = %v, want ErrDefaultRemoval", err)
	}
	if err := m.RemoveEnvironment("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove unknown = %v, want ErrNotFound", err)
	}
}

func TestRemoveActiveEnvironmentSwitchesToDefault(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.CreateEnvironment("active", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCurrentEnvironment("active"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveEnvironment("active"); err != nil {
		t.Fatalf("RemoveEnvironment: %v", err)
	}
	if got := m.CurrentEnvironment(); got != DefaultEnvironment {
		t.Errorf("current = %q, want default after removing the active environment", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	m := openManager(t, root, nil)
	if err := m.CreateEnvironment("persisted", "kept across restarts"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCurrentEnvironment("persisted"); err != nil {
		t.Fatal(err)
	}

	reopened := openManager(t, root, nil)
	if !reopened.EnvironmentExists("persisted") {
		t.Error("environment lost on restart")
	}
	if got := reopened.CurrentEnvironment(); got != "persisted" {
		t.Errorf("current after restart = %q, want persisted", got)
	}
}

func TestCorruptEnvironmentsFileReinitialises(t *testing.T) {
	root := t.TempDir()
	envsDir := filepath.Join(root, "envs")
	if err := os.MkdirAll(envsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(envsDir, environmentsFile), []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := openManager(t, root, nil)
	if !m.EnvironmentExists(DefaultEnvironment) {
		t.Error("default environment missing after reinitialisation")
	}

	// The rewritten file must load cleanly.
	if reopened := openManager(t, root, nil); !reopened.EnvironmentExists(DefaultEnvironment) {
		t.Error("reinitialised file did not reload")
	}
}

func TestAddLocalPackage(t *testing.T) {
	m := newTestManager(t, nil)
	src := writeLocalPackage(t, t.TempDir(), "base_pkg_1", "1.0.0")

	if err := m.CreateEnvironment("pkg_test_env", "Package testing environment"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCurrentEnvironment("pkg_test_env"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddLocalPackage(context.Background(), src, ""); err != nil {
		t.Fatalf("AddLocalPackage: %v", err)
	}

	packages, err := m.ListPackages("pkg_test_env")
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 1 {
		t.Fatalf("packages = %+v", packages)
	}
	rec := packages[0]
	if rec.Name != "base_pkg_1" || rec.Version != "1.0.0" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Source.Type != SourceLocal || rec.Source.Path != src {
		t.Errorf("source = %+v", rec.Source)
	}
	if !rec.HatchCompliant {
		t.Error("package should be hatch compliant")
	}
	if _, err := os.Stat(filepath.Join(rec.Path, "server.py")); err != nil {
		t.Errorf("installed tree incomplete: %v", err)
	}
}

func TestAddLocalPackageTwiceIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	src := writeLocalPackage(t, t.TempDir(), "again", "1.0.0")

	ctx := context.Background()
	if err := m.AddLocalPackage(ctx, src, ""); err != nil {
		t.Fatal(err)
	}
	first, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.AddLocalPackage(ctx, src, ""); err != nil {
		t.Fatalf("second install: %v", err)
	}
	second, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("packages after reinstall = %+v", second)
	}
	if second[0].Name != first[0].Name || second[0].Version != first[0].Version || second[0].Path != first[0].Path {
		t.Errorf("record changed across reinstall: %+v vs %+v", first[0], second[0])
	}
}

func TestAddLocalPackageRejectsConflictingSource(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	srcA := writeLocalPackage(t, t.TempDir(), "clash", "1.0.0")
	srcB := writeLocalPackage(t, t.TempDir(), "clash", "2.0.0")

	if err := m.AddLocalPackage(ctx, srcA, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.AddLocalPackage(ctx, srcB, ""); !errors.Is(err, ErrSourceConflict) {
		t.Errorf("conflicting reinstall = %v, want ErrSourceConflict", err)
	}
}

func TestAddLocalPackageInstallsLocalDependencies(t *testing.T) {
	m := newTestManager(t, nil)
	work := t.TempDir()

	writeLocalPackage(t, work, "base_pkg_1", "1.0.0")
	depSrc := writeLocalPackage(t, work, "simple_dep_pkg", "1.0.0", hatch.Dependency{
		Name: "base_pkg_1",
		Type: hatch.DependencyLocal,
		URI:  "../base_pkg_1",
	})

	if err := m.AddLocalPackage(context.Background(), depSrc, ""); err != nil {
		t.Fatalf("AddLocalPackage: %v", err)
	}

	packages, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(packages))
	for i, p := range packages {
		names[i] = p.Name
	}
	// The dependency installs before the package that needs it.
	want := []string{"base_pkg_1", "simple_dep_pkg"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("installed = %v, want %v", names, want)
	}
}

func TestAddLocalPackageCircularLocalDependencies(t *testing.T) {
	m := newTestManager(t, nil)
	work := t.TempDir()

	writeLocalPackage(t, work, "pkg_a", "1.0.0", hatch.Dependency{
		Name: "pkg_b", Type: hatch.DependencyLocal, URI: "../pkg_b",
	})
	srcB := writeLocalPackage(t, work, "pkg_b", "1.0.0", hatch.Dependency{
		Name: "pkg_a", Type: hatch.DependencyLocal, URI: "../pkg_a",
	})

	err := m.AddLocalPackage(context.Background(), srcB, "")
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Errorf("err = %v, want circular dependency failure", err)
	}
}

func TestRemovePackage(t *testing.T) {
	m := newTestManager(t, nil)
	src := writeLocalPackage(t, t.TempDir(), "removable", "1.0.0")

	before, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddLocalPackage(context.Background(), src, ""); err != nil {
		t.Fatal(err)
	}
	packages, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	installedPath := packages[0].Path

	if err := m.RemovePackage("removable", ""); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	after, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(after, before) {
		t.Errorf("records after remove = %+v, want pre-add state %+v", after, before)
	}
	if _, err := os.Stat(installedPath); !os.IsNotExist(err) {
		t.Errorf("package directory still present: %v", err)
	}

	if err := m.RemovePackage("removable", ""); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second remove = %v, want ErrNotInstalled", err)
	}
}

func TestAddRegistryPackageInstallsDependenciesFirst(t *testing.T) {
	srv := serveArchives(t, map[string][]byte{
		"/top_pkg-1.0.0.tar.gz":  packageArchive(t, "top_pkg", "1.0.0"),
		"/base_pkg-1.0.0.tar.gz": packageArchive(t, "base_pkg", "1.0.0"),
	})
	reg := registryAt(srv.URL,
		regPackage("top_pkg", regVersion("1.0.0", registry.DependencyRef{Name: "base_pkg", VersionConstraint: ">=1.0.0"})),
		regPackage("base_pkg", regVersion("1.0.0")),
	)

	m := newTestManager(t, staticRegistry{reg: reg})
	if err := m.AddRegistryPackage(context.Background(), "top_pkg", "1.0.0", ""); err != nil {
		t.Fatalf("AddRegistryPackage: %v", err)
	}

	packages, err := m.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 2 {
		t.Fatalf("packages = %+v", packages)
	}
	if packages[0].Name != "base_pkg" || packages[1].Name != "top_pkg" {
		t.Errorf("install order = [%s, %s], want dependency first", packages[0].Name, packages[1].Name)
	}
	for _, rec := range packages {
		if rec.Source.Type != SourceRegistry {
			t.Errorf("%s source = %+v", rec.Name, rec.Source)
		}
		if !strings.HasSuffix(rec.Source.URI, rec.Name+"-1.0.0.tar.gz") {
			t.Errorf("%s uri = %q", rec.Name, rec.Source.URI)
		}
		if !rec.HatchCompliant {
			t.Errorf("%s should be hatch compliant", rec.Name)
		}
	}
}

func TestAddRegistryPackageNeedsVersion(t *testing.T) {
	m := newTestManager(t, staticRegistry{reg: registry.New()})
	err := m.AddRegistryPackage(context.Background(), "pkg", "", "")
	if err == nil || !strings.Contains(err.Error(), "explicit version") {
		t.Errorf("err = %v, want explicit version failure", err)
	}
}

func TestAddRegistryPackageWithoutProvider(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.AddRegistryPackage(context.Background(), "pkg", "1.0.0", "")
	if err == nil || !strings.Contains(err.Error(), "no package registry") {
		t.Errorf("err = %v, want missing registry failure", err)
	}
}

func TestAddRegistryPackageDetectsCycles(t *testing.T) {
	reg := registryAt("https://example.org/repo",
		regPackage("circular_dep_pkg_1", regVersion("1.0.0", registry.DependencyRef{Name: "circular_dep_pkg_2", VersionConstraint: ">=1.0.0"})),
		regPackage("circular_dep_pkg_2", regVersion("1.0.0", registry.DependencyRef{Name: "circular_dep_pkg_1", VersionConstraint: ">=1.0.0"})),
	)

	m := newTestManager(t, staticRegistry{reg: reg})
	err := m.AddRegistryPackage(context.Background(), "circular_dep_pkg_1", "1.0.0", "")
	if err == nil || !strings.Contains(err.Error(), "circular dependency detected") {
		t.Errorf("err = %v, want cycle failure", err)
	}
}

func TestServerEntryPoints(t *testing.T) {
	m := newTestManager(t, nil)
	work := t.TempDir()
	ctx := context.Background()

	for _, name := range []string{"server_one", "server_two"} {
		src := writeLocalPackage(t, work, name, "1.0.0")
		if err := m.AddLocalPackage(ctx, src, ""); err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.ServerEntryPoints("")
	if err != nil {
		t.Fatalf("ServerEntryPoints: %v", err)
	}
	if len(scripts) != 2 {
		t.Fatalf("scripts = %v", scripts)
	}
	for _, script := range scripts {
		if !filepath.IsAbs(script) {
			t.Errorf("entry point %q is not absolute", script)
		}
		if filepath.Base(script) != "server.py" {
			t.Errorf("entry point %q", script)
		}
		if _, err := os.Stat(script); err != nil {
			t.Errorf("entry point missing on disk: %v", err)
		}
	}
}
