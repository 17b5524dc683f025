package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/registry"
)

// Resolver answers dependency questions against one registry snapshot.
type Resolver struct {
	reg               *registry.Registry
	allowBrokenChains bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAllowBrokenChains tolerates a base_version link naming a missing
// version: the walk stops early and reconstruction returns what the
// intact part of the chain yields. Without it that is a corruption.
func WithAllowBrokenChains() Option {
	return func(r *Resolver) { r.allowBrokenChains = true }
}

// New builds a resolver over reg.
func New(reg *registry.Registry, opts ...Option) *Resolver {
	r := &Resolver{reg: reg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DependencySet is a version's full (reconstructed) dependency picture.
type DependencySet struct {
	Dependencies       []registry.DependencyRef
	PythonDependencies []registry.PythonDependencyRef
	Compatibility      map[string]string
}

// FullDependencies reconstructs the complete dependency sets for an
// exact package version by walking its base_version chain from the root
// forward and applying each delta in order.
func (r *Resolver) FullDependencies(pkgName, version string) (*DependencySet, error) {
	_, pkg := r.reg.LocatePackage(pkgName)
	if pkg == nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrPackageNotFound, pkgName)
	}
	target := pkg.FindVersion(version)
	if target == nil {
		return nil, fmt.Errorf("%w: %s@%s", registry.ErrVersionNotFound, pkgName, version)
	}

	chain, err := r.versionChain(pkg, target)
	if err != nil {
		return nil, err
	}

	deps := newOrderedMap[registry.DependencyRef]()
	pyDeps := newOrderedMap[registry.PythonDependencyRef]()
	compatibility := map[string]string{}

	for _, v := range chain {
		for _, d := range v.DependenciesAdded {
			deps.set(d.Name, d)
		}
		for _, name := range v.DependenciesRemoved {
			deps.remove(name)
		}
		for _, d := range v.DependenciesModified {
			if _, ok := deps.get(d.Name); ok {
				deps.set(d.Name, d)
			}
		}

		for _, d := range v.PythonDependenciesAdded {
			pyDeps.set(d.Name, withDefaultManager(d))
		}
		for _, name := range v.PythonDependenciesRemoved {
			pyDeps.remove(name)
		}
		for _, d := range v.PythonDependenciesModified {
			if prev, ok := pyDeps.get(d.Name); ok {
				next := withDefaultManager(d)
				if d.PackageManager == "" {
					next.PackageManager = prev.PackageManager
				}
				pyDeps.set(d.Name, next)
			}
		}

		for _, key := range []string{"hatchling", "python"} {
			if val, ok := v.CompatibilityChanges[key]; ok {
				compatibility[key] = val
			}
		}
	}

	return &DependencySet{
		Dependencies:       deps.items(),
		PythonDependencies: pyDeps.items(),
		Compatibility:      compatibility,
	}, nil
}

// versionChain collects target's ancestry ordered oldest first. A base
// link naming a missing version is a corruption unless broken chains are
// allowed; a base loop always is.
func (r *Resolver) versionChain(pkg *registry.Package, target *registry.Version) ([]*registry.Version, error) {
	chain := []*registry.Version{target}
	seen := map[string]bool{target.Version: true}
	current := target

	for current.Base() != "" {
		base := current.Base()
		if seen[base] {
			return nil, &registry.CorruptionError{
				Reason: fmt.Sprintf("base_version cycle at %s@%s", pkg.Name, base),
			}
		}
		next := pkg.FindVersion(base)
		if next == nil {
			if r.allowBrokenChains {
				slog.Error("base version not found, stopping chain walk", "package", pkg.Name, "base", base)
				break
			}
			return nil, &registry.CorruptionError{
				Reason: fmt.Sprintf("base version %s of %s@%s not found", base, pkg.Name, current.Version),
			}
		}
		seen[base] = true
		chain = append(chain, next)
		current = next
	}

	// Reverse to oldest first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// LatestSatisfying picks the newest version of pkgName, across every
// repository, whose version satisfies the constraint. Returns false when
// nothing matches.
func (r *Resolver) LatestSatisfying(pkgName string, c Constraint) (string, bool) {
	type candidate struct {
		parsed Version
		raw    string
	}
	var candidates []candidate

	for _, repo := range r.reg.Repositories {
		for _, pkg := range repo.Packages {
			if pkg.Name != pkgName {
				continue
			}
			for _, v := range pkg.Versions {
				parsed, err := ParseVersion(v.Version)
				if err != nil {
					slog.Warn("skipping unparseable version in registry", "package", pkgName, "version", v.Version)
					continue
				}
				if c.Satisfies(parsed) {
					candidates = append(candidates, candidate{parsed: parsed, raw: v.Version})
				}
			}
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].parsed.Compare(candidates[j].parsed) > 0
	})
	return candidates[0].raw, true
}

// ResolvedPackage is one entry of a transitive resolution.
type ResolvedPackage struct {
	Name    string
	Version string
}

// Resolution is the outcome of a transitive resolve: packages in DFS
// pre-order plus the flattened Python requirements.
type Resolution struct {
	Packages           []ResolvedPackage
	PythonDependencies []registry.PythonDependencyRef
}

// InstallOrder returns the packages dependency-first, the order an
// installer should process them.
func (res *Resolution) InstallOrder() []ResolvedPackage {
	out := make([]ResolvedPackage, len(res.Packages))
	for i, p := range res.Packages {
		out[len(out)-1-i] = p
	}
	return out
}

// Resolve walks the dependency tree from (rootName, rootVersion),
// visiting each name@version once, choosing the latest satisfying
// version for every edge.
func (r *Resolver) Resolve(rootName, rootVersion string) (*Resolution, error) {
	visited := map[string]bool{}
	var packages []ResolvedPackage
	pyDeps := newOrderedMap[registry.PythonDependencyRef]()

	if err := r.resolveNode(rootName, rootVersion, visited, &packages, pyDeps); err != nil {
		return nil, err
	}
	return &Resolution{Packages: packages, PythonDependencies: pyDeps.items()}, nil
}

func (r *Resolver) resolveNode(name, version string, visited map[string]bool, packages *[]ResolvedPackage, pyDeps *orderedMap[registry.PythonDependencyRef]) error {
	id := name + "@" + version
	if visited[id] {
		return nil
	}
	visited[id] = true

	set, err := r.FullDependencies(name, version)
	if err != nil {
		var corrupt *registry.CorruptionError
		if errors.As(err, &corrupt) {
			return err
		}
		// Unknown packages still appear in the output with no edges.
		slog.Warn("package version not found during resolve", "package", name, "version", version)
		set = &DependencySet{}
	}

	*packages = append(*packages, ResolvedPackage{Name: name, Version: version})

	for _, py := range set.PythonDependencies {
		mergePythonDependency(pyDeps, py)
	}

	for _, dep := range set.Dependencies {
		c, err := ParseConstraint(dep.VersionConstraint)
		if err != nil {
			return err
		}
		depVersion, ok := r.LatestSatisfying(dep.Name, c)
		if !ok {
			slog.Error("no version satisfies dependency", "package", dep.Name, "constraint", dep.VersionConstraint)
			continue
		}
		if err := r.resolveNode(dep.Name, depVersion, visited, packages, pyDeps); err != nil {
			return err
		}
	}
	return nil
}

// mergePythonDependency folds one transitively collected Python
// requirement into the accumulator. Conflicting constraints overwrite,
// last writer wins.
// TODO: intersect conflicting constraints instead of overwriting.
func mergePythonDependency(acc *orderedMap[registry.PythonDependencyRef], dep registry.PythonDependencyRef) {
	acc.set(dep.Name, withDefaultManager(dep))
}

// CheckCycles walks the dependency graph from (name, version) and
// reports whether any path revisits a node on the current stack, with
// the offending path as package names. It never fails: unknown packages
// and unsatisfiable edges are logged and skipped.
func (r *Resolver) CheckCycles(name, version string) (bool, []string) {
	w := &cycleWalker{r: r, visited: map[string]bool{}}
	if w.walk(name, version) {
		return true, w.cycle
	}
	return false, nil
}

// CheckCyclesSeeded runs the cycle check for a package that is not yet
// in the registry, seeding the walk with its declared dependencies. The
// candidate itself resolves dependency edges that name it, so a cycle
// the insertion would close is detected before it exists.
func (r *Resolver) CheckCyclesSeeded(name, version string, deps []registry.DependencyRef) (bool, []string) {
	w := &cycleWalker{
		r:           r,
		visited:     map[string]bool{},
		seedName:    name,
		seedVersion: version,
		seedDeps:    deps,
	}
	if w.walk(name, version) {
		return true, w.cycle
	}
	return false, nil
}

type cycleWalker struct {
	r       *Resolver
	visited map[string]bool
	path    []string
	cycle   []string

	seedName    string
	seedVersion string
	seedDeps    []registry.DependencyRef
}

func (w *cycleWalker) walk(name, version string) bool {
	id := name + "@" + version
	for i, p := range w.path {
		if p == id {
			w.cycle = namesOnly(append(append([]string{}, w.path[i:]...), id))
			return true
		}
	}
	if w.visited[id] {
		return false
	}
	w.visited[id] = true
	w.path = append(w.path, id)

	for _, dep := range w.deps(name, version) {
		if w.walkDep(dep) {
			return true
		}
	}

	w.path = w.path[:len(w.path)-1]
	return false
}

func (w *cycleWalker) walkDep(dep registry.DependencyRef) bool {
	c, err := ParseConstraint(dep.VersionConstraint)
	if err != nil {
		slog.Warn("skipping dependency with bad constraint in cycle check", "package", dep.Name, "constraint", dep.VersionConstraint)
		return false
	}
	depVersion, ok := w.r.LatestSatisfying(dep.Name, c)
	if !ok {
		if w.seedSatisfies(dep.Name, c) {
			depVersion = w.seedVersion
		} else {
			slog.Warn("no version satisfies dependency in cycle check", "package", dep.Name, "constraint", dep.VersionConstraint)
			return false
		}
	}
	return w.walk(dep.Name, depVersion)
}

// deps fetches a node's dependency edges, substituting the seed's
// declared dependencies for the not-yet-inserted candidate.
func (w *cycleWalker) deps(name, version string) []registry.DependencyRef {
	if name == w.seedName && version == w.seedVersion {
		return w.seedDeps
	}
	set, err := w.r.FullDependencies(name, version)
	if err != nil {
		slog.Warn("cannot load dependencies in cycle check", "package", name, "version", version, "error", err)
		return nil
	}
	return set.Dependencies
}

func (w *cycleWalker) seedSatisfies(name string, c Constraint) bool {
	if name != w.seedName || w.seedVersion == "" {
		return false
	}
	v, err := ParseVersion(w.seedVersion)
	if err != nil {
		return false
	}
	return c.Satisfies(v)
}

func namesOnly(ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = strings.SplitN(id, "@", 2)[0]
	}
	return names
}

func withDefaultManager(d registry.PythonDependencyRef) registry.PythonDependencyRef {
	if d.PackageManager == "" {
		d.PackageManager = "pip"
	}
	return d
}

// MissingDependency describes one unsatisfied Hatch dependency.
type MissingDependency struct {
	Ref       registry.DependencyRef
	Reason    string // "not installed" or "version mismatch"
	Installed string // version present when Reason is a mismatch
}

// MissingHatchDependencies checks declared dependencies against the
// installed name->version map and returns every unmet one.
func MissingHatchDependencies(deps []registry.DependencyRef, installed map[string]string) ([]MissingDependency, error) {
	var missing []MissingDependency
	for _, dep := range deps {
		c, err := ParseConstraint(dep.VersionConstraint)
		if err != nil {
			return nil, err
		}
		have, ok := installed[dep.Name]
		if !ok {
			missing = append(missing, MissingDependency{Ref: dep, Reason: "not installed"})
			continue
		}
		satisfied, err := c.SatisfiesString(have)
		if err != nil {
			return nil, fmt.Errorf("resolver: installed version of %q: %w", dep.Name, err)
		}
		if !satisfied {
			missing = append(missing, MissingDependency{Ref: dep, Reason: "version mismatch", Installed: have})
		}
	}
	return missing, nil
}

// orderedMap preserves first-insertion order for deterministic output.
type orderedMap[V any] struct {
	order []string
	vals  map[string]V
}

func newOrderedMap[V any]() *orderedMap[V] {
	return &orderedMap[V]{vals: map[string]V{}}
}

func (m *orderedMap[V]) set(key string, val V) {
	if _, ok := m.vals[key]; !ok {
		m.order = append(m.order, key)
	}
	m.vals[key] = val
}

func (m *orderedMap[V]) get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

func (m *orderedMap[V]) remove(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *orderedMap[V]) items() []V {
	out := make([]V, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.vals[k])
	}
	return out
}
