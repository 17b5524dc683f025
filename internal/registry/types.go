// Package registry implements the on-disk package registry: a JSON tree
// of repositories, packages, and differentially stored versions, plus a
// retriever that fetches and caches a published registry file.
package registry

import (
	"errors"
	"fmt"
)

// SchemaVersion is written into every registry this code creates.
const SchemaVersion = "1.0.0"

var (
	ErrRepositoryNotFound = errors.New("registry: repository not found")
	ErrPackageNotFound    = errors.New("registry: package not found")
	ErrVersionNotFound    = errors.New("registry: version not found")
	ErrVersionExists      = errors.New("registry: version already exists")
)

// CorruptionError reports an unreadable registry file or a broken
// base_version chain discovered during reconstruction.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string { return "registry corrupted: " + e.Reason }

// Registry is the root of the registry document.
type Registry struct {
	SchemaVersion   string        `json:"registry_schema_version"`
	LastUpdated     string        `json:"last_updated"`
	ArtifactBaseURL string        `json:"artifact_base_url,omitempty"`
	Repositories    []*Repository `json:"repositories"`
	Stats           Stats         `json:"stats"`
}

// Stats carries the registry-wide counters maintained on mutation.
type Stats struct {
	TotalPackages  int `json:"total_packages"`
	TotalVersions  int `json:"total_versions"`
	TotalArtifacts int `json:"total_artifacts"`
}

// Repository groups the packages published from one source repository.
type Repository struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Packages    []*Package `json:"packages"`
	LastIndexed string     `json:"last_indexed"`
}

// Package is one published package with its version history.
type Package struct {
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Category      string     `json:"category,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Versions      []*Version `json:"versions"`
	LatestVersion string     `json:"latest_version"`
}

// Version stores one package version as a delta over BaseVersion.
// A nil BaseVersion marks a root: the full dependency sets live in the
// *_added fields and reconstruction starts here.
type Version struct {
	Version      string     `json:"version"`
	Path         string     `json:"path,omitempty"`
	MetadataPath string     `json:"metadata_path,omitempty"`
	BaseVersion  *string    `json:"base_version"`
	Artifacts    []Artifact `json:"artifacts"`
	AddedDate    string     `json:"added_date"`

	DependenciesAdded    []DependencyRef `json:"dependencies_added,omitempty"`
	DependenciesRemoved  []string        `json:"dependencies_removed,omitempty"`
	DependenciesModified []DependencyRef `json:"dependencies_modified,omitempty"`

	PythonDependenciesAdded    []PythonDependencyRef `json:"python_dependencies_added,omitempty"`
	PythonDependenciesRemoved  []string              `json:"python_dependencies_removed,omitempty"`
	PythonDependenciesModified []PythonDependencyRef `json:"python_dependencies_modified,omitempty"`

	CompatibilityChanges map[string]string `json:"compatibility_changes,omitempty"`
}

// Base returns the base version string, empty for a root version.
func (v *Version) Base() string {
	if v.BaseVersion == nil {
		return ""
	}
	return *v.BaseVersion
}

// IsRoot reports whether this version stores its full dependency sets.
func (v *Version) IsRoot() bool { return v.BaseVersion == nil }

// DependencyRef names a Hatch package dependency with its constraint.
type DependencyRef struct {
	Name              string `json:"name"`
	VersionConstraint string `json:"version_constraint,omitempty"`
}

// PythonDependencyRef names a Python dependency with its constraint and
// the package manager expected to install it.
type PythonDependencyRef struct {
	Name              string `json:"name"`
	VersionConstraint string `json:"version_constraint,omitempty"`
	PackageManager    string `json:"package_manager,omitempty"`
}

// Artifact is a downloadable build of a version.
type Artifact struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

// FindRepository returns the named repository or nil.
func (r *Registry) FindRepository(name string) *Repository {
	for _, repo := range r.Repositories {
		if repo.Name == name {
			return repo
		}
	}
	return nil
}

// FindPackage returns the named package within a repository or nil.
func (r *Registry) FindPackage(repoName, pkgName string) *Package {
	repo := r.FindRepository(repoName)
	if repo == nil {
		return nil
	}
	for _, pkg := range repo.Packages {
		if pkg.Name == pkgName {
			return pkg
		}
	}
	return nil
}

// FindVersion returns one version of a package within a repository or nil.
func (r *Registry) FindVersion(repoName, pkgName, version string) *Version {
	pkg := r.FindPackage(repoName, pkgName)
	if pkg == nil {
		return nil
	}
	return pkg.FindVersion(version)
}

// LocatePackage searches every repository for a package name. Names are
// case-sensitive. Returns the owning repository and the package, or nils.
func (r *Registry) LocatePackage(pkgName string) (*Repository, *Package) {
	for _, repo := range r.Repositories {
		for _, pkg := range repo.Packages {
			if pkg.Name == pkgName {
				return repo, pkg
			}
		}
	}
	return nil, nil
}

// FindVersion returns the matching version entry or nil.
func (p *Package) FindVersion(version string) *Version {
	for _, v := range p.Versions {
		if v.Version == version {
			return v
		}
	}
	return nil
}

// DownloadURL decides where a version's archive lives: an explicit
// artifact wins, then the registry-wide artifact base, then a path under
// the owning repository's URL.
func (r *Registry) DownloadURL(repo *Repository, pkg *Package, v *Version) string {
	if len(v.Artifacts) > 0 && v.Artifacts[0].URL != "" {
		return v.Artifacts[0].URL
	}
	base := r.ArtifactBaseURL
	if base == "" {
		base = repo.URL
	}
	return fmt.Sprintf("%s/%s-%s.tar.gz", base, pkg.Name, v.Version)
}
