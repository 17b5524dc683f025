package hatch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/util"
)

// FetchError reports a failed remote package download or extraction.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("hatch: fetch %q: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Loader installs packages into environment directories. Remote archives
// are kept in a content-addressed cache keyed by name and version so a
// package is downloaded at most once per version.
type Loader struct {
	cacheRoot string
	client    *http.Client
}

// NewLoader returns a Loader caching under cacheRoot. An empty cacheRoot
// selects ~/.hatch/cache/packages.
func NewLoader(cacheRoot string) *Loader {
	if cacheRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cacheRoot = filepath.Join(home, ".hatch", "cache", "packages")
		} else {
			cacheRoot = filepath.Join(os.TempDir(), "hatch-cache", "packages")
		}
	}
	return &Loader{cacheRoot: cacheRoot, client: &http.Client{}}
}

// CachePath returns where the loader caches (or would cache) a version.
func (l *Loader) CachePath(name, version string) string {
	return filepath.Join(l.cacheRoot, name+"-"+version)
}

// InstallLocal copies the package at source into targetDir/name. Any
// previous install at that path is removed first, so repeated installs
// of the same source converge to the same tree.
func (l *Loader) InstallLocal(source, targetDir, name string) (string, error) {
	fi, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("hatch: local package %q: %w", source, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("hatch: local package %q is not a directory", source)
	}

	dest := filepath.Join(targetDir, name)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("hatch: clear previous install %q: %w", dest, err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("hatch: create target dir: %w", err)
	}
	if err := util.CopyTree(source, dest); err != nil {
		return "", fmt.Errorf("hatch: copy package %q: %w", name, err)
	}
	slog.Debug("installed local package", "name", name, "source", source, "dest", dest)
	return dest, nil
}

// InstallRemote ensures the (name, version) archive at url is present in
// the cache, downloading and extracting it on a miss, then copies the
// cached tree into targetDir/name.
func (l *Loader) InstallRemote(ctx context.Context, url, name, version, targetDir string) (string, error) {
	cached := l.CachePath(name, version)
	if _, err := os.Stat(cached); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("hatch: stat cache %q: %w", cached, err)
		}
		if err := l.populateCache(ctx, url, cached); err != nil {
			return "", err
		}
	} else {
		slog.Debug("package cache hit", "name", name, "version", version)
	}

	dest := filepath.Join(targetDir, name)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("hatch: clear previous install %q: %w", dest, err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("hatch: create target dir: %w", err)
	}
	if err := util.CopyTree(cached, dest); err != nil {
		return "", fmt.Errorf("hatch: copy package %q from cache: %w", name, err)
	}
	return dest, nil
}

// ClearCache removes cached package trees. With no name it clears the
// whole cache; with a name it clears every cached version of that
// package; with name and version it clears that single entry.
func (l *Loader) ClearCache(name, version string) error {
	switch {
	case name == "":
		if err := os.RemoveAll(l.cacheRoot); err != nil {
			return fmt.Errorf("hatch: clear cache: %w", err)
		}
	case version == "":
		entries, err := os.ReadDir(l.cacheRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("hatch: read cache dir: %w", err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), name+"-") {
				if err := os.RemoveAll(filepath.Join(l.cacheRoot, e.Name())); err != nil {
					return fmt.Errorf("hatch: clear cache entry %q: %w", e.Name(), err)
				}
			}
		}
	default:
		if err := os.RemoveAll(l.CachePath(name, version)); err != nil {
			return fmt.Errorf("hatch: clear cache entry: %w", err)
		}
	}
	return nil
}

// populateCache downloads url into a temp file, extracts it into a temp
// directory, then renames the result into place at cached. The rename is
// the publish step, so a half-extracted tree never appears in the cache.
func (l *Loader) populateCache(ctx context.Context, url, cached string) error {
	slog.Info("downloading package archive", "url", url)

	if err := os.MkdirAll(l.cacheRoot, 0o755); err != nil {
		return &FetchError{URL: url, Err: fmt.Errorf("create cache dir: %w", err)}
	}

	archive, err := l.download(ctx, url)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	defer os.Remove(archive)

	tmpDir, err := os.MkdirTemp(l.cacheRoot, ".extract-*")
	if err != nil {
		return &FetchError{URL: url, Err: fmt.Errorf("create temp dir: %w", err)}
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(archive, tmpDir); err != nil {
		return &FetchError{URL: url, Err: err}
	}

	root, err := archiveRoot(tmpDir)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	if err := os.Rename(root, cached); err != nil {
		return &FetchError{URL: url, Err: fmt.Errorf("move into cache: %w", err)}
	}
	return nil
}

// download streams the response body to a temp file and returns its path.
func (l *Loader) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(l.cacheRoot, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

// extractArchive unpacks the archive at path into dir, detecting zip
// versus gzipped tar from the leading magic bytes.
func extractArchive(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && n < 2 {
		return fmt.Errorf("read archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic[:n], zipMagic):
		return extractZip(path, dir)
	case bytes.HasPrefix(magic[:n], gzipMagic):
		return extractTarGz(f, dir)
	default:
		return fmt.Errorf("unsupported archive format (expected zip or tar.gz)")
	}
}

func extractZip(path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, file := range zr.File {
		dest, err := securePath(dir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("extract %q: %w", file.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("extract %q: %w", file.Name, err)
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("extract %q: %w", file.Name, err)
		}
		err = writeExtracted(dest, rc, file.Mode())
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %q: %w", file.Name, err)
		}
	}
	return nil
}

func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		dest, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("extract %q: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("extract %q: %w", hdr.Name, err)
			}
			if err := writeExtracted(dest, tr, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("extract %q: %w", hdr.Name, err)
			}
		default:
			// Symlinks and device nodes have no business in a package archive.
			slog.Warn("skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func writeExtracted(dest string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// securePath joins name under dir and rejects entries that would escape it.
func securePath(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if dest != dir && !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction dir", name)
	}
	return dest, nil
}

// archiveRoot handles archives that wrap the package in a single top
// directory, as release tarballs usually do. If tmpDir holds exactly one
// directory and nothing else, that directory is the package root.
func archiveRoot(tmpDir string) (string, error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", fmt.Errorf("read extracted tree: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(tmpDir, entries[0].Name()), nil
	}
	return tmpDir, nil
}
