package registry

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hatchling-dev/hatchling/internal/util"
)

// DefaultRegistryURL is the published registry consulted when no
// explicit source is configured.
const DefaultRegistryURL = "https://github.com/CrackingShells/Hatch-Registry/raw/main/hatch_packages_registry.json"

const defaultCacheTTL = time.Hour

// Retriever fetches a registry document from a URL or a local file and
// caches it twice: in memory and as a file under the cache directory.
type Retriever struct {
	url       string
	localPath string
	cacheDir  string
	ttl       time.Duration
	client    *http.Client

	mu        sync.Mutex
	cached    *Registry
	fetchedAt time.Time
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRegistryURL points the retriever at a remote registry document.
func WithRegistryURL(url string) RetrieverOption {
	return func(r *Retriever) { r.url = url }
}

// WithLocalRegistry points the retriever at a registry file on disk
// instead of a remote URL.
func WithLocalRegistry(path string) RetrieverOption {
	return func(r *Retriever) { r.localPath = path }
}

// WithCacheDir overrides the file-cache location.
func WithCacheDir(dir string) RetrieverOption {
	return func(r *Retriever) { r.cacheDir = dir }
}

// WithCacheTTL overrides how long cached copies stay fresh.
func WithCacheTTL(ttl time.Duration) RetrieverOption {
	return func(r *Retriever) { r.ttl = ttl }
}

// NewRetriever builds a retriever with the default URL, a one-hour TTL,
// and the cache under ~/.hatch/cache.
func NewRetriever(opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		url:    DefaultRegistryURL,
		ttl:    defaultCacheTTL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			r.cacheDir = filepath.Join(home, ".hatch", "cache")
		} else {
			r.cacheDir = filepath.Join(os.TempDir(), "hatch-cache")
		}
	}
	return r
}

// Source describes where this retriever reads the registry from.
func (r *Retriever) Source() string {
	if r.localPath != "" {
		return r.localPath
	}
	return r.url
}

// cacheFile keys the file cache by source so switching registries never
// serves a stale document.
func (r *Retriever) cacheFile() string {
	sum := md5.Sum([]byte(r.Source()))
	return filepath.Join(r.cacheDir, fmt.Sprintf("registry_%x.json", sum))
}

// Fetch returns the registry, consulting the in-memory copy, then the
// file cache, then the configured source. With force set, caches are
// bypassed. A failed remote fetch falls back to the file cache when one
// exists.
func (r *Retriever) Fetch(ctx context.Context, force bool) (*Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.cached != nil && time.Since(r.fetchedAt) < r.ttl {
		return r.cached, nil
	}

	cachePath := r.cacheFile()
	if !force {
		if reg, ok := r.readCacheFile(cachePath); ok {
			r.cached = reg
			r.fetchedAt = time.Now()
			return reg, nil
		}
	}

	reg, err := r.fetchSource(ctx)
	if err != nil {
		if fallback, ok := r.readAnyCacheFile(cachePath); ok {
			slog.Warn("registry fetch failed, using cached copy", "source", r.Source(), "error", err)
			r.cached = fallback
			r.fetchedAt = time.Now()
			return fallback, nil
		}
		return nil, err
	}

	r.writeCacheFile(cachePath, reg)
	r.cached = reg
	r.fetchedAt = time.Now()
	return reg, nil
}

// Invalidate drops both cache layers.
func (r *Retriever) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.fetchedAt = time.Time{}
	if err := os.Remove(r.cacheFile()); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove registry cache file", "error", err)
	}
}

func (r *Retriever) fetchSource(ctx context.Context) (*Registry, error) {
	if r.localPath != "" {
		reg, err := Load(r.localPath)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}

	slog.Info("fetching registry", "url", r.url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %q: %w", r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry: fetch %q: unexpected status %s", r.url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: read response: %w", err)
	}
	return Decode(data)
}

// readCacheFile returns the cached registry when the file is younger
// than the TTL.
func (r *Retriever) readCacheFile(path string) (*Registry, bool) {
	fi, err := os.Stat(path)
	if err != nil || time.Since(fi.ModTime()) > r.ttl {
		return nil, false
	}
	return r.readAnyCacheFile(path)
}

// readAnyCacheFile returns the cached registry regardless of age.
func (r *Retriever) readAnyCacheFile(path string) (*Registry, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	reg, err := Decode(data)
	if err != nil {
		slog.Warn("discarding unreadable registry cache", "path", path, "error", err)
		return nil, false
	}
	return reg, true
}

// writeCacheFile stores a verbatim copy, preserving the source's
// last_updated stamp.
func (r *Retriever) writeCacheFile(path string, reg *Registry) {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		slog.Warn("cannot create registry cache dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		slog.Warn("cannot encode registry cache", "error", err)
		return
	}
	if err := util.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		slog.Warn("cannot write registry cache", "error", err)
	}
}
