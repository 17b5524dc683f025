// Package logging configures the process-wide slog logger: a text handler on
// stderr, an optional JSON file sink, and a bounded in-memory ring of recent
// records that backs the show_logs chat command. The level is adjustable at
// runtime for set_log_level.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ringCapacity is the number of recent records retained for show_logs.
const ringCapacity = 500

// Manager owns the logger configuration for the lifetime of the process.
type Manager struct {
	level *slog.LevelVar
	ring  *ringStore
	file  *os.File
}

// Setup builds the handler stack, installs it as the slog default, and
// returns the Manager used by the runtime commands. level is one of
// debug|info|warn|error (case-insensitive); dir, when non-empty, receives a
// hatchling.log JSON file and is created if missing.
func Setup(level, dir string) (*Manager, error) {
	lv := new(slog.LevelVar)
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lv.Set(parsed)

	opts := &slog.HandlerOptions{Level: lv}
	store := &ringStore{cap: ringCapacity}
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, opts),
		&ringHandler{level: lv, store: store},
	}

	m := &Manager{level: lv, ring: store}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir %q: %w", dir, err)
		}
		path := filepath.Join(dir, "hatchling.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file %q: %w", path, err)
		}
		m.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	slog.SetDefault(slog.New(multiHandler(handlers)))
	return m, nil
}

// SetLevel changes the runtime level. Unknown names are rejected.
func (m *Manager) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	m.level.Set(parsed)
	return nil
}

// Level returns the current level name.
func (m *Manager) Level() string {
	return strings.ToLower(m.level.Level().String())
}

// Recent returns up to n formatted records, oldest first. n <= 0 means all
// retained records.
func (m *Manager) Recent(n int) []string {
	return m.ring.recent(n)
}

// Close releases the file sink, if any.
func (m *Manager) Close() error {
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// multiHandler fans records out to every child handler.
type multiHandler []slog.Handler

func (h multiHandler) Enabled(ctx context.Context, lv slog.Level) bool {
	for _, c := range h {
		if c.Enabled(ctx, lv) {
			return true
		}
	}
	return false
}

func (h multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, c := range h {
		if !c.Enabled(ctx, r.Level) {
			continue
		}
		if err := c.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(multiHandler, len(h))
	for i, c := range h {
		next[i] = c.WithAttrs(attrs)
	}
	return next
}

func (h multiHandler) WithGroup(name string) slog.Handler {
	next := make(multiHandler, len(h))
	for i, c := range h {
		next[i] = c.WithGroup(name)
	}
	return next
}

// ringStore is the shared bounded record buffer. Handlers derived through
// WithAttrs/WithGroup all append to the same store.
type ringStore struct {
	mu      sync.Mutex
	records []string
	cap     int
}

func (s *ringStore) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, line)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
}

func (s *ringStore) recent(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]string, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}

// ringHandler formats records and appends them to the shared ring store.
type ringHandler struct {
	level  slog.Leveler
	store  *ringStore
	attrs  []slog.Attr
	prefix string // accumulated group prefix for attr keys
}

func (h *ringHandler) Enabled(_ context.Context, lv slog.Level) bool {
	return lv >= h.level.Level()
}

func (h *ringHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.TimeOnly))
	sb.WriteByte(' ')
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})
	h.store.add(sb.String())
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *ringHandler) clone() *ringHandler {
	return &ringHandler{
		level:  h.level,
		store:  h.store,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		prefix: h.prefix,
	}
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(sb, " %s%s=%v", prefix, a.Key, a.Value)
}
