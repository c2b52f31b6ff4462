// Package logutil provides per-package leveled logging on top of
// log/slog, grounded on the teacher's internal/slogutil: a global level
// tracker keyed by package name, overridable wholesale or per-package via
// the CACHEWIRE_TRACE environment variable, in the same spirit as
// STTRACE="model,protocol" / "model:WARN,protocol:DEBUG".
package logutil

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
)

var global = &levelTracker{
	defLevel: slog.LevelInfo,
	levels:   make(map[string]slog.Level),
}

func init() {
	if tr := os.Getenv("CACHEWIRE_TRACE"); tr != "" {
		SetLevelOverrides(tr)
	}
}

// Error wraps err as a slog attribute under the conventional key "error".
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// SetDefaultLevel sets the level used for any package with no specific
// override.
func SetDefaultLevel(level slog.Level) { global.setDefault(level) }

// SetPackageLevel overrides the level for one package by name.
func SetPackageLevel(pkg string, level slog.Level) { global.set(pkg, level) }

// SetLevelOverrides parses a comma-separated CACHEWIRE_TRACE-style string:
// bare package names are set to Debug; "pkg:LEVEL" sets pkg to LEVEL.
func SetLevelOverrides(spec string) {
	for _, pkg := range strings.Split(spec, ",") {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		level := slog.LevelDebug
		if name, levelStr, ok := strings.Cut(pkg, ":"); ok {
			pkg = name
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				slog.Warn("logutil: bad level in CACHEWIRE_TRACE", "package", pkg, "level", levelStr, Error(err))
				continue
			}
		}
		global.set(pkg, level)
	}
}

// PackageLevels returns a snapshot of every package's effective level.
func PackageLevels() map[string]slog.Level { return global.snapshot() }

type levelTracker struct {
	mu       sync.RWMutex
	defLevel slog.Level
	levels   map[string]slog.Level
}

func (t *levelTracker) get(pkg string) slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if level, ok := t.levels[pkg]; ok {
		return level
	}
	return t.defLevel
}

func (t *levelTracker) set(pkg string, level slog.Level) {
	t.mu.Lock()
	t.levels[pkg] = level
	t.mu.Unlock()
}

func (t *levelTracker) setDefault(level slog.Level) {
	t.mu.Lock()
	t.defLevel = level
	t.mu.Unlock()
}

func (t *levelTracker) snapshot() map[string]slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(map[string]slog.Level, len(t.levels))
	maps.Copy(m, t.levels)
	return m
}

// packageLeveler implements slog.Leveler for a single fixed package name,
// consulting the global tracker on every check so a level change at
// runtime (e.g. via SetPackageLevel) takes effect on the next log call.
type packageLeveler struct{ pkg string }

func (p packageLeveler) Level() slog.Level { return global.get(p.pkg) }

// levelHandler wraps a slog.Handler, substituting a per-package Leveler
// for whatever level the handler was constructed with.
type levelHandler struct {
	pkg     string
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= global.get(h.pkg) && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{pkg: h.pkg, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{pkg: h.pkg, handler: h.handler.WithGroup(name)}
}

// For returns a *slog.Logger for pkg, deriving its level from the global
// per-package tracker and writing through base (slog.Default's handler if
// base is nil).
func For(pkg string, base slog.Handler) *slog.Logger {
	if base == nil {
		base = slog.Default().Handler()
	}
	return slog.New(&levelHandler{pkg: pkg, handler: base})
}
