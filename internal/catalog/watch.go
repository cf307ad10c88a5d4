package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source hands out the catalog a detection run should use. Each run takes
// one snapshot, so a reload never changes patterns mid-scan.
type Source interface {
	Current() *Catalog
}

type staticSource struct{ c *Catalog }

func (s staticSource) Current() *Catalog { return s.c }

// Static wraps a fixed catalog as a Source.
func Static(c *Catalog) Source { return staticSource{c: c} }

// LoadOptions describes how a Watcher (re)builds its catalog.
type LoadOptions struct {
	Path     string
	Enabled  []string
	Disabled []string
	Registry Registry
}

// Watcher reloads a catalog file when it changes on disk. A reload that
// fails keeps the previous catalog in service.
type Watcher struct {
	// loading serialises catalog loads.
	loading  sync.Mutex
	mu       sync.Mutex
	opts     LoadOptions
	changed  chan struct{}
	current  atomic.Pointer[Catalog]
	logger   *zap.Logger
	onReload func(*Catalog)
}

// NewWatcher loads the catalog once and fails fast if it is invalid.
func NewWatcher(opts LoadOptions, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{opts: opts, logger: logger, changed: make(chan struct{}, 1)}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Options returns the load options currently in use.
func (w *Watcher) Options() LoadOptions {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opts
}

// SetOptions switches to new load options and reloads. When the new
// catalog fails to load, the previous options and catalog stay in service.
// Unchanged options are a no-op.
func (w *Watcher) SetOptions(opts LoadOptions) error {
	w.loading.Lock()
	defer w.loading.Unlock()

	if opts.Registry == nil {
		opts.Registry = w.Options().Registry
	}
	if sameOptions(w.Options(), opts) {
		return nil
	}

	c, err := Load(opts.Path, opts.Enabled, opts.Disabled, opts.Registry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.opts = opts
	w.mu.Unlock()
	w.swap(c, opts.Path)

	select {
	case w.changed <- struct{}{}:
	default:
	}
	return nil
}

func sameOptions(a, b LoadOptions) bool {
	return a.Path == b.Path &&
		slices.Equal(a.Enabled, b.Enabled) &&
		slices.Equal(a.Disabled, b.Disabled)
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Catalog)) {
	w.onReload = fn
}

// Current returns the catalog currently in service.
func (w *Watcher) Current() *Catalog {
	return w.current.Load()
}

// Reload rebuilds the catalog from disk and swaps it in on success.
func (w *Watcher) Reload() error {
	w.loading.Lock()
	defer w.loading.Unlock()

	opts := w.Options()
	c, err := Load(opts.Path, opts.Enabled, opts.Disabled, opts.Registry)
	if err != nil {
		return err
	}
	w.swap(c, opts.Path)
	return nil
}

func (w *Watcher) swap(c *Catalog, path string) {
	w.current.Store(c)
	w.logger.Info("Pattern catalog loaded",
		zap.String("path", path),
		zap.Int("patterns", c.Len()),
		zap.Strings("types", c.Types()),
	)
	if w.onReload != nil {
		w.onReload(c)
	}
}

// Run watches the catalog file until ctx is cancelled. It watches the parent
// directory so that editors which replace the file by rename are handled,
// and follows the path when SetOptions changes it.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer fw.Close()

	var dir string
	follow := func() error {
		next := ""
		if path := w.Options().Path; path != "" {
			next = filepath.Dir(filepath.Clean(path))
		}
		if next == dir {
			return nil
		}
		if dir != "" {
			_ = fw.Remove(dir)
			dir = ""
		}
		if next == "" {
			return nil
		}
		if err := fw.Add(next); err != nil {
			return fmt.Errorf("watching %s: %w", next, err)
		}
		dir = next
		return nil
	}
	if err := follow(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.changed:
			if err := follow(); err != nil {
				w.logger.Warn("Catalog watcher cannot follow new path", zap.Error(err))
			}
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.Options().Path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("Catalog reload failed, keeping previous catalog", zap.Error(err))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Catalog watcher error", zap.Error(err))
		}
	}
}
