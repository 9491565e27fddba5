package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/logging"
)

// Watcher reloads the policy store whenever the policy file changes on disk.
type Watcher struct {
	path     string
	store    *PolicyStore
	logger   *logging.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

func NewWatcher(path string, store *PolicyStore, logger *logging.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the directory so editors that write via rename are still observed.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logger.Named("policy.watcher"),
		debounce: 250 * time.Millisecond,
		watcher:  w,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn(ctx, "read policy file", zap.String("path", w.path), zap.Error(err))
		return
	}
	p, applied, err := w.store.Reload(raw)
	if err != nil {
		w.logger.Error(ctx, "policy reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	if applied {
		w.logger.Info(ctx, "policy reloaded", zap.String("version", p.Version))
	}
}
