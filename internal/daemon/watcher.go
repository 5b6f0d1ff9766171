package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher calls reload when the configuration file changes on disk.
// The parent directory is watched so editors that replace the file by
// rename are still noticed.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	reload   func() error
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for path. Bursts of events within
// debounce trigger a single reload.
func NewConfigWatcher(path string, debounce time.Duration, reload func() error, logger *slog.Logger) (*ConfigWatcher, error) {
	if reload == nil {
		return nil, errors.New("config watcher requires a reload function")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		logger:   logger.With("component", "config-watcher"),
		watcher:  w,
	}, nil
}

// Run watches until ctx is done. It fails only when the directory cannot
// be watched.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	defer w.Stop()
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Debug("watching config", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		case <-fire:
			fire = nil
			w.logger.Info("config file changed, reloading", "path", w.path)
			if err := w.reload(); err != nil {
				w.logger.Warn("config reload failed", "error", err)
			}
		}
	}
}

// Stop releases the underlying watcher. Safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.watcher.Close()
	})
}
