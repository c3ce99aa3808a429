package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/stagegate/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// settingsWatcher reloads the settings file when it changes and hands the
// old and new configurations to apply.
type settingsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	apply   func(old, new Config)

	mu      sync.Mutex
	current Config
}

func newSettingsWatcher(path string, current Config, logger *slog.Logger, apply func(old, new Config)) (*settingsWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &settingsWatcher{
		path:    filepath.Clean(path),
		watcher: fsw,
		logger:  logger,
		apply:   apply,
		current: current,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *settingsWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching settings", "path", w.path)

	var debounce <-chan time.Time
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
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", "error", err)
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

func (w *settingsWatcher) reload() {
	next, err := loadConfig(w.path, false)
	if err != nil {
		w.logger.Error("settings reload failed, keeping current configuration", "error", err)
		return
	}
	w.mu.Lock()
	old := w.current
	w.current = next
	w.mu.Unlock()
	w.apply(old, next)
}

// applyReload applies the live-reloadable subset of a configuration change.
func applyReload(logger *slog.Logger, lv *slog.LevelVar, setCORS func([]string)) func(old, new Config) {
	return func(old, new Config) {
		d := diffConfigs(old, new)
		if d.empty() {
			return
		}
		if d.LogLevelChanged {
			level, err := logging.ParseLevel(new.LogLevel)
			if err != nil {
				logger.Warn("ignoring log level change", "error", err)
			} else {
				lv.Set(level)
				logger.Info("log level changed", "level", level.String())
			}
		}
		if d.CORSChanged && setCORS != nil {
			setCORS(new.CORSOrigins)
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
		}
	}
}
