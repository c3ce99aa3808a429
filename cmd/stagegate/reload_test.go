package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyReload(t *testing.T) {
	lv := new(slog.LevelVar)
	var origins []string
	apply := applyReload(discardLogger(), lv, func(o []string) { origins = o })

	old := defaultConfig()
	next := old
	next.LogLevel = "debug"
	next.CORSOrigins = []string{"http://ui.example"}
	apply(old, next)

	assert.Equal(t, slog.LevelDebug, lv.Level())
	assert.Equal(t, []string{"http://ui.example"}, origins)
}

func TestApplyReloadInvalidLevel(t *testing.T) {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	apply := applyReload(discardLogger(), lv, nil)

	next := defaultConfig()
	next.LogLevel = "loud"
	apply(defaultConfig(), next)
	assert.Equal(t, slog.LevelWarn, lv.Level())
}

func TestSettingsWatcherReloads(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, "store: memory\nlog_level: info\n")
	current, err := loadConfig(path, true)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		applied []Config
	)
	w, err := newSettingsWatcher(path, current, discardLogger(), func(_, new Config) {
		mu.Lock()
		applied = append(applied, new)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to start reading events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("store: memory\nlog_level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0 && applied[len(applied)-1].LogLevel == "debug"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
