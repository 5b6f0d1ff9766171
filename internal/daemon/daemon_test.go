package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1broseidon/winsync/internal/config"
	"github.com/1broseidon/winsync/internal/state"
)

type recordingTarget struct {
	mu  sync.Mutex
	got []state.Timeouts
}

func (r *recordingTarget) SetTimeouts(t state.Timeouts) {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestReloadAppliesTimeoutsAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
timeouts:
  write: 3s
  marker_expiry: 4s
events:
  tombstone_ttl: 1m
logging:
  level: debug
`)

	level := new(slog.LevelVar)
	target := &recordingTarget{}
	r := &reloader{path: path, level: level, target: target, logger: discard()}
	if err := r.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if len(target.got) != 1 {
		t.Fatalf("SetTimeouts calls = %d, want 1", len(target.got))
	}
	got := target.got[0]
	if got.Write != 3*time.Second || got.MarkerExpiry != 4*time.Second || got.TombstoneTTL != time.Minute {
		t.Fatalf("unexpected timeouts: %+v", got)
	}
	if got.ReorderWindow != config.DefaultConfig().Timeouts.ReorderWindow {
		t.Fatalf("reorder window = %v, want default", got.ReorderWindow)
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "timeouts:\n  write: 5s\n  marker_expiry: 1s\n")

	target := &recordingTarget{}
	r := &reloader{path: path, level: new(slog.LevelVar), target: target, logger: discard()}
	if err := r.reload(); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(target.got) != 0 {
		t.Fatalf("invalid config must not be applied")
	}
}

func TestStateOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Writes.MaxInFlight = 8
	cfg.Writes.RatePerResource = 2.5
	opts := StateOptions(cfg, discard(), nil)

	if opts.MaxInFlight != 8 || opts.RatePerResource != 2.5 || opts.Burst != cfg.Writes.Burst {
		t.Fatalf("unexpected write options: %+v", opts)
	}
	if opts.ReadTimeout != cfg.Timeouts.Read || opts.Timeouts.TombstoneTTL != cfg.Events.TombstoneTTL {
		t.Fatalf("unexpected timeouts: %+v", opts)
	}
}

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")

	var reloads atomic.Int32
	w, err := NewConfigWatcher(path, 20*time.Millisecond, func() error {
		reloads.Add(1)
		return nil
	}, discard())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Unrelated files in the directory are ignored.
	writeConfig(t, filepath.Join(dir, "other.yaml"), "x: 1\n")

	// Keep touching the file until the watcher is registered and fires.
	eventually(t, "reload", func() bool {
		writeConfig(t, path, "logging:\n  level: debug\n")
		time.Sleep(30 * time.Millisecond)
		return reloads.Load() > 0
	})
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger, closer, err := NewLogger(config.LoggingConfig{Format: "json"}, level, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Debug("hidden")
	level.Set(slog.LevelDebug)
	logger.Debug("shown", "k", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "winsync.log")
	logger, closer, err := NewLogger(config.LoggingConfig{Format: "text", File: path}, new(slog.LevelVar), nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Fatalf("unexpected log contents: %q", data)
	}
}
