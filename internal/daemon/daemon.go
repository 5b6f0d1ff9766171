// Package daemon runs the long-lived synchronization process: the X11
// adapter, the synchronized state, and the surfaces that expose it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1broseidon/winsync/internal/config"
	"github.com/1broseidon/winsync/internal/ipc"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/runtimepath"
	"github.com/1broseidon/winsync/internal/state"
	"github.com/1broseidon/winsync/internal/x11"
)

// Options configures Run.
type Options struct {
	// ConfigPath overrides the default configuration file.
	ConfigPath string
	// Stderr receives logs when no log file is configured.
	Stderr io.Writer
}

// ErrAlreadyRunning is returned when another daemon answers on the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// shutdownGrace bounds how long the metrics endpoint may take to drain.
const shutdownGrace = 5 * time.Second

// Run starts the daemon and blocks until ctx is cancelled or SIGINT or
// SIGTERM arrives. SIGHUP and changes to the config file reload it.
func Run(ctx context.Context, opts Options) error {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	path := opts.ConfigPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	res, err := config.LoadFromPath(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := res.Config

	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	logger, logCloser, err := NewLogger(cfg.Logging, level, opts.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger.Info("configuration loaded", "path", path, "files", len(res.Files))

	if cfg.IPC.Enabled && ipc.NewClient().Ping() == nil {
		return ErrAlreadyRunning
	}
	pidPath, err := writePIDFile()
	if err != nil {
		logger.Warn("failed to write pid file", "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := x11.NewConnection()
	if err != nil {
		return fmt.Errorf("failed to connect to display: %w", err)
	}
	defer conn.Close()

	adapter, err := x11.NewAdapter(conn, logger.With("component", "x11"))
	if err != nil {
		return fmt.Errorf("failed to initialize X11 adapter: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		adapter.Run(runCtx)
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		reg, mm, err := metrics.NewRegistry()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		m = mm
		srv := metrics.NewServer(cfg.Metrics.Listen, reg, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			srv.Stop(sctx)
		}()
	}

	st, err := state.Initialize(ctx, adapter, StateOptions(cfg, logger, m))
	if err != nil {
		return fmt.Errorf("failed to initialize state: %w", err)
	}
	defer st.Close()
	logger.Info("state initialized",
		"session", st.ID(),
		"windows", len(st.Windows()),
		"applications", len(st.Applications()),
		"screens", len(st.Screens()))

	rl := &reloader{path: path, level: level, target: st, logger: logger}

	if cfg.IPC.Enabled {
		srv, err := ipc.NewServer(st, rl.reload, logger)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Reconcile.Interval > 0 {
		rec := NewReconciler(ReconcilerConfig{
			Interval:    cfg.Reconcile.Interval,
			ReadTimeout: cfg.Timeouts.Read,
			Logger:      logger,
		}, adapter, st)
		g.Go(func() error {
			rec.Run(gctx)
			return nil
		})
	}

	if watcher, err := NewConfigWatcher(path, 0, rl.reload, logger); err != nil {
		logger.Warn("config watching disabled", "error", err)
	} else {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("config watching disabled", "error", err)
			}
			return nil
		})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("received SIGHUP, reloading config")
				if err := rl.reload(); err != nil {
					logger.Warn("config reload failed", "error", err)
				}
			}
		}
	})

	logger.Info("winsync daemon started")
	<-ctx.Done()
	logger.Info("shutting down winsync daemon")
	cancel()
	return g.Wait()
}

// StateOptions maps the configuration onto state.Initialize.
func StateOptions(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) state.Options {
	return state.Options{
		ReadTimeout:      cfg.Timeouts.Read,
		SubscribeTimeout: cfg.Timeouts.Subscribe,
		Timeouts:         timeoutsOf(cfg),
		MaxInFlight:      int64(cfg.Writes.MaxInFlight),
		RatePerResource:  cfg.Writes.RatePerResource,
		Burst:            cfg.Writes.Burst,
		Logger:           logger,
		Metrics:          m,
	}
}

func timeoutsOf(cfg *config.Config) state.Timeouts {
	return state.Timeouts{
		Write:         cfg.Timeouts.Write,
		MarkerExpiry:  cfg.Timeouts.MarkerExpiry,
		ReorderWindow: cfg.Timeouts.ReorderWindow,
		TombstoneTTL:  cfg.Events.TombstoneTTL,
	}
}

// timeoutSetter is the part of *state.State a reload touches.
type timeoutSetter interface {
	SetTimeouts(state.Timeouts)
}

// reloader applies the hot-reloadable subset of the configuration: the
// timeouts and the log level. Everything else needs a restart.
type reloader struct {
	path   string
	level  *slog.LevelVar
	target timeoutSetter
	logger *slog.Logger

	mu sync.Mutex
}

func (r *reloader) reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := config.LoadFromPath(r.path)
	if err != nil {
		return err
	}
	cfg := res.Config
	r.target.SetTimeouts(timeoutsOf(cfg))
	r.level.Set(cfg.SlogLevel())
	r.logger.Info("configuration reloaded", "path", r.path, "level", cfg.Logging.Level)
	return nil
}

func writePIDFile() (string, error) {
	path, err := runtimepath.PIDPath()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		return "", err
	}
	return path, nil
}
