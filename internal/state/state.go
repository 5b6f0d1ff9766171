// Package state is the entry point to the synchronized window model. It
// wires the property layer, registry, event engine and write coordinator
// around one adapter.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1broseidon/winsync/internal/engine"
	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/property"
	"github.com/1broseidon/winsync/internal/writer"
)

var (
	// ErrUnknownWindow is returned for operations on a handle the model
	// does not hold.
	ErrUnknownWindow = errors.New("unknown window")
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("state closed")
)

// Timeouts are the runtime-adjustable bounds. Zero fields are left
// unchanged by SetTimeouts.
type Timeouts struct {
	Write         time.Duration
	MarkerExpiry  time.Duration
	ReorderWindow time.Duration
	TombstoneTTL  time.Duration
}

// Options configures Initialize. Zero values select the component
// defaults.
type Options struct {
	ReadTimeout      time.Duration
	SubscribeTimeout time.Duration
	Timeouts         Timeouts

	MaxInFlight     int64
	RatePerResource float64
	Burst           int

	VerifyInvariants bool
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// State is one synchronized view of the adapter's windows, applications
// and screens.
type State struct {
	id      uuid.UUID
	started time.Time
	logger  *slog.Logger

	adapter platform.Adapter
	markers *property.Markers
	writer  *writer.Coordinator
	reg     *model.Registry
	bus     *events.Bus
	engine  *engine.Engine

	closeOnce sync.Once
	closed    chan struct{}
}

// Initialize enumerates the adapter's current state and starts tracking
// it. No event is emitted for what exists at startup; subscribers see only
// changes that happen after Initialize returns.
func Initialize(ctx context.Context, adapter platform.Adapter, opts Options) (*State, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.New()
	logger := opts.Logger.With("session", id.String())

	markers := property.NewMarkers(opts.Timeouts.MarkerExpiry, opts.Metrics)
	w := writer.New(adapter, writer.Options{
		Timeout:         opts.Timeouts.Write,
		MaxInFlight:     opts.MaxInFlight,
		RatePerResource: opts.RatePerResource,
		Burst:           opts.Burst,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
	env := &property.Env{
		Reader:      adapter,
		Writer:      w,
		Markers:     markers,
		ReadTimeout: opts.ReadTimeout,
		Metrics:     opts.Metrics,
	}
	reg := model.NewRegistry(model.NewSystem(env, 0), logger, opts.Metrics)
	bus := events.NewBus(logger, opts.Metrics)
	eng := engine.New(adapter, reg, bus, env, engine.Options{
		ReadTimeout:      opts.ReadTimeout,
		SubscribeTimeout: opts.SubscribeTimeout,
		ReorderWindow:    opts.Timeouts.ReorderWindow,
		TombstoneTTL:     opts.Timeouts.TombstoneTTL,
		VerifyInvariants: opts.VerifyInvariants,
		Logger:           logger,
		Metrics:          opts.Metrics,
	})

	s := &State{
		id:      id,
		started: time.Now(),
		logger:  logger,
		adapter: adapter,
		markers: markers,
		writer:  w,
		reg:     reg,
		bus:     bus,
		engine:  eng,
		closed:  make(chan struct{}),
	}
	if err := eng.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	windows, apps := reg.Len()
	logger.Info("state initialized", "windows", windows, "applications", apps, "screens", len(reg.Screens()))
	return s, nil
}

// ID identifies this session in logs and status output.
func (s *State) ID() string { return s.id.String() }

// StartedAt returns when Initialize was called.
func (s *State) StartedAt() time.Time { return s.started }

// Registry exposes the underlying model for read access.
func (s *State) Registry() *model.Registry { return s.reg }

// Windows returns every window, grouped by application.
func (s *State) Windows() []*model.Window { return s.reg.AllWindows() }

// Applications returns the watched applications by pid.
func (s *State) Applications() []*model.Application { return s.reg.Applications() }

// Screens returns the displays in adapter order.
func (s *State) Screens() []*model.Screen { return s.reg.Screens() }

// Window looks up one window.
func (s *State) Window(id platform.WindowID) (*model.Window, bool) { return s.reg.LookupWindow(id) }

// Application looks up one application.
func (s *State) Application(pid int) (*model.Application, bool) { return s.reg.LookupApplication(pid) }

// ScreenOf returns the screen showing most of w.
func (s *State) ScreenOf(w *model.Window) (*model.Screen, bool) { return s.reg.ScreenOf(w) }

// FrontmostApplication returns the application that currently has focus,
// if it is watched.
func (s *State) FrontmostApplication() (*model.Application, bool) {
	pid := s.reg.System().FrontmostApplication.Get()
	if pid == 0 {
		return nil, false
	}
	return s.reg.LookupApplication(pid)
}

// SetFrame moves and resizes a window.
func (s *State) SetFrame(id platform.WindowID, frame platform.Rect) *future.Future[struct{}] {
	w, ok := s.reg.LookupWindow(id)
	if !ok {
		return future.Failed[struct{}](fmt.Errorf("%w: %d", ErrUnknownWindow, id))
	}
	return w.Frame.Set(frame)
}

// Focus activates a window through its owning application.
func (s *State) Focus(id platform.WindowID) *future.Future[struct{}] {
	w, ok := s.reg.LookupWindow(id)
	if !ok {
		return future.Failed[struct{}](fmt.Errorf("%w: %d", ErrUnknownWindow, id))
	}
	app, ok := s.reg.LookupApplication(w.Owner())
	if !ok {
		return future.Failed[struct{}](fmt.Errorf("%w: %d", ErrUnknownWindow, id))
	}
	return app.FocusedWindow.Set(id)
}

// SetTimeouts applies new runtime bounds. Writes, markers and tombstones
// already in flight keep the bound they started with.
func (s *State) SetTimeouts(t Timeouts) {
	if t.Write > 0 {
		s.writer.SetTimeout(t.Write)
	}
	if t.MarkerExpiry > 0 {
		s.markers.SetTTL(t.MarkerExpiry)
	}
	if t.ReorderWindow > 0 {
		s.engine.SetReorderWindow(t.ReorderWindow)
	}
	if t.TombstoneTTL > 0 {
		s.engine.SetTombstoneTTL(t.TombstoneTTL)
	}
	s.logger.Info("timeouts updated",
		"write", t.Write,
		"marker_expiry", t.MarkerExpiry,
		"reorder_window", t.ReorderWindow,
		"tombstone_ttl", t.TombstoneTTL)
}

// Inject feeds a notification through the engine as if the adapter had
// delivered it. See engine.Engine.Inject.
func (s *State) Inject(ctx context.Context, pid int, n platform.RawNotification) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.engine.Inject(ctx, pid, n)
}

// Stats summarizes the session for status output.
type Stats struct {
	Session       string
	StartedAt     time.Time
	Windows       int
	Applications  int
	Screens       int
	Received      uint64
	Handled       uint64
	PendingWrites int
}

func (s *State) Stats() Stats {
	windows, apps := s.reg.Len()
	return Stats{
		Session:       s.ID(),
		StartedAt:     s.started,
		Windows:       windows,
		Applications:  apps,
		Screens:       len(s.reg.Screens()),
		Received:      s.engine.Received(),
		Handled:       s.engine.Handled(),
		PendingWrites: s.writer.Pending(),
	}
}

// Violations returns registry invariant violations recorded so far. Empty
// unless Options.VerifyInvariants is set.
func (s *State) Violations() []error { return s.engine.Violations() }

// Close stops tracking. Pending writes fail, queued events are still
// delivered.
func (s *State) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.engine.Stop()
		s.writer.Close()
		s.bus.Close()
		s.logger.Info("state closed")
	})
}
