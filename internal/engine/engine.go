// Package engine turns the adapter's unordered, duplicated and incomplete
// raw notifications into a consistent stream of normalized events.
//
// All adapter I/O happens on watcher goroutines (one per application plus a
// global one). Watchers reorder, backfill and resolve notifications, then
// hand prepared batches to a single actor goroutine, which is the only code
// that mutates the registry or emits events. The actor never waits on the
// adapter, so an unresponsive application only stalls its own watcher.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/property"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("engine stopped")

const (
	DefaultReadTimeout      = time.Second
	DefaultSubscribeTimeout = 2 * time.Second
	DefaultReorderWindow    = 50 * time.Millisecond
	DefaultTombstoneTTL     = 30 * time.Second
)

// Options configures an Engine. Zero durations select the defaults.
type Options struct {
	ReadTimeout      time.Duration
	SubscribeTimeout time.Duration
	ReorderWindow    time.Duration
	TombstoneTTL     time.Duration
	// VerifyInvariants checks the registry invariant after every batch and
	// records violations (see Violations).
	VerifyInvariants bool
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Engine is the event normalization engine.
type Engine struct {
	adapter platform.Adapter
	reg     *model.Registry
	bus     *events.Bus
	env     *property.Env
	markers *property.Markers
	logger  *slog.Logger
	metrics *metrics.Metrics

	readTimeout      time.Duration
	subscribeTimeout time.Duration
	reorderWindow    atomic.Int64
	verify           bool

	handles *handleTable

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan func()
	stopped chan struct{}
	stopMu  sync.RWMutex
	closed  bool
	actorWG sync.WaitGroup
	watchWG sync.WaitGroup
	started atomic.Bool

	// lifeMu orders Inject's watchWG.Add against Stop's Wait.
	lifeMu   sync.Mutex
	stopping bool

	handled  atomic.Uint64
	received atomic.Uint64

	violationsMu sync.Mutex
	violations   []error

	// Actor-owned state.
	seq      uint64
	resSeq   map[platform.Resource]uint64
	out      []events.Event
	watchers map[int]*appWatcher
	// parkedFrontmost is a frontmost pid whose launch had not been
	// installed yet when the notification was applied.
	parkedFrontmost int
}

// New creates an engine over reg. env must be the property environment the
// registry's entities are built with; its Sink is set to the engine.
func New(adapter platform.Adapter, reg *model.Registry, bus *events.Bus, env *property.Env, opts Options) *Engine {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.ReorderWindow < 0 {
		opts.ReorderWindow = 0
	} else if opts.ReorderWindow == 0 {
		opts.ReorderWindow = DefaultReorderWindow
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		adapter:          adapter,
		reg:              reg,
		bus:              bus,
		env:              env,
		markers:          env.Markers,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		readTimeout:      opts.ReadTimeout,
		subscribeTimeout: opts.SubscribeTimeout,
		verify:           opts.VerifyInvariants,
		handles:          newHandleTable(opts.TombstoneTTL),
		ctx:              ctx,
		cancel:           cancel,
		inbox:            make(chan func(), 256),
		stopped:          make(chan struct{}),
		resSeq:           make(map[platform.Resource]uint64),
		watchers:         make(map[int]*appWatcher),
	}
	e.reorderWindow.Store(int64(opts.ReorderWindow))
	env.Sink = e

	e.actorWG.Add(1)
	go e.run()
	return e
}

// SetReorderWindow changes how long a sequence gap is held open.
func (e *Engine) SetReorderWindow(d time.Duration) {
	if d >= 0 {
		e.reorderWindow.Store(int64(d))
	}
}

// SetTombstoneTTL changes how long destroyed handles are remembered.
func (e *Engine) SetTombstoneTTL(d time.Duration) {
	e.handles.setTTL(d)
}

func (e *Engine) window() time.Duration {
	return time.Duration(e.reorderWindow.Load())
}

// Start enumerates the current applications, windows and screens, installs
// them without emitting events, and only then starts processing live
// notifications.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	b, err := e.enumerate(ctx)
	if err != nil {
		return err
	}
	done := future.New[struct{}]()
	if !e.do(func() {
		e.installBaseline(b)
		done.Resolve(struct{}{}, nil)
	}) {
		return ErrStopped
	}
	if _, err := done.Await(ctx); err != nil {
		return err
	}

	for _, w := range b.watchers {
		e.watchWG.Add(1)
		go w.consume()
	}
	if b.global != nil {
		e.watchWG.Add(1)
		go e.consumeGlobal(b.global)
	}
	e.logger.Info("engine started",
		"applications", len(b.apps),
		"screens", len(b.screens),
		"global_stream", b.global != nil)
	return nil
}

// Stop ends every watcher, then the actor. Work submitted afterwards fails
// with ErrStopped.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	e.stopping = true
	e.lifeMu.Unlock()
	e.cancel()
	e.watchWG.Wait()
	e.stopMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.stopped)
	}
	e.stopMu.Unlock()
	e.actorWG.Wait()
}

// Inject processes n as if the adapter had delivered it, on the caller's
// goroutine, and returns once it has been applied. pid names the
// application n concerns for window notifications; it is 0 for system
// notifications. Used to feed drift found by reconciliation through the
// same path as live notifications.
func (e *Engine) Inject(ctx context.Context, pid int, n platform.RawNotification) error {
	e.lifeMu.Lock()
	if e.stopping {
		e.lifeMu.Unlock()
		return ErrStopped
	}
	e.watchWG.Add(1)
	e.lifeMu.Unlock()
	defer e.watchWG.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.received.Add(1)
	e.metrics.NotificationReceived(n.Kind.String())
	defer e.handled.Add(1)
	if steps := e.prepare(ctx, pid, n); len(steps) > 0 {
		return e.submit(steps)
	}
	return nil
}

// Handled returns how many raw notifications have been fully processed,
// whether they produced events or were dropped.
func (e *Engine) Handled() uint64 { return e.handled.Load() }

// Received returns how many raw notifications have arrived.
func (e *Engine) Received() uint64 { return e.received.Load() }

// Violations returns registry invariant violations seen so far. Only
// populated with Options.VerifyInvariants.
func (e *Engine) Violations() []error {
	e.violationsMu.Lock()
	defer e.violationsMu.Unlock()
	return append([]error(nil), e.violations...)
}

// Observe implements property.Sink. Values read or written through a
// Property are applied by the actor, in order with notifications.
func (e *Engine) Observe(c property.Cell, v any, cause property.Cause) *future.Future[struct{}] {
	f := future.New[struct{}]()
	if !e.do(func() {
		err := e.applyValue(c, c.Key(), v, cause)
		if errors.Is(err, errDuplicate) || errors.Is(err, errDanglingReference) || errors.Is(err, errParked) {
			err = nil
		}
		e.flush()
		f.Resolve(struct{}{}, err)
	}) {
		f.Resolve(struct{}{}, ErrStopped)
	}
	return f
}

// do runs fn on the actor. It reports false once the engine has stopped.
// Every accepted fn runs, even if Stop is called right after.
func (e *Engine) do(fn func()) bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.closed {
		return false
	}
	e.inbox <- fn
	return true
}

// submit applies a prepared batch on the actor and waits for it.
func (e *Engine) submit(steps []step) error {
	done := make(chan struct{})
	if !e.do(func() {
		e.applySteps(steps)
		e.flush()
		close(done)
	}) {
		return ErrStopped
	}
	<-done
	return nil
}

func (e *Engine) run() {
	defer e.actorWG.Done()
	for {
		select {
		case fn := <-e.inbox:
			e.safely(fn)
		case <-e.stopped:
			for {
				select {
				case fn := <-e.inbox:
					e.safely(fn)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: recovered from panic", "panic", r)
			e.out = e.out[:0]
		}
	}()
	fn()
}

// flush publishes the events collected by the current actor task as one
// uninterrupted run and verifies the registry if asked to.
func (e *Engine) flush() {
	if e.verify {
		if err := e.reg.CheckInvariant(); err != nil {
			e.logger.Error("registry invariant violated", "error", err)
			e.violationsMu.Lock()
			e.violations = append(e.violations, err)
			e.violationsMu.Unlock()
		}
	}
	if len(e.out) == 0 {
		return
	}
	e.bus.Publish(e.out...)
	e.out = e.out[:0]
}

// emit stamps ev with its global and per-resource sequence numbers and
// queues it for the current flush.
func (e *Engine) emit(ev events.Event) {
	e.seq++
	ev.Seq = e.seq
	e.resSeq[ev.Resource]++
	ev.ResourceSeq = e.resSeq[ev.Resource]
	e.out = append(e.out, ev)
	e.metrics.EventEmitted(ev.Kind.String(), ev.Origin.String())
}

func (e *Engine) drop(reason string, n platform.RawNotification, attrs ...any) {
	e.metrics.NotificationDropped(reason)
	if e.logger.Enabled(context.Background(), slog.LevelDebug) {
		args := append([]any{"reason", reason, "resource", n.Resource, "kind", n.Kind, "attribute", n.Attribute}, attrs...)
		e.logger.Debug("notification dropped", args...)
	}
}

// handleTable remembers window handles that must not be (re)admitted and
// pids whose termination has been processed. Written by the actor, read by
// watchers.
type handleTable struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	ignored   map[platform.WindowID]time.Time
	destroyed map[platform.WindowID]time.Time
	dead      map[int]time.Time
}

func newHandleTable(ttl time.Duration) *handleTable {
	return &handleTable{
		ttl:       ttl,
		now:       time.Now,
		ignored:   make(map[platform.WindowID]time.Time),
		destroyed: make(map[platform.WindowID]time.Time),
		dead:      make(map[int]time.Time),
	}
}

func (h *handleTable) setTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.ttl = d
	h.mu.Unlock()
}

func (h *handleTable) interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttl
}

type handleState uint8

const (
	handleFresh handleState = iota
	handleIgnored
	handleDestroyed
)

func (h *handleTable) window(id platform.WindowID) handleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if t, ok := h.destroyed[id]; ok {
		if now.Sub(t) < h.ttl {
			return handleDestroyed
		}
		delete(h.destroyed, id)
	}
	if t, ok := h.ignored[id]; ok {
		if now.Sub(t) < h.ttl {
			return handleIgnored
		}
		delete(h.ignored, id)
	}
	return handleFresh
}

func (h *handleTable) ignore(id platform.WindowID) {
	h.mu.Lock()
	h.ignored[id] = h.now()
	h.mu.Unlock()
}

func (h *handleTable) destroy(id platform.WindowID) {
	h.mu.Lock()
	h.destroyed[id] = h.now()
	h.mu.Unlock()
}

// readmit clears any record for id, for a handle the adapter reports as
// newly created.
func (h *handleTable) readmit(id platform.WindowID) {
	h.mu.Lock()
	delete(h.destroyed, id)
	delete(h.ignored, id)
	h.mu.Unlock()
}

func (h *handleTable) terminate(pid int) {
	h.mu.Lock()
	h.dead[pid] = h.now()
	h.mu.Unlock()
}

func (h *handleTable) terminated(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.dead[pid]
	if !ok {
		return false
	}
	if h.now().Sub(t) >= h.ttl {
		delete(h.dead, pid)
		return false
	}
	return true
}

// prune drops expired records.
func (h *handleTable) prune() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for id, t := range h.destroyed {
		if now.Sub(t) >= h.ttl {
			delete(h.destroyed, id)
		}
	}
	for id, t := range h.ignored {
		if now.Sub(t) >= h.ttl {
			delete(h.ignored, id)
		}
	}
	for pid, t := range h.dead {
		if now.Sub(t) >= h.ttl {
			delete(h.dead, pid)
		}
	}
}
