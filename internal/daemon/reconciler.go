package daemon

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
)

// Injector feeds notifications through the normalization engine.
// *state.State implements it.
type Injector interface {
	Registry() *model.Registry
	Inject(ctx context.Context, pid int, n platform.RawNotification) error
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Interval    time.Duration
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Reconciler periodically compares the adapter's enumeration with the
// registry. Differences are injected as raw notifications, so repairs go
// through the same ordering and synthesis rules as live changes.
type Reconciler struct {
	interval    time.Duration
	readTimeout time.Duration
	adapter     platform.Adapter
	target      Injector
	logger      *slog.Logger

	mu sync.Mutex
	// launched holds pids a launch was already injected for. An
	// application that cannot be watched stays absent from the registry;
	// it is retried only after it disappears from the enumeration.
	launched map[int]bool
}

// Drift counts the corrections one pass injected.
type Drift struct {
	Launched   int
	Terminated int
	Created    int
	Destroyed  int
	Frontmost  bool
}

func (d Drift) Empty() bool { return d == Drift{} }

// NewReconciler creates a new reconciler with the given configuration.
func NewReconciler(cfg ReconcilerConfig, adapter platform.Adapter, target Injector) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		interval:    interval,
		readTimeout: readTimeout,
		adapter:     adapter,
		target:      target,
		logger:      logger.With("component", "reconciler"),
		launched:    make(map[int]bool),
	}
}

// Run starts the reconciliation loop. Blocks until context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// ReconcileNow runs one pass and reports what it corrected.
func (r *Reconciler) ReconcileNow(ctx context.Context) (Drift, error) {
	return r.pass(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context) {
	// Recover from panics to prevent crashing the daemon
	defer func() {
		if err := recover(); err != nil {
			r.logger.Error("reconciler panic recovered", "error", err)
		}
	}()

	drift, err := r.pass(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("reconcile pass failed", "error", err)
		}
		return
	}
	if !drift.Empty() {
		r.logger.Info("drift corrected",
			"launched", drift.Launched,
			"terminated", drift.Terminated,
			"created", drift.Created,
			"destroyed", drift.Destroyed,
			"frontmost", drift.Frontmost)
	}
}

func (r *Reconciler) read(ctx context.Context, res platform.Resource, attr platform.Attribute) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()
	return r.adapter.ReadAttribute(ctx, res, attr)
}

func (r *Reconciler) pass(ctx context.Context) (Drift, error) {
	var drift Drift
	reg := r.target.Registry()

	// Only entries that predate the adapter reads can be judged gone;
	// anything newer may have appeared after the read.
	knownApps := make(map[int]bool)
	for _, app := range reg.Applications() {
		knownApps[app.PID()] = true
	}
	knownWindows := make(map[platform.WindowID]bool)
	for _, w := range reg.AllWindows() {
		knownWindows[w.ID()] = true
	}

	v, err := r.read(ctx, platform.System, platform.AttrApplications)
	if err != nil {
		return drift, err
	}
	pids, _ := v.([]int)

	// Windows per running application, read concurrently.
	var mu sync.Mutex
	actual := make(map[int][]platform.WindowID, len(pids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, pid := range pids {
		g.Go(func() error {
			v, err := r.read(gctx, platform.ApplicationResource(pid), platform.AttrWindows)
			if err != nil {
				// A vanished or unreadable application is reported by its
				// absence next pass.
				return nil
			}
			ids, _ := v.([]platform.WindowID)
			mu.Lock()
			actual[pid] = ids
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return drift, err
	}

	inject := func(pid int, n platform.RawNotification) error {
		return r.target.Inject(ctx, pid, n)
	}

	r.mu.Lock()
	for pid := range r.launched {
		if !slices.Contains(pids, pid) {
			delete(r.launched, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if _, ok := reg.LookupApplication(pid); ok {
			continue
		}
		r.mu.Lock()
		seen := r.launched[pid]
		r.launched[pid] = true
		r.mu.Unlock()
		if seen {
			continue
		}
		if err := inject(0, platform.RawNotification{
			Resource: platform.ApplicationResource(pid),
			Kind:     platform.NotifyApplicationLaunched,
		}); err != nil {
			return drift, err
		}
		drift.Launched++
	}

	for _, app := range reg.Applications() {
		pid := app.PID()
		if !knownApps[pid] || slices.Contains(pids, pid) {
			continue
		}
		if err := inject(0, platform.RawNotification{
			Resource: platform.ApplicationResource(pid),
			Kind:     platform.NotifyApplicationTerminated,
		}); err != nil {
			return drift, err
		}
		drift.Terminated++
	}

	for pid, ids := range actual {
		if _, ok := reg.LookupApplication(pid); !ok {
			continue
		}
		for _, id := range ids {
			if _, ok := reg.LookupWindow(id); ok {
				continue
			}
			if err := inject(pid, platform.RawNotification{
				Resource: platform.WindowResource(id),
				Kind:     platform.NotifyWindowCreated,
			}); err != nil {
				return drift, err
			}
			drift.Created++
		}
		for _, w := range reg.WindowsOf(pid) {
			if !knownWindows[w.ID()] || slices.Contains(ids, w.ID()) {
				continue
			}
			if err := inject(pid, platform.RawNotification{
				Resource: platform.WindowResource(w.ID()),
				Kind:     platform.NotifyWindowDestroyed,
			}); err != nil {
				return drift, err
			}
			drift.Destroyed++
		}
	}

	if v, err := r.read(ctx, platform.System, platform.AttrFrontmostApplication); err == nil {
		pid, _ := v.(int)
		if _, watched := reg.LookupApplication(pid); !watched {
			pid = 0
		}
		if pid != reg.System().FrontmostApplication.Get() {
			if err := inject(0, platform.RawNotification{
				Resource:  platform.System,
				Kind:      platform.NotifyAttributeChanged,
				Attribute: platform.AttrFrontmostApplication,
				Value:     pid,
				HasValue:  true,
			}); err != nil {
				return drift, err
			}
			drift.Frontmost = true
		}
	}
	return drift, nil
}
