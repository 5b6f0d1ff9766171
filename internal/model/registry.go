// Package model holds the entity graph (applications, windows, screens) and
// the registry that indexes it.
//
// Windows refer to their owning application by pid, never by pointer. The
// registry is mutated only by the event engine; every reader works on an
// immutable snapshot and never blocks.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/property"
)

type snapshot struct {
	windows    map[platform.WindowID]*Window
	apps       map[int]*Application
	appWindows map[int][]platform.WindowID
	screens    []*Screen
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		windows:    maps.Clone(s.windows),
		apps:       maps.Clone(s.apps),
		appWindows: maps.Clone(s.appWindows),
		screens:    s.screens,
	}
}

// Registry indexes every known window and application.
type Registry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[snapshot]
	system  *System
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry. system may be nil when no
// process-wide attributes are modeled.
func NewRegistry(system *System, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{system: system, logger: logger, metrics: m}
	r.snap.Store(&snapshot{
		windows:    map[platform.WindowID]*Window{},
		apps:       map[int]*Application{},
		appWindows: map[int][]platform.WindowID{},
	})
	return r
}

func (r *Registry) System() *System { return r.system }

// LookupWindow returns the window with the given handle.
func (r *Registry) LookupWindow(id platform.WindowID) (*Window, bool) {
	w, ok := r.snap.Load().windows[id]
	return w, ok
}

// LookupApplication returns the application with the given pid.
func (r *Registry) LookupApplication(pid int) (*Application, bool) {
	a, ok := r.snap.Load().apps[pid]
	return a, ok
}

// AllWindows returns every known window grouped by owner (ascending pid),
// each group in insertion order.
func (r *Registry) AllWindows() []*Window {
	s := r.snap.Load()
	out := make([]*Window, 0, len(s.windows))
	for _, pid := range slices.Sorted(maps.Keys(s.appWindows)) {
		for _, id := range s.appWindows[pid] {
			out = append(out, s.windows[id])
		}
	}
	return out
}

// WindowsOf returns the windows owned by pid in insertion order.
func (r *Registry) WindowsOf(pid int) []*Window {
	s := r.snap.Load()
	ids := s.appWindows[pid]
	out := make([]*Window, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.windows[id])
	}
	return out
}

// Applications returns every watched application by ascending pid.
func (r *Registry) Applications() []*Application {
	s := r.snap.Load()
	out := make([]*Application, 0, len(s.apps))
	for _, pid := range slices.Sorted(maps.Keys(s.apps)) {
		out = append(out, s.apps[pid])
	}
	return out
}

// Screens returns the current displays.
func (r *Registry) Screens() []*Screen {
	return slices.Clone(r.snap.Load().screens)
}

// LookupScreen returns the display with the given id.
func (r *Registry) LookupScreen(id platform.ScreenID) (*Screen, bool) {
	for _, s := range r.snap.Load().screens {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// ScreenOf returns the display a window overlaps most.
func (r *Registry) ScreenOf(w *Window) (*Screen, bool) {
	frame := w.Frame.Get()
	var best *Screen
	bestArea := 0
	for _, s := range r.snap.Load().screens {
		if a := frame.Intersect(s.Frame.Get()).Area(); a > bestArea {
			best, bestArea = s, a
		}
	}
	return best, best != nil
}

// Len returns the number of windows and applications.
func (r *Registry) Len() (windows, applications int) {
	s := r.snap.Load()
	return len(s.windows), len(s.apps)
}

// Cell resolves the property cell addressed by key.
func (r *Registry) Cell(key property.Key) (property.Cell, bool) {
	res := key.Resource
	switch res.Kind {
	case platform.ResourceWindow:
		if w, ok := r.LookupWindow(res.Window()); ok {
			return w.Cell(key.Attribute)
		}
	case platform.ResourceApplication:
		if a, ok := r.LookupApplication(res.PID()); ok {
			return a.Cell(key.Attribute)
		}
	case platform.ResourceScreen:
		if s, ok := r.LookupScreen(res.Screen()); ok {
			return s.Cell(key.Attribute)
		}
	case platform.ResourceSystem:
		if r.system != nil {
			return r.system.Cell(key.Attribute)
		}
	}
	return nil, false
}

// The methods below are the only way the graph changes. They are called by
// the event engine alone.

// AddApplication admits a watched application. It reports false if the pid
// is already known or app is no longer valid.
func (r *Registry) AddApplication(app *Application) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	if _, ok := s.apps[app.pid]; ok || !app.Valid() {
		return false
	}
	next := s.clone()
	next.apps[app.pid] = app
	next.appWindows[app.pid] = nil
	r.publishLocked(next)
	return true
}

// AddWindow admits an initializing window under its owner. Windows whose
// owner is unknown or that are already known are refused and logged.
func (r *Registry) AddWindow(w *Window) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	pid := w.Owner()
	if _, ok := s.apps[pid]; !ok {
		r.logger.Info("window refused: owner not watched", "window", w.id, "pid", pid)
		return false
	}
	if _, ok := s.windows[w.id]; ok {
		r.logger.Debug("window refused: already known", "window", w.id)
		return false
	}
	if !w.state.CompareAndSwap(int32(LifecycleInitializing), int32(LifecycleValid)) {
		r.logger.Debug("window refused: not initializing", "window", w.id, "state", w.State())
		return false
	}
	next := s.clone()
	next.windows[w.id] = w
	next.appWindows[pid] = append(slices.Clone(s.appWindows[pid]), w.id)
	r.publishLocked(next)
	return true
}

// RemoveWindow drops a window and invalidates it.
func (r *Registry) RemoveWindow(id platform.WindowID) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	w, ok := s.windows[id]
	if !ok {
		return nil, false
	}
	next := s.clone()
	delete(next.windows, id)
	pid := w.Owner()
	next.appWindows[pid] = without(s.appWindows[pid], id)
	w.invalidate()
	r.publishLocked(next)
	return w, true
}

// ReassignWindowOwner moves a window to another watched application.
func (r *Registry) ReassignWindowOwner(id platform.WindowID, pid int) (from int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	w, ok := s.windows[id]
	if !ok {
		return 0, false
	}
	if _, known := s.apps[pid]; !known {
		r.logger.Info("owner change refused: new owner not watched", "window", id, "pid", pid)
		return 0, false
	}
	from = w.Owner()
	if from == pid {
		return from, false
	}
	next := s.clone()
	next.appWindows[from] = without(s.appWindows[from], id)
	next.appWindows[pid] = append(slices.Clone(s.appWindows[pid]), id)
	w.owner.Store(int64(pid))
	r.publishLocked(next)
	return from, true
}

// InvalidateApplication removes an application and every window it owns.
// The removed windows are returned in insertion order.
func (r *Registry) InvalidateApplication(pid int) (*Application, []*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	app, ok := s.apps[pid]
	if !ok {
		return nil, nil, false
	}
	next := s.clone()
	var removed []*Window
	for _, id := range s.appWindows[pid] {
		w := s.windows[id]
		delete(next.windows, id)
		w.invalidate()
		removed = append(removed, w)
	}
	delete(next.apps, pid)
	delete(next.appWindows, pid)
	app.invalidate()
	r.publishLocked(next)
	return app, removed, true
}

// ReplaceScreens installs a new display list. Screens not in the new list
// are invalidated.
func (r *Registry) ReplaceScreens(screens []*Screen) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap.Load()
	keep := make(map[*Screen]bool, len(screens))
	for _, sc := range screens {
		keep[sc] = true
	}
	for _, old := range s.screens {
		if !keep[old] {
			old.invalidate()
		}
	}
	next := s.clone()
	next.screens = slices.Clone(screens)
	r.publishLocked(next)
}

func (r *Registry) publishLocked(next *snapshot) {
	r.snap.Store(next)
	r.metrics.RegistrySize(len(next.windows), len(next.apps))
}

// ErrInvariant is wrapped by every CheckInvariant failure.
var ErrInvariant = errors.New("registry invariant violated")

// CheckInvariant verifies that every registered window is valid and listed
// by exactly one application (its owner), and that every listed window is
// registered.
func (r *Registry) CheckInvariant() error {
	s := r.snap.Load()
	var errs []error
	seen := make(map[platform.WindowID]int, len(s.windows))
	for pid, ids := range s.appWindows {
		if _, ok := s.apps[pid]; !ok {
			errs = append(errs, fmt.Errorf("%w: window list for unknown application %d", ErrInvariant, pid))
		}
		for _, id := range ids {
			if prev, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("%w: window %d listed by %d and %d", ErrInvariant, id, prev, pid))
			}
			seen[id] = pid
			w, ok := s.windows[id]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: window %d listed by %d but not registered", ErrInvariant, id, pid))
				continue
			}
			if w.Owner() != pid {
				errs = append(errs, fmt.Errorf("%w: window %d listed by %d but owned by %d", ErrInvariant, id, pid, w.Owner()))
			}
		}
	}
	for id, w := range s.windows {
		if _, ok := seen[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: window %d registered but listed by no application", ErrInvariant, id))
		}
		if !w.Valid() {
			errs = append(errs, fmt.Errorf("%w: window %d registered while %s", ErrInvariant, id, w.State()))
		}
	}
	for pid, app := range s.apps {
		if !app.Valid() {
			errs = append(errs, fmt.Errorf("%w: application %d registered while %s", ErrInvariant, pid, app.State()))
		}
	}
	return errors.Join(errs...)
}

func without(ids []platform.WindowID, id platform.WindowID) []platform.WindowID {
	return slices.DeleteFunc(slices.Clone(ids), func(x platform.WindowID) bool { return x == id })
}
