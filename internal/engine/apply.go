package engine

import (
	"errors"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/property"
)

type stepKind uint8

const (
	stepCreateWindow stepKind = iota + 1
	stepIgnoreWindow
	stepDestroyWindow
	stepAttribute
	stepTerminate
	stepScreens
)

// step is one actor-side mutation prepared by a watcher. All adapter reads
// it depends on have already been done.
type step struct {
	kind stepKind
	raw  platform.RawNotification

	pid    int
	window platform.WindowID
	// readmit lets a created notification clear an earlier destroyed or
	// ignored record for the same handle.
	readmit     bool
	synthesized bool
	attrs       model.WindowAttributes

	value   any
	screens []preparedScreen
}

type preparedScreen struct {
	id    platform.ScreenID
	attrs model.ScreenAttributes
}

type preparedWindow struct {
	id    platform.WindowID
	attrs model.WindowAttributes
}

type preparedApp struct {
	pid     int
	attrs   model.ApplicationAttributes
	windows []preparedWindow
}

func (e *Engine) applySteps(steps []step) {
	for _, s := range steps {
		switch s.kind {
		case stepCreateWindow:
			e.createWindow(s)
		case stepIgnoreWindow:
			e.handles.ignore(s.window)
			e.logger.Info("window not watchable, ignoring", "window", s.window, "pid", s.pid)
		case stepDestroyWindow:
			e.destroyWindow(s.window, s.raw)
		case stepAttribute:
			e.applyNotification(s.raw, s.value)
		case stepTerminate:
			e.terminate(s.pid)
		case stepScreens:
			e.replaceScreens(s.screens)
		}
	}
}

func (e *Engine) createWindow(s step) {
	if s.readmit {
		e.handles.readmit(s.window)
	}
	switch e.handles.window(s.window) {
	case handleDestroyed:
		e.drop(metrics.DropTombstoned, s.raw, "window", s.window)
		return
	case handleIgnored:
		e.drop(metrics.DropIgnored, s.raw, "window", s.window)
		return
	}
	if w, ok := e.reg.LookupWindow(s.window); ok {
		if w.Owner() != s.pid {
			e.reassign(s.window, s.pid)
			return
		}
		if s.raw.Kind == platform.NotifyWindowCreated {
			e.drop(metrics.DropDuplicate, s.raw, "window", s.window)
		}
		return
	}
	app, ok := e.reg.LookupApplication(s.pid)
	if !ok || !app.Valid() {
		e.drop(metrics.DropUnknownApp, s.raw, "window", s.window, "pid", s.pid)
		return
	}
	w := model.NewWindow(e.env, s.window, s.pid, s.attrs)
	if !e.reg.AddWindow(w) {
		return
	}
	if s.synthesized {
		e.metrics.WindowSynthesized()
		e.logger.Debug("window created ahead of referencing notification", "window", s.window, "pid", s.pid, "trigger", s.raw.Kind)
	}
	e.emit(events.Event{
		Kind:     events.WindowCreated,
		Resource: platform.WindowResource(s.window),
		Window:   s.window,
		PID:      s.pid,
		New:      s.attrs,
	})
}

func (e *Engine) reassign(id platform.WindowID, pid int) {
	from, ok := e.reg.ReassignWindowOwner(id, pid)
	if !ok {
		return
	}
	e.emit(events.Event{
		Kind:     events.WindowOwnerChanged,
		Resource: platform.WindowResource(id),
		Window:   id,
		PID:      pid,
		Old:      from,
		New:      pid,
	})
}

func (e *Engine) destroyWindow(id platform.WindowID, raw platform.RawNotification) {
	w, ok := e.reg.RemoveWindow(id)
	e.handles.destroy(id)
	if !ok {
		e.drop(metrics.DropUnknownWindow, raw, "window", id)
		return
	}
	e.emitDestroyed(w)
}

func (e *Engine) emitDestroyed(w *model.Window) {
	res := platform.WindowResource(w.ID())
	e.markers.Drop(func(k property.Key) bool { return k.Resource == res })
	e.emit(events.Event{
		Kind:     events.WindowDestroyed,
		Resource: res,
		Window:   w.ID(),
		PID:      w.Owner(),
		Old:      w.Attributes(),
	})
	delete(e.resSeq, res)
}

// terminate cascades an application's termination: every owned window is
// destroyed before the application itself.
func (e *Engine) terminate(pid int) {
	e.handles.terminate(pid)
	if w, ok := e.watchers[pid]; ok {
		w.cancel()
		delete(e.watchers, pid)
	}
	app, windows, ok := e.reg.InvalidateApplication(pid)
	if !ok {
		e.logger.Debug("termination of unwatched application", "pid", pid)
		return
	}
	for _, w := range windows {
		e.handles.destroy(w.ID())
		e.emitDestroyed(w)
	}
	res := platform.ApplicationResource(pid)
	e.markers.Drop(func(k property.Key) bool { return k.Resource == res })
	e.emit(events.Event{
		Kind:     events.ApplicationTerminated,
		Resource: res,
		PID:      pid,
		Old:      app.Name.Get(),
	})
	delete(e.resSeq, res)
	e.logger.Info("application terminated", "pid", pid, "windows", len(windows))
}

// install admits a prepared application and its windows. It is used both
// for the baseline (silent) and for live launches.
func (e *Engine) install(p preparedApp, w *appWatcher, silent bool) bool {
	if cur, ok := e.watchers[p.pid]; ok && cur != w {
		return false
	}
	if e.handles.terminated(p.pid) {
		e.logger.Debug("discarding launch of terminated application", "pid", p.pid)
		return false
	}
	if _, ok := e.reg.LookupApplication(p.pid); ok {
		return false
	}

	known := make(map[platform.WindowID]bool, len(p.windows))
	for _, pw := range p.windows {
		known[pw.id] = true
	}
	attrs := p.attrs
	if attrs.MainWindow != 0 && !known[attrs.MainWindow] {
		attrs.MainWindow = 0
	}
	if attrs.FocusedWindow != 0 && !known[attrs.FocusedWindow] {
		attrs.FocusedWindow = 0
	}

	app := model.NewApplication(e.env, p.pid, attrs)
	if !e.reg.AddApplication(app) {
		return false
	}
	e.watchers[p.pid] = w
	res := platform.ApplicationResource(p.pid)
	if !silent {
		e.emit(events.Event{
			Kind:     events.ApplicationLaunched,
			Resource: res,
			PID:      p.pid,
			New:      attrs,
		})
	}
	for _, pw := range p.windows {
		if e.handles.window(pw.id) != handleFresh {
			continue
		}
		if _, exists := e.reg.LookupWindow(pw.id); exists {
			continue
		}
		win := model.NewWindow(e.env, pw.id, p.pid, pw.attrs)
		if !e.reg.AddWindow(win) || silent {
			continue
		}
		e.emit(events.Event{
			Kind:     events.WindowCreated,
			Resource: platform.WindowResource(pw.id),
			Window:   pw.id,
			PID:      p.pid,
			New:      pw.attrs,
		})
	}
	e.settleFrontmost(p.pid, true)
	return true
}

// settleFrontmost applies a frontmost value that named pid while its launch
// was in flight. A launch that failed reports no frontmost application.
func (e *Engine) settleFrontmost(pid int, installed bool) {
	if pid == 0 || e.parkedFrontmost != pid {
		return
	}
	e.parkedFrontmost = 0
	key := property.Key{Resource: platform.System, Attribute: platform.AttrFrontmostApplication}
	cell, ok := e.reg.Cell(key)
	if !ok {
		return
	}
	value := pid
	if !installed {
		value = 0
	}
	if err := e.applyValue(cell, key, value, property.CauseRead); err != nil && !errors.Is(err, errDuplicate) {
		e.logger.Debug("deferred frontmost not applied", "pid", pid, "error", err)
	}
}

// applyNotification applies an attribute value carried by (or read for) a
// raw notification.
func (e *Engine) applyNotification(raw platform.RawNotification, value any) {
	key := property.Key{Resource: raw.Resource, Attribute: raw.Attribute}
	cell, ok := e.reg.Cell(key)
	if !ok {
		e.dropUnresolved(raw)
		return
	}
	if err := e.applyValue(cell, key, value, property.CauseRead); err != nil {
		switch {
		case errors.Is(err, property.ErrValueType):
			e.metrics.NotificationDropped(metrics.DropTypeInvalid)
			e.logger.Warn("notification value has the wrong type", "resource", raw.Resource, "attribute", raw.Attribute, "error", err)
		case errors.Is(err, errDuplicate):
			e.drop(metrics.DropDuplicate, raw)
		case errors.Is(err, errDanglingReference):
			e.drop(metrics.DropTombstoned, raw, "value", value)
		case errors.Is(err, errParked):
			e.logger.Debug("frontmost application still launching, deferring", "value", value)
		default:
			e.drop(metrics.DropUnhandled, raw, "error", err)
		}
	}
}

func (e *Engine) dropUnresolved(raw platform.RawNotification) {
	switch raw.Resource.Kind {
	case platform.ResourceWindow:
		switch e.handles.window(raw.Resource.Window()) {
		case handleDestroyed:
			e.drop(metrics.DropTombstoned, raw)
		case handleIgnored:
			e.drop(metrics.DropIgnored, raw)
		default:
			e.drop(metrics.DropUnknownWindow, raw)
		}
	case platform.ResourceApplication:
		e.drop(metrics.DropUnknownApp, raw)
	default:
		e.drop(metrics.DropUnhandled, raw)
	}
}

var (
	errDuplicate         = errors.New("value unchanged")
	errDanglingReference = errors.New("value references an unknown window")
	errParked            = errors.New("value waits for a launch in flight")
)

// applyValue folds one observed value into cell and emits the change event.
// It is shared by the notification path and Property reads/writes so both
// resolve origin and deduplicate identically.
func (e *Engine) applyValue(cell property.Cell, key property.Key, value any, cause property.Cause) error {
	if key.Attribute.ReferencesWindow() {
		id, ok := value.(platform.WindowID)
		if ok && id != 0 {
			if _, known := e.reg.LookupWindow(id); !known {
				return errDanglingReference
			}
		}
	}
	if key.Attribute == platform.AttrFrontmostApplication {
		e.parkedFrontmost = 0
		if pid, ok := value.(int); ok && pid != 0 {
			if _, known := e.reg.LookupApplication(pid); !known {
				if _, launching := e.watchers[pid]; launching {
					e.parkedFrontmost = pid
					return errParked
				}
				e.logger.Debug("frontmost application not watched, reporting none", "pid", pid)
				value = 0
			}
		}
	}

	internal := e.markers.Consume(key, value) || cause == property.CauseWrite
	old, changed, err := cell.Apply(value)
	if err != nil {
		return err
	}
	if !changed {
		if cause == property.CauseWrite {
			return nil
		}
		return errDuplicate
	}

	kind, ok := events.ForAttribute(key.Resource.Kind, key.Attribute)
	if !ok {
		return nil
	}
	ev := events.Event{
		Kind:      kind,
		Resource:  key.Resource,
		Attribute: key.Attribute,
		Old:       old,
		New:       value,
	}
	if internal {
		ev.Origin = events.Internal
	}
	switch key.Resource.Kind {
	case platform.ResourceWindow:
		ev.Window = key.Resource.Window()
		if w, ok := e.reg.LookupWindow(ev.Window); ok {
			ev.PID = w.Owner()
		}
	case platform.ResourceApplication:
		ev.PID = key.Resource.PID()
	case platform.ResourceScreen:
		ev.Screen = key.Resource.Screen()
	case platform.ResourceSystem:
		ev.PID, _ = value.(int)
	}
	e.emit(ev)
	return nil
}

// replaceScreens diffs a fresh display enumeration against the registry.
func (e *Engine) replaceScreens(prepared []preparedScreen) {
	current := make(map[platform.ScreenID]*model.Screen)
	for _, s := range e.reg.Screens() {
		current[s.ID()] = s
	}
	next := make([]*model.Screen, 0, len(prepared))
	var added []*model.Screen
	for _, p := range prepared {
		if s, ok := current[p.id]; ok {
			delete(current, p.id)
			next = append(next, s)
			e.updateScreen(s, p.attrs)
			continue
		}
		s := model.NewScreen(e.env, p.id, p.attrs)
		next = append(next, s)
		added = append(added, s)
	}
	removed := current
	e.reg.ReplaceScreens(next)

	for id, s := range removed {
		e.emit(events.Event{
			Kind:     events.ScreenRemoved,
			Resource: platform.ScreenResource(id),
			Screen:   id,
			Old:      s.Name.Get(),
		})
		delete(e.resSeq, platform.ScreenResource(id))
	}
	for _, s := range added {
		e.emit(events.Event{
			Kind:     events.ScreenAdded,
			Resource: platform.ScreenResource(s.ID()),
			Screen:   s.ID(),
			New:      s.Frame.Get(),
		})
	}
}

func (e *Engine) updateScreen(s *model.Screen, attrs model.ScreenAttributes) {
	values := []struct {
		attr  platform.Attribute
		value any
	}{
		{platform.AttrScreenName, attrs.Name},
		{platform.AttrScreenFrame, attrs.Frame},
		{platform.AttrVisibleFrame, attrs.VisibleFrame},
	}
	for _, v := range values {
		cell, _ := s.Cell(v.attr)
		key := property.Key{Resource: platform.ScreenResource(s.ID()), Attribute: v.attr}
		if err := e.applyValue(cell, key, v.value, property.CauseRead); err != nil && !errors.Is(err, errDuplicate) {
			e.logger.Warn("screen update failed", "screen", s.ID(), "attribute", v.attr, "error", err)
		}
	}
}

func (e *Engine) installBaseline(b *baseline) {
	for _, p := range b.apps {
		w := b.watchers[p.pid]
		if !e.install(p, w, true) {
			if w != nil {
				w.cancel()
				delete(b.watchers, p.pid)
			}
		}
	}
	screens := make([]*model.Screen, 0, len(b.screens))
	for _, p := range b.screens {
		screens = append(screens, model.NewScreen(e.env, p.id, p.attrs))
	}
	e.reg.ReplaceScreens(screens)
	if sys := e.reg.System(); sys != nil && b.frontmost != 0 {
		if _, ok := e.reg.LookupApplication(b.frontmost); ok {
			_, _, _ = sys.FrontmostApplication.Apply(b.frontmost)
		}
	}
}
