package state

import (
	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
)

// On registers h for one event kind. Handlers run on the dispatcher
// goroutine, in event order, and only see events published after they
// were registered. The returned func unregisters h.
func (s *State) On(kind events.Kind, h events.Handler) (cancel func()) {
	return s.bus.On(kind, h)
}

// OnAny registers h for every event kind.
func (s *State) OnAny(h events.Handler) (cancel func()) {
	return s.bus.OnAny(h)
}

// Flush waits until every event emitted so far has been delivered.
func (s *State) Flush() { s.bus.Flush() }

func (s *State) OnWindowCreated(fn func(id platform.WindowID, pid int, attrs model.WindowAttributes)) (cancel func()) {
	return s.On(events.WindowCreated, func(ev events.Event) {
		attrs, _ := ev.New.(model.WindowAttributes)
		fn(ev.Window, ev.PID, attrs)
	})
}

func (s *State) OnWindowDestroyed(fn func(id platform.WindowID, pid int)) (cancel func()) {
	return s.On(events.WindowDestroyed, func(ev events.Event) {
		fn(ev.Window, ev.PID)
	})
}

// OnWindowFrameChanged reports moves and resizes with the previous and new
// frames.
func (s *State) OnWindowFrameChanged(fn func(id platform.WindowID, old, new platform.Rect, origin events.Origin)) (cancel func()) {
	return s.On(events.WindowFrameChanged, func(ev events.Event) {
		o, _ := ev.Old.(platform.Rect)
		n, _ := ev.New.(platform.Rect)
		fn(ev.Window, o, n, ev.Origin)
	})
}

func (s *State) OnApplicationLaunched(fn func(pid int, attrs model.ApplicationAttributes)) (cancel func()) {
	return s.On(events.ApplicationLaunched, func(ev events.Event) {
		attrs, _ := ev.New.(model.ApplicationAttributes)
		fn(ev.PID, attrs)
	})
}

func (s *State) OnApplicationTerminated(fn func(pid int)) (cancel func()) {
	return s.On(events.ApplicationTerminated, func(ev events.Event) {
		fn(ev.PID)
	})
}

// OnFocusedWindowChanged reports an application's focused window moving;
// 0 means none.
func (s *State) OnFocusedWindowChanged(fn func(pid int, id platform.WindowID, origin events.Origin)) (cancel func()) {
	return s.On(events.ApplicationFocusedWindowChanged, func(ev events.Event) {
		id, _ := ev.New.(platform.WindowID)
		fn(ev.PID, id, ev.Origin)
	})
}

// OnFrontmostApplicationChanged reports the focused application's pid, or
// 0 when it is not watched.
func (s *State) OnFrontmostApplicationChanged(fn func(pid int)) (cancel func()) {
	return s.On(events.FrontmostApplicationChanged, func(ev events.Event) {
		pid, _ := ev.New.(int)
		fn(pid)
	})
}
