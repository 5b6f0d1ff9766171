// Package platformtest provides a scriptable in-memory platform.Adapter for
// driving the synchronization core in tests.
package platformtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/1broseidon/winsync/internal/platform"
)

type attrKey struct {
	res  platform.Resource
	attr platform.Attribute
}

// Write records one WriteAttribute call.
type Write struct {
	Resource  platform.Resource
	Attribute platform.Attribute
	Value     any
	Started   time.Time
	Finished  time.Time
}

type stream struct {
	ch     chan platform.RawNotification
	closed bool
}

// Adapter is a fake resource adapter. The zero value is not usable; call
// New.
type Adapter struct {
	mu sync.Mutex

	values     map[attrKey]any
	invalid    map[platform.Resource]bool
	readErr    map[attrKey]error
	writeErr   map[attrKey]error
	subErr     map[platform.Resource]error
	readDelay  map[attrKey]time.Duration
	writeDelay map[platform.Resource]time.Duration
	delayOnce  map[platform.Resource]time.Duration
	readGate   map[attrKey]chan struct{}
	owners     map[platform.WindowID]int

	streams map[platform.Resource]*stream
	reads   map[attrKey]int
	writes  []Write

	// Echo makes successful writes emit a matching attribute-changed
	// notification on the owning subscription.
	Echo bool
}

// New returns an empty adapter with no applications, windows or screens.
func New() *Adapter {
	a := &Adapter{
		values:     make(map[attrKey]any),
		invalid:    make(map[platform.Resource]bool),
		readErr:    make(map[attrKey]error),
		writeErr:   make(map[attrKey]error),
		subErr:     make(map[platform.Resource]error),
		readDelay:  make(map[attrKey]time.Duration),
		writeDelay: make(map[platform.Resource]time.Duration),
		delayOnce:  make(map[platform.Resource]time.Duration),
		readGate:   make(map[attrKey]chan struct{}),
		owners:     make(map[platform.WindowID]int),
		streams:    make(map[platform.Resource]*stream),
		reads:      make(map[attrKey]int),
	}
	a.values[attrKey{platform.System, platform.AttrApplications}] = []int{}
	a.values[attrKey{platform.System, platform.AttrScreens}] = []platform.ScreenID{}
	a.values[attrKey{platform.System, platform.AttrFrontmostApplication}] = 0
	return a
}

// AddApplication registers a running application with no windows.
func (a *Adapter) AddApplication(pid int, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := platform.ApplicationResource(pid)
	delete(a.invalid, res)
	a.values[attrKey{res, platform.AttrName}] = name
	a.values[attrKey{res, platform.AttrMainWindow}] = platform.WindowID(0)
	a.values[attrKey{res, platform.AttrFocusedWindow}] = platform.WindowID(0)
	a.values[attrKey{res, platform.AttrHidden}] = false
	a.values[attrKey{res, platform.AttrWindows}] = []platform.WindowID{}
	sys := attrKey{platform.System, platform.AttrApplications}
	pids := a.values[sys].([]int)
	if !slices.Contains(pids, pid) {
		a.values[sys] = append(slices.Clone(pids), pid)
	}
}

// RemoveApplication makes pid and all its windows invalid.
func (a *Adapter) RemoveApplication(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := platform.ApplicationResource(pid)
	a.invalid[res] = true
	if ids, ok := a.values[attrKey{res, platform.AttrWindows}].([]platform.WindowID); ok {
		for _, id := range ids {
			a.invalid[platform.WindowResource(id)] = true
		}
	}
	sys := attrKey{platform.System, platform.AttrApplications}
	a.values[sys] = slices.DeleteFunc(slices.Clone(a.values[sys].([]int)), func(p int) bool { return p == pid })
}

// AddWindow registers a window owned by pid with default attributes.
func (a *Adapter) AddWindow(pid int, id platform.WindowID, title string, frame platform.Rect) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := platform.WindowResource(id)
	delete(a.invalid, res)
	a.owners[id] = pid
	a.values[attrKey{res, platform.AttrFrame}] = frame
	a.values[attrKey{res, platform.AttrTitle}] = title
	a.values[attrKey{res, platform.AttrMinimized}] = false
	a.values[attrKey{res, platform.AttrFullscreen}] = false
	a.values[attrKey{res, platform.AttrMain}] = false
	a.values[attrKey{res, platform.AttrVisible}] = true
	app := attrKey{platform.ApplicationResource(pid), platform.AttrWindows}
	ids, _ := a.values[app].([]platform.WindowID)
	if !slices.Contains(ids, id) {
		a.values[app] = append(slices.Clone(ids), id)
	}
}

// RemoveWindow makes the window invalid and drops it from its owner's list.
func (a *Adapter) RemoveWindow(id platform.WindowID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalid[platform.WindowResource(id)] = true
	pid, ok := a.owners[id]
	if !ok {
		return
	}
	app := attrKey{platform.ApplicationResource(pid), platform.AttrWindows}
	if ids, ok := a.values[app].([]platform.WindowID); ok {
		a.values[app] = slices.DeleteFunc(slices.Clone(ids), func(w platform.WindowID) bool { return w == id })
	}
}

// AddScreen registers a display.
func (a *Adapter) AddScreen(id platform.ScreenID, name string, frame, visible platform.Rect) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := platform.ScreenResource(id)
	delete(a.invalid, res)
	a.values[attrKey{res, platform.AttrScreenName}] = name
	a.values[attrKey{res, platform.AttrScreenFrame}] = frame
	a.values[attrKey{res, platform.AttrVisibleFrame}] = visible
	sys := attrKey{platform.System, platform.AttrScreens}
	ids := a.values[sys].([]platform.ScreenID)
	if !slices.Contains(ids, id) {
		a.values[sys] = append(slices.Clone(ids), id)
	}
}

// RemoveScreen drops a display.
func (a *Adapter) RemoveScreen(id platform.ScreenID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalid[platform.ScreenResource(id)] = true
	sys := attrKey{platform.System, platform.AttrScreens}
	a.values[sys] = slices.DeleteFunc(slices.Clone(a.values[sys].([]platform.ScreenID)), func(s platform.ScreenID) bool { return s == id })
}

// SetValue changes the value reads of res/attr return.
func (a *Adapter) SetValue(res platform.Resource, attr platform.Attribute, v any) {
	a.mu.Lock()
	a.values[attrKey{res, attr}] = v
	a.mu.Unlock()
}

// Value returns the adapter-side value of res/attr.
func (a *Adapter) Value(res platform.Resource, attr platform.Attribute) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.values[attrKey{res, attr}]
}

// FailReads makes reads of res/attr fail with err (nil clears).
func (a *Adapter) FailReads(res platform.Resource, attr platform.Attribute, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.readErr, attrKey{res, attr})
		return
	}
	a.readErr[attrKey{res, attr}] = err
}

// FailWrites makes writes of res/attr fail with err (nil clears).
func (a *Adapter) FailWrites(res platform.Resource, attr platform.Attribute, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.writeErr, attrKey{res, attr})
		return
	}
	a.writeErr[attrKey{res, attr}] = err
}

// FailSubscribe makes Subscribe(res) fail with err.
func (a *Adapter) FailSubscribe(res platform.Resource, err error) {
	a.mu.Lock()
	a.subErr[res] = err
	a.mu.Unlock()
}

// DelayReads makes reads of res/attr take d.
func (a *Adapter) DelayReads(res platform.Resource, attr platform.Attribute, d time.Duration) {
	a.mu.Lock()
	a.readDelay[attrKey{res, attr}] = d
	a.mu.Unlock()
}

// DelayWrites makes every write to res take d. The delay ignores the
// caller's context, like an adapter without a cancellation primitive.
func (a *Adapter) DelayWrites(res platform.Resource, d time.Duration) {
	a.mu.Lock()
	a.writeDelay[res] = d
	a.mu.Unlock()
}

// DelayNextWrite makes only the next write to res take d.
func (a *Adapter) DelayNextWrite(res platform.Resource, d time.Duration) {
	a.mu.Lock()
	a.delayOnce[res] = d
	a.mu.Unlock()
}

// HoldReads blocks reads of res/attr until the returned release func is
// called.
func (a *Adapter) HoldReads(res platform.Resource, attr platform.Attribute) (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.readGate[attrKey{res, attr}] = gate
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.readGate, attrKey{res, attr})
			a.mu.Unlock()
			close(gate)
		})
	}
}

// Reads returns how many ReadAttribute calls hit res/attr.
func (a *Adapter) Reads(res platform.Resource, attr platform.Attribute) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads[attrKey{res, attr}]
}

// Writes returns the completed writes in completion order.
func (a *Adapter) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.writes)
}

// Emit delivers n on the subscription for sub. Notifications emitted
// before anyone subscribes are buffered.
func (a *Adapter) Emit(sub platform.Resource, n platform.RawNotification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.streamLocked(sub)
	if s.closed {
		return
	}
	s.ch <- n
}

// Subscribed reports whether a live subscription for res exists.
func (a *Adapter) Subscribed(res platform.Resource) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[res]
	return ok && !s.closed
}

// Queued returns how many emitted notifications are still waiting on open
// subscriptions.
func (a *Adapter) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.streams {
		if !s.closed {
			n += len(s.ch)
		}
	}
	return n
}

// Close ends the subscription for res, as if the resource went away.
func (a *Adapter) Close(res platform.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[res]; ok && !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (a *Adapter) streamLocked(res platform.Resource) *stream {
	s, ok := a.streams[res]
	if !ok {
		s = &stream{ch: make(chan platform.RawNotification, 1024)}
		a.streams[res] = s
	}
	return s
}

func (a *Adapter) ReadAttribute(ctx context.Context, res platform.Resource, attr platform.Attribute) (any, error) {
	k := attrKey{res, attr}
	a.mu.Lock()
	a.reads[k]++
	delay := a.readDelay[k]
	gate := a.readGate[k]
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, platform.NewAdapterError(platform.ErrTimeout, res, attr, ctx.Err())
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, platform.NewAdapterError(platform.ErrTimeout, res, attr, ctx.Err())
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readErr[k]; err != nil {
		return nil, err
	}
	if a.invalid[res] {
		return nil, platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
	}
	v, ok := a.values[k]
	if !ok {
		return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
	}
	return v, nil
}

func (a *Adapter) WriteAttribute(_ context.Context, res platform.Resource, attr platform.Attribute, value any) error {
	k := attrKey{res, attr}
	started := time.Now()
	a.mu.Lock()
	delay := a.writeDelay[res]
	if d, ok := a.delayOnce[res]; ok {
		delay = d
		delete(a.delayOnce, res)
	}
	a.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writeErr[k]; err != nil {
		return err
	}
	if a.invalid[res] {
		return platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
	}
	a.values[k] = value
	a.writes = append(a.writes, Write{Resource: res, Attribute: attr, Value: value, Started: started, Finished: time.Now()})

	if a.Echo {
		sub := res
		if res.Kind == platform.ResourceWindow {
			sub = platform.ApplicationResource(a.owners[res.Window()])
		}
		s := a.streamLocked(sub)
		if !s.closed {
			s.ch <- platform.RawNotification{
				Resource:  res,
				Kind:      platform.NotifyAttributeChanged,
				Attribute: attr,
				Value:     value,
				HasValue:  true,
			}
		}
	}
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, res platform.Resource, _ []platform.NotificationKind) (<-chan platform.RawNotification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.subErr[res]; err != nil {
		return nil, err
	}
	if a.invalid[res] {
		return nil, platform.NewAdapterError(platform.ErrInvalid, res, "", nil)
	}
	s := a.streamLocked(res)
	if s.closed {
		// resubscription after a previous close
		s = &stream{ch: make(chan platform.RawNotification, 1024)}
		a.streams[res] = s
	}
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.streams[res] == s && !s.closed {
			s.closed = true
			close(s.ch)
		}
	}()
	return s.ch, nil
}

var _ platform.Adapter = (*Adapter)(nil)
