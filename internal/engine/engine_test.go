package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/platform/platformtest"
	"github.com/1broseidon/winsync/internal/property"
	"github.com/1broseidon/winsync/internal/writer"
)

type harness struct {
	t       *testing.T
	adapter *platformtest.Adapter
	writer  *writer.Coordinator
	reg     *model.Registry
	bus     *events.Bus
	engine  *Engine

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, a *platformtest.Adapter, opts Options) *harness {
	t.Helper()
	return newHarnessWithWriter(t, a, opts, writer.Options{Timeout: time.Second})
}

func newHarnessWithWriter(t *testing.T, a *platformtest.Adapter, opts Options, wopts writer.Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wopts.Logger = logger
	w := writer.New(a, wopts)
	env := &property.Env{Reader: a, Writer: w, Markers: property.NewMarkers(0, nil)}
	reg := model.NewRegistry(model.NewSystem(env, 0), logger, nil)
	bus := events.NewBus(logger, nil)

	opts.Logger = logger
	opts.VerifyInvariants = true
	eng := New(a, reg, bus, env, opts)

	h := &harness{t: t, adapter: a, writer: w, reg: reg, bus: bus, engine: eng}
	bus.OnAny(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		eng.Stop()
		w.Close()
		bus.Close()
		assert.Empty(t, eng.Violations())
	})
	return h
}

// settle waits until every emitted notification has been processed and
// delivered.
func (h *harness) settle() {
	h.t.Helper()
	idle := func() bool {
		return h.adapter.Queued() == 0 && h.engine.Handled() == h.engine.Received()
	}
	require.Eventually(h.t, func() bool {
		if !idle() {
			return false
		}
		n := h.engine.Handled()
		time.Sleep(20 * time.Millisecond)
		return idle() && h.engine.Handled() == n
	}, 5*time.Second, 5*time.Millisecond)
	h.bus.Flush()
}

// take returns and clears the events delivered so far.
func (h *harness) take() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

func (h *harness) emit(sub platform.Resource, ns ...platform.RawNotification) {
	for _, n := range ns {
		h.adapter.Emit(sub, n)
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func created(id platform.WindowID) platform.RawNotification {
	return platform.RawNotification{Resource: platform.WindowResource(id), Kind: platform.NotifyWindowCreated}
}

func destroyed(id platform.WindowID) platform.RawNotification {
	return platform.RawNotification{Resource: platform.WindowResource(id), Kind: platform.NotifyWindowDestroyed}
}

func changed(res platform.Resource, attr platform.Attribute, v any) platform.RawNotification {
	return platform.RawNotification{Resource: res, Kind: platform.NotifyAttributeChanged, Attribute: attr, Value: v, HasValue: true}
}

func terminated(pid int) platform.RawNotification {
	return platform.RawNotification{Resource: platform.ApplicationResource(pid), Kind: platform.NotifyApplicationTerminated}
}

var rect = platform.Rect{Width: 400, Height: 300}

func TestBaselineEmitsNothing(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	a.AddWindow(1, 20, "b", rect)
	a.SetValue(platform.ApplicationResource(1), platform.AttrMainWindow, platform.WindowID(20))
	a.SetValue(platform.System, platform.AttrFrontmostApplication, 1)

	h := newHarness(t, a, Options{})
	h.bus.Flush()
	assert.Empty(t, h.take())

	app, ok := h.reg.LookupApplication(1)
	require.True(t, ok)
	assert.Equal(t, "one", app.Name.Get())
	assert.Equal(t, platform.WindowID(20), app.MainWindow.Get())
	assert.Len(t, h.reg.WindowsOf(1), 2)
	assert.Equal(t, 1, h.reg.System().FrontmostApplication.Get())
	assert.True(t, a.Subscribed(platform.ApplicationResource(1)))
	assert.True(t, a.Subscribed(platform.System))
}

func TestReferenceBeforeCreation(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{})
	app := platform.ApplicationResource(1)

	a.AddWindow(1, 10, "new", rect)
	h.emit(app,
		changed(app, platform.AttrMainWindow, platform.WindowID(10)),
		created(10),
	)
	h.settle()

	evs := h.take()
	require.Equal(t, []events.Kind{events.WindowCreated, events.ApplicationMainWindowChanged}, kinds(evs))
	assert.Equal(t, platform.WindowID(10), evs[0].Window)
	assert.Equal(t, 1, evs[0].PID)
	assert.Equal(t, platform.WindowID(10), evs[1].New)
	assert.Less(t, evs[0].Seq, evs[1].Seq)

	w, ok := h.reg.LookupWindow(10)
	require.True(t, ok)
	assert.Equal(t, "new", w.Title.Get())
}

func TestCreatedWindowIsAnnouncedBeforeEveryReference(t *testing.T) {
	app := platform.ApplicationResource(1)
	win := platform.WindowResource(10)
	raw := []platform.RawNotification{
		created(10),
		changed(win, platform.AttrFrame, platform.Rect{X: 5, Width: 100, Height: 100}),
		{Resource: win, Kind: platform.NotifyAttributeChanged, Attribute: platform.AttrTitle},
		changed(app, platform.AttrMainWindow, platform.WindowID(10)),
		changed(app, platform.AttrFocusedWindow, platform.WindowID(10)),
	}

	r := rand.New(rand.NewPCG(1, 2))
	for i := range 12 {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			a := platformtest.New()
			a.AddApplication(1, "one")
			h := newHarness(t, a, Options{})
			a.AddWindow(1, 10, "late", rect)

			for _, j := range r.Perm(len(raw)) {
				h.emit(app, raw[j])
			}
			h.settle()

			var refs []events.Event
			for _, ev := range h.take() {
				if ev.References(10) {
					refs = append(refs, ev)
				}
			}
			require.NotEmpty(t, refs)
			assert.Equal(t, events.WindowCreated, refs[0].Kind)
			for _, ev := range refs[1:] {
				assert.NotEqual(t, events.WindowCreated, ev.Kind)
			}
		})
	}
}

func TestDuplicateNotificationsEmitOnce(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	app := platform.ApplicationResource(1)
	moved := platform.Rect{X: 50, Y: 50, Width: 400, Height: 300}

	a.AddWindow(1, 20, "b", rect)
	h.emit(app,
		changed(platform.WindowResource(10), platform.AttrFrame, moved),
		changed(platform.WindowResource(10), platform.AttrFrame, moved),
		created(20),
		created(20),
	)
	h.settle()

	assert.Equal(t, []events.Kind{events.WindowFrameChanged, events.WindowCreated}, kinds(h.take()))
}

func TestTerminationDestroysWindowsFirst(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	a.AddWindow(1, 20, "b", rect)
	a.AddApplication(2, "two")
	h := newHarness(t, a, Options{})

	a.RemoveApplication(1)
	h.emit(platform.System, terminated(1))
	h.settle()

	evs := h.take()
	require.Len(t, evs, 3)
	assert.Equal(t, events.WindowDestroyed, evs[0].Kind)
	assert.Equal(t, events.WindowDestroyed, evs[1].Kind)
	assert.ElementsMatch(t, []platform.WindowID{10, 20}, []platform.WindowID{evs[0].Window, evs[1].Window})
	assert.Equal(t, events.ApplicationTerminated, evs[2].Kind)
	assert.Equal(t, 1, evs[2].PID)

	_, ok := h.reg.LookupApplication(1)
	assert.False(t, ok)
	_, ok = h.reg.LookupWindow(10)
	assert.False(t, ok)
	_, ok = h.reg.LookupApplication(2)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return !a.Subscribed(platform.ApplicationResource(1)) }, time.Second, 5*time.Millisecond)
}

func TestClosedStreamMeansTerminated(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})

	a.Close(platform.ApplicationResource(1))
	require.Eventually(t, func() bool {
		_, ok := h.reg.LookupApplication(1)
		return !ok
	}, time.Second, 5*time.Millisecond)
	h.bus.Flush()
	assert.Equal(t, []events.Kind{events.WindowDestroyed, events.ApplicationTerminated}, kinds(h.take()))
}

func TestDestroyedWindowIsNotRecreated(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	app := platform.ApplicationResource(1)
	win := platform.WindowResource(10)

	a.RemoveWindow(10)
	h.emit(app,
		destroyed(10),
		changed(win, platform.AttrFrame, platform.Rect{X: 1, Width: 1, Height: 1}),
		changed(app, platform.AttrFocusedWindow, platform.WindowID(10)),
		destroyed(10),
	)
	h.settle()

	evs := h.take()
	require.Equal(t, []events.Kind{events.WindowDestroyed}, kinds(evs))
	assert.Equal(t, "a", evs[0].Old.(model.WindowAttributes).Title)
	_, ok := h.reg.LookupWindow(10)
	assert.False(t, ok)
}

func TestRecreatedHandleIsReadmitted(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	app := platform.ApplicationResource(1)

	a.RemoveWindow(10)
	h.emit(app, destroyed(10))
	h.settle()
	a.AddWindow(1, 10, "again", rect)
	h.emit(app, created(10))
	h.settle()

	assert.Equal(t, []events.Kind{events.WindowDestroyed, events.WindowCreated}, kinds(h.take()))
	w, ok := h.reg.LookupWindow(10)
	require.True(t, ok)
	assert.Equal(t, "again", w.Title.Get())
}

func TestUnreadableWindowIsIgnored(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{})
	app := platform.ApplicationResource(1)
	win := platform.WindowResource(40)

	a.AddWindow(1, 40, "popup", rect)
	a.FailReads(win, platform.AttrFrame, platform.NewAdapterError(platform.ErrUnsupported, win, platform.AttrFrame, nil))
	h.emit(app,
		created(40),
		changed(win, platform.AttrFrame, platform.Rect{X: 9, Width: 9, Height: 9}),
		changed(app, platform.AttrFocusedWindow, platform.WindowID(40)),
	)
	h.settle()

	assert.Empty(t, h.take())
	_, ok := h.reg.LookupWindow(40)
	assert.False(t, ok)
}

func TestUnwatchableApplicationIsExcluded(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddApplication(3, "helper")
	a.FailSubscribe(platform.ApplicationResource(3),
		platform.NewAdapterError(platform.ErrUnsupported, platform.ApplicationResource(3), "", nil))

	h := newHarness(t, a, Options{})
	_, ok := h.reg.LookupApplication(1)
	assert.True(t, ok)
	_, ok = h.reg.LookupApplication(3)
	assert.False(t, ok)
}

func TestApplicationLaunch(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{})

	a.AddApplication(2, "two")
	a.AddWindow(2, 30, "doc", rect)
	h.emit(platform.System, platform.RawNotification{Resource: platform.ApplicationResource(2), Kind: platform.NotifyApplicationLaunched})
	require.Eventually(t, func() bool {
		_, ok := h.reg.LookupWindow(30)
		return ok
	}, time.Second, 5*time.Millisecond)
	h.bus.Flush()

	evs := h.take()
	require.Equal(t, []events.Kind{events.ApplicationLaunched, events.WindowCreated}, kinds(evs))
	assert.Equal(t, 2, evs[0].PID)

	// the new application's stream is live
	h.emit(platform.ApplicationResource(2), changed(platform.ApplicationResource(2), platform.AttrHidden, true))
	h.settle()
	assert.Equal(t, []events.Kind{events.ApplicationHiddenChanged}, kinds(h.take()))
}

func TestLaunchAfterTerminationIsIgnored(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{})

	h.emit(platform.System, terminated(1))
	h.settle()
	h.emit(platform.System, platform.RawNotification{Resource: platform.ApplicationResource(1), Kind: platform.NotifyApplicationLaunched})
	h.settle()
	time.Sleep(20 * time.Millisecond)
	h.bus.Flush()

	assert.Equal(t, []events.Kind{events.ApplicationTerminated}, kinds(h.take()))
}

func TestFrontmostApplication(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{})

	h.emit(platform.System,
		changed(platform.System, platform.AttrFrontmostApplication, 1),
		changed(platform.System, platform.AttrFrontmostApplication, 99),
	)
	h.settle()

	evs := h.take()
	require.Equal(t, []events.Kind{events.FrontmostApplicationChanged, events.FrontmostApplicationChanged}, kinds(evs))
	assert.Equal(t, 1, evs[0].New)
	assert.Equal(t, 0, evs[1].New, "unwatched applications are reported as none")
	assert.Zero(t, h.reg.System().FrontmostApplication.Get())
}

func TestFrontmostWaitsForLaunchInFlight(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{ReadTimeout: 5 * time.Second})

	a.AddApplication(2, "two")
	a.AddWindow(2, 30, "doc", rect)
	release := a.HoldReads(platform.ApplicationResource(2), platform.AttrName)
	defer release()

	h.emit(platform.System,
		platform.RawNotification{Resource: platform.ApplicationResource(2), Kind: platform.NotifyApplicationLaunched},
		changed(platform.System, platform.AttrFrontmostApplication, 2),
	)
	h.settle()
	assert.Empty(t, h.take(), "nothing is announced before the launch is installed")
	assert.Zero(t, h.reg.System().FrontmostApplication.Get())

	release()
	require.Eventually(t, func() bool {
		return h.reg.System().FrontmostApplication.Get() == 2
	}, 2*time.Second, 5*time.Millisecond)
	h.bus.Flush()

	evs := h.take()
	require.Equal(t, []events.Kind{events.ApplicationLaunched, events.WindowCreated, events.FrontmostApplicationChanged}, kinds(evs))
	assert.Equal(t, 2, evs[2].New)
}

func TestLaterFrontmostSupersedesLaunchInFlight(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	h := newHarness(t, a, Options{ReadTimeout: 5 * time.Second})

	a.AddApplication(2, "two")
	release := a.HoldReads(platform.ApplicationResource(2), platform.AttrName)
	defer release()

	h.emit(platform.System,
		platform.RawNotification{Resource: platform.ApplicationResource(2), Kind: platform.NotifyApplicationLaunched},
		changed(platform.System, platform.AttrFrontmostApplication, 2),
		changed(platform.System, platform.AttrFrontmostApplication, 1),
	)
	h.settle()
	release()
	require.Eventually(t, func() bool {
		_, ok := h.reg.LookupApplication(2)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.bus.Flush()

	assert.Equal(t, 1, h.reg.System().FrontmostApplication.Get())
	assert.Equal(t, []events.Kind{events.FrontmostApplicationChanged, events.ApplicationLaunched}, kinds(h.take()))
}

func TestScreenChanges(t *testing.T) {
	a := platformtest.New()
	primary := platform.Rect{Width: 1920, Height: 1080}
	a.AddScreen(1, "primary", primary, platform.Rect{Y: 25, Width: 1920, Height: 1055})
	h := newHarness(t, a, Options{})
	require.Len(t, h.reg.Screens(), 1)

	screensChanged := platform.RawNotification{Resource: platform.System, Kind: platform.NotifyScreensChanged}

	a.AddScreen(2, "side", platform.Rect{X: 1920, Width: 1280, Height: 1024}, platform.Rect{})
	h.emit(platform.System, screensChanged)
	h.settle()
	evs := h.take()
	require.Equal(t, []events.Kind{events.ScreenAdded}, kinds(evs))
	assert.Equal(t, platform.ScreenID(2), evs[0].Screen)
	s, ok := h.reg.LookupScreen(2)
	require.True(t, ok)
	assert.Equal(t, s.Frame.Get(), s.VisibleFrame.Get(), "missing visible frame falls back to frame")

	a.SetValue(platform.ScreenResource(1), platform.AttrScreenFrame, platform.Rect{Width: 2560, Height: 1440})
	h.emit(platform.System, screensChanged)
	h.settle()
	assert.Equal(t, []events.Kind{events.ScreenChanged}, kinds(h.take()))

	a.RemoveScreen(1)
	h.emit(platform.System, screensChanged)
	h.settle()
	evs = h.take()
	require.Equal(t, []events.Kind{events.ScreenRemoved}, kinds(evs))
	assert.Equal(t, platform.ScreenID(1), evs[0].Screen)
	assert.Len(t, h.reg.Screens(), 1)
}

func TestSequenceHintsReorder(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{ReorderWindow: 50 * time.Millisecond})
	app := platform.ApplicationResource(1)
	win := platform.WindowResource(10)

	frame := func(x int, seq uint64) platform.RawNotification {
		n := changed(win, platform.AttrFrame, platform.Rect{X: x, Width: 400, Height: 300})
		n.Sequence = seq
		return n
	}
	h.emit(app, frame(1, 1), frame(3, 3), frame(2, 2), frame(2, 2), frame(5, 5))
	h.settle()

	var xs []int
	for _, ev := range h.take() {
		xs = append(xs, ev.New.(platform.Rect).X)
	}
	assert.Equal(t, []int{1, 2, 3, 5}, xs)
	w, _ := h.reg.LookupWindow(10)
	assert.Equal(t, 5, w.Frame.Get().X)
}

func TestWriteEchoIsTaggedInternal(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	a.Echo = true
	h := newHarness(t, a, Options{})
	w, _ := h.reg.LookupWindow(10)

	target := platform.Rect{X: 100, Y: 100, Width: 640, Height: 480}
	_, err := w.Frame.Set(target).Wait()
	require.NoError(t, err)
	h.settle()

	evs := h.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.WindowFrameChanged, evs[0].Kind)
	assert.Equal(t, events.Internal, evs[0].Origin)
	assert.Equal(t, target, evs[0].New)
	assert.Equal(t, target, w.Frame.Get())

	user := platform.Rect{X: 7, Y: 7, Width: 640, Height: 480}
	h.emit(platform.ApplicationResource(1), changed(platform.WindowResource(10), platform.AttrFrame, user))
	h.settle()
	evs = h.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.External, evs[0].Origin)
	assert.Equal(t, user, w.Frame.Get())
}

func TestWriteWithoutEchoStillEmitsOnce(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	w, _ := h.reg.LookupWindow(10)

	_, err := w.Minimized.Set(true).Wait()
	require.NoError(t, err)
	h.bus.Flush()

	evs := h.take()
	require.Len(t, evs, 1)
	assert.Equal(t, events.WindowMinimizedChanged, evs[0].Kind)
	assert.Equal(t, events.Internal, evs[0].Origin)
}

func TestWriteTimeoutRollsBack(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	a.DelayWrites(platform.WindowResource(10), 200*time.Millisecond)
	h := newHarnessWithWriter(t, a, Options{}, writer.Options{Timeout: 30 * time.Millisecond})
	w, _ := h.reg.LookupWindow(10)

	f := w.Frame.Set(platform.Rect{X: 500, Width: 10, Height: 10})
	assert.Equal(t, 500, w.Frame.Get().X, "optimistic value is visible while in flight")

	_, err := f.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrTimeout)
	assert.ErrorIs(t, err, property.ErrWriteRejected)
	assert.Equal(t, rect, w.Frame.Get())

	h.bus.Flush()
	assert.Empty(t, h.take())
}

func TestSlowWindowDoesNotBlockFastWindow(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "slow", rect)
	a.AddWindow(1, 20, "fast", rect)
	a.DelayWrites(platform.WindowResource(10), time.Second)
	a.DelayWrites(platform.WindowResource(20), 5*time.Millisecond)
	h := newHarnessWithWriter(t, a, Options{}, writer.Options{Timeout: 3 * time.Second})
	slowWin, _ := h.reg.LookupWindow(10)
	fastWin, _ := h.reg.LookupWindow(20)

	start := time.Now()
	slow := slowWin.Frame.Set(platform.Rect{X: 1, Width: 1, Height: 1})
	fast := fastWin.Frame.Set(platform.Rect{X: 2, Width: 2, Height: 2})

	_, err := fast.Wait()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	_, _, done := slow.Peek()
	assert.False(t, done)

	_, err = slow.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, slowWin.Frame.Get().X)
	assert.Equal(t, 2, fastWin.Frame.Get().X)
}

func TestRefreshAppliesThroughEngine(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	w, _ := h.reg.LookupWindow(10)

	a.SetValue(platform.WindowResource(10), platform.AttrTitle, "renamed")
	v, err := w.Title.Refresh().Wait()
	require.NoError(t, err)
	assert.Equal(t, "renamed", v)

	// unchanged refresh succeeds without an event
	_, err = w.Title.Refresh().Wait()
	require.NoError(t, err)
	h.bus.Flush()

	evs := h.take()
	require.Equal(t, []events.Kind{events.WindowTitleChanged}, kinds(evs))
	assert.Equal(t, events.External, evs[0].Origin)
}

func TestStopRejectsLaterWork(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	w, _ := h.reg.LookupWindow(10)

	h.engine.Stop()
	_, err := h.engine.Observe(w.Frame, platform.Rect{X: 1}, property.CauseRead).Wait()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRandomizedStreamsKeepModelConsistent(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	a := platformtest.New()
	alive := map[int][]platform.WindowID{}
	next := platform.WindowID(100)
	for pid := 1; pid <= 3; pid++ {
		a.AddApplication(pid, fmt.Sprintf("app%d", pid))
		for range 2 {
			a.AddWindow(pid, next, "w", rect)
			alive[pid] = append(alive[pid], next)
			next++
		}
	}
	h := newHarness(t, a, Options{})
	baseline := map[platform.WindowID]bool{}
	for _, w := range h.reg.AllWindows() {
		baseline[w.ID()] = true
	}
	require.Len(t, baseline, 6)

	pids := []int{1, 2, 3}
	type sent struct {
		sub platform.Resource
		n   platform.RawNotification
	}
	var last *sent
	send := func(sub platform.Resource, n platform.RawNotification) {
		h.emit(sub, n)
		last = &sent{sub, n}
	}

	for i := range 400 {
		pid := pids[r.IntN(len(pids))]
		app := platform.ApplicationResource(pid)
		ws := alive[pid]
		switch op := r.IntN(10); {
		case op < 3:
			id := next
			next++
			a.AddWindow(pid, id, "w", rect)
			alive[pid] = append(slices.Clone(ws), id)
			if r.IntN(2) == 0 {
				send(app, changed(app, platform.AttrFocusedWindow, id))
			}
			send(app, created(id))
		case op < 5 && len(ws) > 0:
			k := r.IntN(len(ws))
			id := ws[k]
			a.RemoveWindow(id)
			alive[pid] = slices.Delete(slices.Clone(ws), k, k+1)
			send(app, destroyed(id))
		case op < 8 && len(ws) > 0:
			id := ws[r.IntN(len(ws))]
			send(app, changed(platform.WindowResource(id), platform.AttrFrame, platform.Rect{X: i, Width: 10, Height: 10}))
		case op < 9 && last != nil:
			h.emit(last.sub, last.n)
		case op == 9 && i > 300 && len(pids) > 1:
			a.RemoveApplication(pid)
			delete(alive, pid)
			pids = slices.DeleteFunc(pids, func(p int) bool { return p == pid })
			send(platform.System, terminated(pid))
		}
	}
	h.settle()

	known := map[platform.WindowID]bool{}
	for id := range baseline {
		known[id] = true
	}
	gone := map[platform.WindowID]bool{}
	resSeq := map[platform.Resource]uint64{}
	var prev uint64
	for _, ev := range h.take() {
		require.Greater(t, ev.Seq, prev)
		prev = ev.Seq
		require.Equal(t, resSeq[ev.Resource]+1, ev.ResourceSeq, "resource sequence for %s", ev)
		resSeq[ev.Resource] = ev.ResourceSeq

		for _, id := range referenced(ev) {
			require.False(t, gone[id], "%s references destroyed window %d", ev, id)
			if ev.Kind == events.WindowCreated {
				require.False(t, known[id], "window %d created twice", id)
				known[id] = true
				continue
			}
			require.True(t, known[id], "%s references window %d before its creation", ev, id)
		}
		if ev.Kind == events.WindowDestroyed {
			gone[ev.Window] = true
			delete(resSeq, ev.Resource)
		}
	}

	var want, got []platform.WindowID
	for _, ids := range alive {
		want = append(want, ids...)
	}
	for _, w := range h.reg.AllWindows() {
		got = append(got, w.ID())
	}
	assert.ElementsMatch(t, want, got)
	require.NoError(t, h.reg.CheckInvariant())
}

func referenced(ev events.Event) []platform.WindowID {
	var ids []platform.WindowID
	if ev.Window != 0 {
		ids = append(ids, ev.Window)
	}
	if ev.Attribute.ReferencesWindow() {
		if id, _ := ev.New.(platform.WindowID); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestInjectAppliesDrift(t *testing.T) {
	a := platformtest.New()
	a.AddApplication(1, "one")
	a.AddApplication(2, "two")
	a.AddWindow(1, 10, "a", rect)
	h := newHarness(t, a, Options{})
	ctx := context.Background()

	a.AddWindow(1, 11, "missed", rect)
	require.NoError(t, h.engine.Inject(ctx, 1, created(11)))
	// the adapter now reports 10 under another process
	require.NoError(t, h.engine.Inject(ctx, 2, created(10)))
	h.bus.Flush()

	evs := h.take()
	require.Equal(t, []events.Kind{events.WindowCreated, events.WindowOwnerChanged}, kinds(evs))
	assert.Equal(t, 1, evs[1].Old)
	assert.Equal(t, 2, evs[1].New)
	w, _ := h.reg.LookupWindow(10)
	assert.Equal(t, 2, w.Owner())

	h.engine.Stop()
	assert.ErrorIs(t, h.engine.Inject(ctx, 1, created(12)), ErrStopped)
}
