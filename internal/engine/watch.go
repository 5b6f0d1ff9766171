package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1broseidon/winsync/internal/metrics"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
)

// appWatcher consumes one application's notification stream.
type appWatcher struct {
	e      *Engine
	pid    int
	ctx    context.Context
	cancel context.CancelFunc
	stream <-chan platform.RawNotification
	seq    *sequencer
}

func (e *Engine) newAppWatcher(pid int) *appWatcher {
	ctx, cancel := context.WithCancel(e.ctx)
	return &appWatcher{
		e:      e,
		pid:    pid,
		ctx:    ctx,
		cancel: cancel,
		seq:    newSequencer(e.window),
	}
}

// prepare subscribes to the application and reads its current state.
// Subscribing first means nothing that happens during the read is lost;
// it is buffered in the stream until consume starts.
func (w *appWatcher) prepare() (preparedApp, error) {
	e := w.e
	res := platform.ApplicationResource(w.pid)

	subCtx, cancel := context.WithTimeout(w.ctx, e.subscribeTimeout)
	defer cancel()
	stream, err := subscribe(subCtx, w.ctx, e.adapter, res, platform.ApplicationNotifications)
	if err != nil {
		return preparedApp{}, err
	}
	w.stream = stream

	app, err := e.readApplication(w.ctx, w.pid)
	if err != nil {
		return preparedApp{}, err
	}
	return app, nil
}

// subscribe bounds the Subscribe call by setupCtx while tying the stream's
// lifetime to streamCtx.
func subscribe(setupCtx, streamCtx context.Context, a platform.Adapter, res platform.Resource, kinds []platform.NotificationKind) (<-chan platform.RawNotification, error) {
	type result struct {
		ch  <-chan platform.RawNotification
		err error
	}
	out := make(chan result, 1)
	go func() {
		ch, err := a.Subscribe(streamCtx, res, kinds)
		out <- result{ch, err}
	}()
	select {
	case r := <-out:
		return r.ch, r.err
	case <-setupCtx.Done():
		return nil, platform.NewAdapterError(platform.ErrTimeout, res, "", setupCtx.Err())
	}
}

func (w *appWatcher) consume() {
	defer w.e.watchWG.Done()
	e := w.e
	for {
		var timer *time.Timer
		var fire <-chan time.Time
		if d, ok := w.seq.deadline(); ok {
			timer = time.NewTimer(time.Until(d))
			fire = timer.C
		}

		select {
		case <-w.ctx.Done():
			stopTimer(timer)
			return
		case n, ok := <-w.stream:
			stopTimer(timer)
			if !ok {
				if w.ctx.Err() == nil {
					e.logger.Info("application stream closed, treating as terminated", "pid", w.pid)
					_ = e.submit([]step{{kind: stepTerminate, pid: w.pid}})
				}
				return
			}
			e.received.Add(1)
			e.metrics.NotificationReceived(n.Kind.String())
			ready, stale := w.seq.push(n, time.Now())
			if stale {
				e.metrics.NotificationDropped(metrics.DropStale)
				e.handled.Add(1)
			}
			w.process(ready)
		case now := <-fire:
			w.process(w.seq.expire(now))
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// process handles released notifications in order. Once the watcher is
// cancelled the rest are abandoned but still counted as handled.
func (w *appWatcher) process(ready []platform.RawNotification) {
	for i, n := range ready {
		if w.ctx.Err() != nil {
			w.e.handled.Add(uint64(len(ready) - i))
			return
		}
		steps := w.e.prepare(w.ctx, w.pid, n)
		if n.Kind == platform.NotifyWindowDestroyed {
			w.seq.forget(n.Resource)
		}
		if len(steps) > 0 {
			_ = w.e.submit(steps)
		}
		w.e.handled.Add(1)
	}
}

// prepare turns one raw notification into actor steps, doing whatever
// adapter reads it needs. pid is the application whose stream delivered n,
// or 0 for the global stream.
func (e *Engine) prepare(ctx context.Context, pid int, n platform.RawNotification) []step {
	switch n.Kind {
	case platform.NotifyWindowCreated:
		if n.Resource.Kind != platform.ResourceWindow || pid == 0 {
			break
		}
		id := n.Resource.Window()
		if w, ok := e.reg.LookupWindow(id); ok && w.Owner() == pid {
			e.drop(metrics.DropDuplicate, n, "window", id)
			return nil
		}
		if e.handles.window(id) == handleIgnored {
			e.drop(metrics.DropIgnored, n, "window", id)
			return nil
		}
		return e.backfill(ctx, pid, id, n, true, false)

	case platform.NotifyWindowDestroyed:
		if n.Resource.Kind != platform.ResourceWindow {
			break
		}
		return []step{{kind: stepDestroyWindow, window: n.Resource.Window(), raw: n}}

	case platform.NotifyApplicationLaunched:
		if n.Resource.Kind != platform.ResourceApplication {
			break
		}
		e.requestLaunch(n.Resource.PID())
		return nil

	case platform.NotifyApplicationTerminated:
		if n.Resource.Kind != platform.ResourceApplication {
			break
		}
		return []step{{kind: stepTerminate, pid: n.Resource.PID(), raw: n}}

	case platform.NotifyScreensChanged:
		screens, err := e.readScreens(ctx)
		if err != nil {
			e.drop(metrics.DropReadFailed, n, "error", err)
			return nil
		}
		return []step{{kind: stepScreens, screens: screens, raw: n}}

	case platform.NotifyAttributeChanged:
		return e.prepareAttribute(ctx, pid, n)
	}
	e.drop(metrics.DropUnhandled, n)
	return nil
}

func (e *Engine) prepareAttribute(ctx context.Context, pid int, n platform.RawNotification) []step {
	var steps []step

	if n.Resource.Kind == platform.ResourceWindow {
		id := n.Resource.Window()
		switch e.handles.window(id) {
		case handleDestroyed:
			e.drop(metrics.DropTombstoned, n, "window", id)
			return nil
		case handleIgnored:
			e.drop(metrics.DropIgnored, n, "window", id)
			return nil
		}
		if _, ok := e.reg.LookupWindow(id); !ok {
			if pid == 0 {
				e.drop(metrics.DropUnknownWindow, n, "window", id)
				return nil
			}
			steps = e.backfill(ctx, pid, id, n, false, true)
			if len(steps) == 0 || steps[0].kind != stepCreateWindow {
				return steps
			}
		}
	}

	value := n.Value
	if !n.HasValue {
		v, err := e.read(ctx, n.Resource, n.Attribute)
		if err != nil {
			e.drop(metrics.DropReadFailed, n, "error", err)
			return steps
		}
		value = v
	}

	if n.Attribute.ReferencesWindow() && n.Resource.Kind == platform.ResourceApplication {
		id, _ := value.(platform.WindowID)
		if id != 0 {
			if _, ok := e.reg.LookupWindow(id); !ok {
				switch e.handles.window(id) {
				case handleDestroyed:
					e.drop(metrics.DropTombstoned, n, "window", id)
					return steps
				case handleIgnored:
					e.drop(metrics.DropIgnored, n, "window", id)
					return steps
				}
				created := e.backfill(ctx, n.Resource.PID(), id, n, false, true)
				steps = append(steps, created...)
				if len(created) == 0 || created[0].kind != stepCreateWindow {
					return steps
				}
			}
		}
	}
	return append(steps, step{kind: stepAttribute, raw: n, value: value})
}

// backfill reads a window the model does not know yet and returns the step
// that admits it, or the step that records it as unwatchable.
func (e *Engine) backfill(ctx context.Context, pid int, id platform.WindowID, n platform.RawNotification, readmit, synthesized bool) []step {
	attrs, err := e.readWindow(ctx, id)
	switch {
	case err == nil:
		return []step{{
			kind:        stepCreateWindow,
			raw:         n,
			pid:         pid,
			window:      id,
			attrs:       attrs,
			readmit:     readmit,
			synthesized: synthesized,
		}}
	case platform.IsExpected(err):
		e.logger.Info("window backfill failed, excluding window", "window", id, "pid", pid, "error", err)
		return []step{{kind: stepIgnoreWindow, raw: n, pid: pid, window: id}}
	default:
		e.drop(metrics.DropReadFailed, n, "window", id, "error", err)
		return nil
	}
}

// requestLaunch asks the actor to start watching pid. The actor decides,
// so a launch racing a termination or a duplicate launch is resolved in
// event order.
func (e *Engine) requestLaunch(pid int) {
	var w *appWatcher
	accepted := make(chan bool, 1)
	if !e.do(func() {
		if _, ok := e.watchers[pid]; ok || e.handles.terminated(pid) {
			accepted <- false
			return
		}
		if _, ok := e.reg.LookupApplication(pid); ok {
			accepted <- false
			return
		}
		w = e.newAppWatcher(pid)
		e.watchers[pid] = w
		accepted <- true
	}) {
		return
	}
	if !<-accepted {
		e.logger.Debug("ignoring launch notification", "pid", pid)
		return
	}

	e.watchWG.Add(1)
	go func() {
		app, err := w.prepare()
		if err != nil {
			e.abandonLaunch(w, err)
			e.watchWG.Done()
			return
		}
		installed := make(chan bool, 1)
		if !e.do(func() {
			ok := e.install(app, w, false)
			if !ok {
				if e.watchers[pid] == w {
					delete(e.watchers, pid)
				}
				e.settleFrontmost(pid, false)
			}
			e.flush()
			installed <- ok
		}) || !<-installed {
			w.cancel()
			e.watchWG.Done()
			return
		}
		e.logger.Info("watching application", "pid", pid, "name", app.attrs.Name, "windows", len(app.windows))
		w.consume()
	}()
}

func (e *Engine) abandonLaunch(w *appWatcher, err error) {
	w.cancel()
	e.do(func() {
		if e.watchers[w.pid] == w {
			delete(e.watchers, w.pid)
		}
		e.settleFrontmost(w.pid, false)
		e.flush()
	})
	if platform.IsExpected(err) {
		e.logger.Info("application not watchable, excluding", "pid", w.pid, "error", err)
		return
	}
	if w.ctx.Err() == nil {
		e.logger.Warn("application setup failed", "pid", w.pid, "error", err)
	}
}

// consumeGlobal processes launch/terminate, frontmost and screen
// notifications.
func (e *Engine) consumeGlobal(stream <-chan platform.RawNotification) {
	defer e.watchWG.Done()
	seq := newSequencer(e.window)
	prune := time.NewTicker(e.handles.interval())
	defer prune.Stop()

	process := func(ready []platform.RawNotification) {
		for i, n := range ready {
			if e.ctx.Err() != nil {
				e.handled.Add(uint64(len(ready) - i))
				return
			}
			if steps := e.prepare(e.ctx, 0, n); len(steps) > 0 {
				_ = e.submit(steps)
			}
			e.handled.Add(1)
		}
	}

	for {
		var timer *time.Timer
		var fire <-chan time.Time
		if d, ok := seq.deadline(); ok {
			timer = time.NewTimer(time.Until(d))
			fire = timer.C
		}
		select {
		case <-e.ctx.Done():
			stopTimer(timer)
			return
		case n, ok := <-stream:
			stopTimer(timer)
			if !ok {
				if e.ctx.Err() == nil {
					e.logger.Warn("global notification stream closed")
				}
				return
			}
			e.received.Add(1)
			e.metrics.NotificationReceived(n.Kind.String())
			ready, stale := seq.push(n, time.Now())
			if stale {
				e.metrics.NotificationDropped(metrics.DropStale)
				e.handled.Add(1)
			}
			process(ready)
		case now := <-fire:
			process(seq.expire(now))
		case <-prune.C:
			stopTimer(timer)
			e.handles.prune()
		}
	}
}

type baseline struct {
	apps      []preparedApp
	watchers  map[int]*appWatcher
	screens   []preparedScreen
	frontmost int
	global    <-chan platform.RawNotification
}

// enumerate builds the baseline model. Applications are prepared
// concurrently; one that cannot be watched is left out.
func (e *Engine) enumerate(ctx context.Context) (*baseline, error) {
	b := &baseline{watchers: make(map[int]*appWatcher)}

	subCtx, cancel := context.WithTimeout(ctx, e.subscribeTimeout)
	global, err := subscribe(subCtx, e.ctx, e.adapter, platform.System, platform.SystemNotifications)
	cancel()
	switch {
	case err == nil:
		b.global = global
	case platform.IsExpected(err):
		e.logger.Info("global notifications unavailable, launches will not be tracked", "error", err)
	default:
		return nil, fmt.Errorf("subscribe to system notifications: %w", err)
	}

	raw, err := e.read(ctx, platform.System, platform.AttrApplications)
	if err != nil {
		return nil, fmt.Errorf("enumerate applications: %w", err)
	}
	pids, ok := raw.([]int)
	if !ok {
		return nil, fmt.Errorf("enumerate applications: unexpected %T", raw)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	prepared := make([]*preparedApp, len(pids))
	watchers := make([]*appWatcher, len(pids))
	for i, pid := range pids {
		g.Go(func() error {
			w := e.newAppWatcher(pid)
			stop := context.AfterFunc(gctx, w.cancel)
			defer stop()
			app, err := w.prepare()
			if err != nil {
				w.cancel()
				if platform.IsExpected(err) || errors.Is(err, platform.ErrTimeout) {
					e.logger.Info("application not watchable, excluding", "pid", pid, "error", err)
					return nil
				}
				return fmt.Errorf("prepare application %d: %w", pid, err)
			}
			prepared[i] = &app
			watchers[i] = w
			return nil
		})
	}
	g.Go(func() error {
		screens, err := e.readScreens(gctx)
		if err != nil {
			if platform.IsExpected(err) {
				e.logger.Info("screens unavailable", "error", err)
				return nil
			}
			return fmt.Errorf("enumerate screens: %w", err)
		}
		b.screens = screens
		return nil
	})
	g.Go(func() error {
		v, err := e.read(gctx, platform.System, platform.AttrFrontmostApplication)
		if err != nil {
			e.logger.Debug("frontmost application unavailable", "error", err)
			return nil
		}
		b.frontmost, _ = v.(int)
		return nil
	})
	if err := g.Wait(); err != nil {
		for _, w := range watchers {
			if w != nil {
				w.cancel()
			}
		}
		return nil, err
	}

	for i, p := range prepared {
		if p == nil {
			continue
		}
		b.apps = append(b.apps, *p)
		b.watchers[p.pid] = watchers[i]
	}
	return b, nil
}

// read performs one bounded adapter read.
func (e *Engine) read(ctx context.Context, res platform.Resource, attr platform.Attribute) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	v, err := e.adapter.ReadAttribute(ctx, res, attr)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, platform.ErrTimeout) {
		err = platform.NewAdapterError(platform.ErrTimeout, res, attr, err)
	}
	return v, err
}

func readAs[T any](ctx context.Context, e *Engine, res platform.Resource, attr platform.Attribute, optional bool) (T, error) {
	var zero T
	v, err := e.read(ctx, res, attr)
	if err != nil {
		if optional && errors.Is(err, platform.ErrUnsupported) {
			return zero, nil
		}
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s/%s: unexpected value type %T", res, attr, v)
	}
	return t, nil
}

// readWindow reads every window attribute concurrently. The frame is
// required; a window without one cannot be modeled.
func (e *Engine) readWindow(ctx context.Context, id platform.WindowID) (model.WindowAttributes, error) {
	res := platform.WindowResource(id)
	var a model.WindowAttributes
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		a.Frame, err = readAs[platform.Rect](gctx, e, res, platform.AttrFrame, false)
		return err
	})
	g.Go(func() (err error) {
		a.Title, err = readAs[string](gctx, e, res, platform.AttrTitle, true)
		return err
	})
	g.Go(func() (err error) {
		a.Minimized, err = readAs[bool](gctx, e, res, platform.AttrMinimized, true)
		return err
	})
	g.Go(func() (err error) {
		a.Fullscreen, err = readAs[bool](gctx, e, res, platform.AttrFullscreen, true)
		return err
	})
	g.Go(func() (err error) {
		a.Main, err = readAs[bool](gctx, e, res, platform.AttrMain, true)
		return err
	})
	g.Go(func() (err error) {
		a.Visible, err = readAs[bool](gctx, e, res, platform.AttrVisible, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.WindowAttributes{}, err
	}
	return a, nil
}

// readApplication reads an application's attributes and backfills each of
// its windows. Windows that cannot be read are left out.
func (e *Engine) readApplication(ctx context.Context, pid int) (preparedApp, error) {
	res := platform.ApplicationResource(pid)
	p := preparedApp{pid: pid}
	var ids []platform.WindowID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		p.attrs.Name, err = readAs[string](gctx, e, res, platform.AttrName, true)
		return err
	})
	g.Go(func() (err error) {
		p.attrs.MainWindow, err = readAs[platform.WindowID](gctx, e, res, platform.AttrMainWindow, true)
		return err
	})
	g.Go(func() (err error) {
		p.attrs.FocusedWindow, err = readAs[platform.WindowID](gctx, e, res, platform.AttrFocusedWindow, true)
		return err
	})
	g.Go(func() (err error) {
		p.attrs.Hidden, err = readAs[bool](gctx, e, res, platform.AttrHidden, true)
		return err
	})
	g.Go(func() (err error) {
		ids, err = readAs[[]platform.WindowID](gctx, e, res, platform.AttrWindows, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return preparedApp{}, err
	}

	windows := make([]*preparedWindow, len(ids))
	wg, wctx := errgroup.WithContext(ctx)
	wg.SetLimit(8)
	for i, id := range ids {
		wg.Go(func() error {
			attrs, err := e.readWindow(wctx, id)
			if err != nil {
				if platform.IsExpected(err) {
					e.handles.ignore(id)
				}
				e.logger.Debug("window skipped during enumeration", "window", id, "pid", pid, "error", err)
				return nil
			}
			windows[i] = &preparedWindow{id: id, attrs: attrs}
			return nil
		})
	}
	_ = wg.Wait()
	for _, w := range windows {
		if w != nil {
			p.windows = append(p.windows, *w)
		}
	}
	return p, nil
}

// readScreens enumerates displays and their geometry.
func (e *Engine) readScreens(ctx context.Context) ([]preparedScreen, error) {
	ids, err := readAs[[]platform.ScreenID](ctx, e, platform.System, platform.AttrScreens, false)
	if err != nil {
		return nil, err
	}
	out := make([]preparedScreen, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			res := platform.ScreenResource(id)
			var a model.ScreenAttributes
			var err error
			if a.Name, err = readAs[string](gctx, e, res, platform.AttrScreenName, true); err != nil {
				return err
			}
			if a.Frame, err = readAs[platform.Rect](gctx, e, res, platform.AttrScreenFrame, false); err != nil {
				return err
			}
			if a.VisibleFrame, err = readAs[platform.Rect](gctx, e, res, platform.AttrVisibleFrame, true); err != nil {
				return err
			}
			if a.VisibleFrame.Empty() {
				a.VisibleFrame = a.Frame
			}
			out[i] = preparedScreen{id: id, attrs: a}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
