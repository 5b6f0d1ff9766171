package x11

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/1broseidon/winsync/internal/platform"
)

// Adapter exposes an EWMH desktop as a platform.Adapter.
//
// Applications are the _NET_WM_PID groups of _NET_CLIENT_LIST. Launch and
// termination are derived from client-list changes: a pid appears with its
// first managed window and disappears with its last.
type Adapter struct {
	conn   *Connection
	logger *slog.Logger

	mu      sync.Mutex
	clients map[xproto.Window]int
	order   []xproto.Window
	active  xproto.Window
	subs    map[platform.Resource][]*subscriber
	seq     map[platform.Resource]uint64

	loopOnce sync.Once
}

type subscriber struct {
	ch    chan platform.RawNotification
	kinds map[platform.NotificationKind]bool
}

const subscriberBuffer = 256

// NewAdapter wraps conn. Call Run to start delivering notifications.
func NewAdapter(conn *Connection, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		conn:    conn,
		logger:  logger,
		clients: make(map[xproto.Window]int),
		subs:    make(map[platform.Resource][]*subscriber),
		seq:     make(map[platform.Resource]uint64),
	}
	if err := a.listenRoot(); err != nil {
		return nil, err
	}
	if err := a.syncClients(); err != nil {
		return nil, err
	}
	a.active, _ = conn.ActiveWindow()
	return a, nil
}

// Run processes X events until ctx is done.
func (a *Adapter) Run(ctx context.Context) {
	a.loopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.conn.EventLoop()
		}()
		select {
		case <-ctx.Done():
			a.conn.Quit()
			<-done
		case <-done:
		}
	})
}

// call runs fn off the caller's goroutine so ctx can bound X requests,
// which have no cancellation of their own.
func call[T any](ctx context.Context, res platform.Resource, attr platform.Attribute, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	out := make(chan result, 1)
	go func() {
		v, err := fn()
		out <- result{v, err}
	}()
	select {
	case r := <-out:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, platform.NewAdapterError(platform.ErrTimeout, res, attr, ctx.Err())
	}
}

func (a *Adapter) ReadAttribute(ctx context.Context, res platform.Resource, attr platform.Attribute) (any, error) {
	return call(ctx, res, attr, func() (any, error) {
		switch res.Kind {
		case platform.ResourceSystem:
			return a.readSystem(res, attr)
		case platform.ResourceApplication:
			return a.readApplication(res, attr)
		case platform.ResourceWindow:
			return a.readWindow(res, attr)
		case platform.ResourceScreen:
			return a.readScreen(res, attr)
		}
		return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
	})
}

func (a *Adapter) readSystem(res platform.Resource, attr platform.Attribute) (any, error) {
	switch attr {
	case platform.AttrApplications:
		a.mu.Lock()
		defer a.mu.Unlock()
		var pids []int
		for _, w := range a.order {
			if pid := a.clients[w]; !slices.Contains(pids, pid) {
				pids = append(pids, pid)
			}
		}
		return pids, nil
	case platform.AttrScreens:
		monitors, err := a.conn.Monitors()
		if err != nil {
			return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, err)
		}
		ids := make([]platform.ScreenID, len(monitors))
		for i, m := range monitors {
			ids[i] = platform.ScreenID(m.ID)
		}
		return ids, nil
	case platform.AttrFrontmostApplication:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.clients[a.active], nil
	}
	return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
}

func (a *Adapter) readApplication(res platform.Resource, attr platform.Attribute) (any, error) {
	pid := res.PID()
	windows := a.windowsOf(pid)
	if len(windows) == 0 {
		return nil, platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
	}
	switch attr {
	case platform.AttrWindows:
		ids := make([]platform.WindowID, len(windows))
		for i, w := range windows {
			ids[i] = platform.WindowID(w)
		}
		return ids, nil
	case platform.AttrName:
		for _, w := range windows {
			if class, err := a.conn.WindowClass(w); err == nil && class != "" {
				return class, nil
			}
		}
		return "", nil
	case platform.AttrMainWindow:
		return platform.WindowID(a.mainWindow(pid, windows)), nil
	case platform.AttrFocusedWindow:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.clients[a.active] == pid {
			return platform.WindowID(a.active), nil
		}
		return platform.WindowID(0), nil
	case platform.AttrHidden:
		for _, w := range windows {
			if !slices.Contains(a.conn.WindowStates(w), stateHidden) {
				return false, nil
			}
		}
		return true, nil
	}
	return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
}

// mainWindow is the application's active window, else its oldest
// window.
func (a *Adapter) mainWindow(pid int, windows []xproto.Window) xproto.Window {
	a.mu.Lock()
	active := a.active
	owner := a.clients[active]
	a.mu.Unlock()
	if owner == pid {
		return active
	}
	return windows[0]
}

func (a *Adapter) readWindow(res platform.Resource, attr platform.Attribute) (any, error) {
	w := xproto.Window(res.Window())
	pid, ok := a.owner(w)
	if !ok {
		return nil, platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
	}
	invalid := func(err error) error {
		return platform.NewAdapterError(platform.ErrInvalid, res, attr, err)
	}
	switch attr {
	case platform.AttrFrame:
		r, err := a.conn.WindowFrame(w)
		if err != nil {
			return nil, invalid(err)
		}
		return r, nil
	case platform.AttrTitle:
		title, err := a.conn.WindowTitle(w)
		if err != nil {
			return "", nil
		}
		return title, nil
	case platform.AttrMinimized:
		return slices.Contains(a.conn.WindowStates(w), stateHidden), nil
	case platform.AttrFullscreen:
		return slices.Contains(a.conn.WindowStates(w), stateFullscreen), nil
	case platform.AttrMain:
		return a.mainWindow(pid, a.windowsOf(pid)) == w, nil
	case platform.AttrVisible:
		v, err := a.conn.Viewable(w)
		if err != nil {
			return nil, invalid(err)
		}
		return v, nil
	}
	return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
}

func (a *Adapter) readScreen(res platform.Resource, attr platform.Attribute) (any, error) {
	monitors, err := a.conn.Monitors()
	if err != nil {
		return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, err)
	}
	idx := slices.IndexFunc(monitors, func(m Monitor) bool { return platform.ScreenID(m.ID) == res.Screen() })
	if idx < 0 {
		return nil, platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
	}
	m := monitors[idx]
	switch attr {
	case platform.AttrScreenName:
		return m.Name, nil
	case platform.AttrScreenFrame:
		return m.Frame, nil
	case platform.AttrVisibleFrame:
		return m.Visible, nil
	}
	return nil, platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
}

var errValue = errors.New("unexpected value type")

// WriteAttribute requests a change from the window manager. Success means
// the request was sent; the change itself arrives as a notification.
func (a *Adapter) WriteAttribute(ctx context.Context, res platform.Resource, attr platform.Attribute, value any) error {
	_, err := call(ctx, res, attr, func() (struct{}, error) {
		return struct{}{}, a.write(res, attr, value)
	})
	return err
}

func (a *Adapter) write(res platform.Resource, attr platform.Attribute, value any) error {
	bad := func() error {
		return platform.NewAdapterError(platform.ErrUnsupported, res, attr, fmt.Errorf("%w %T", errValue, value))
	}
	switch res.Kind {
	case platform.ResourceWindow:
		w := xproto.Window(res.Window())
		if _, ok := a.owner(w); !ok {
			return platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
		}
		switch attr {
		case platform.AttrFrame:
			r, ok := value.(platform.Rect)
			if !ok {
				return bad()
			}
			return a.conn.MoveResizeWindow(w, r)
		case platform.AttrMinimized:
			on, ok := value.(bool)
			if !ok {
				return bad()
			}
			if on {
				return a.conn.Minimize(w)
			}
			return a.conn.FocusWindow(w)
		case platform.AttrFullscreen:
			on, ok := value.(bool)
			if !ok {
				return bad()
			}
			return a.conn.SetFullscreen(w, on)
		}
	case platform.ResourceApplication:
		pid := res.PID()
		windows := a.windowsOf(pid)
		if len(windows) == 0 {
			return platform.NewAdapterError(platform.ErrInvalid, res, attr, nil)
		}
		switch attr {
		case platform.AttrFocusedWindow, platform.AttrMainWindow:
			id, ok := value.(platform.WindowID)
			if !ok {
				return bad()
			}
			if !slices.Contains(windows, xproto.Window(id)) {
				return platform.NewAdapterError(platform.ErrInvalid, platform.WindowResource(id), attr, nil)
			}
			return a.conn.FocusWindow(xproto.Window(id))
		case platform.AttrHidden:
			hide, ok := value.(bool)
			if !ok {
				return bad()
			}
			for _, w := range windows {
				var err error
				if hide {
					err = a.conn.Minimize(w)
				} else {
					err = a.conn.FocusWindow(w)
				}
				if err != nil {
					return err
				}
			}
			return nil
		}
	case platform.ResourceSystem:
		if attr == platform.AttrFrontmostApplication {
			pid, ok := value.(int)
			if !ok {
				return bad()
			}
			windows := a.windowsOf(pid)
			if len(windows) == 0 {
				return platform.NewAdapterError(platform.ErrInvalid, platform.ApplicationResource(pid), attr, nil)
			}
			return a.conn.FocusWindow(a.mainWindow(pid, windows))
		}
	}
	return platform.NewAdapterError(platform.ErrUnsupported, res, attr, nil)
}

// Subscribe delivers notifications for the system resource or one
// application. Windows are reported on their application's subscription.
func (a *Adapter) Subscribe(ctx context.Context, res platform.Resource, kinds []platform.NotificationKind) (<-chan platform.RawNotification, error) {
	switch res.Kind {
	case platform.ResourceSystem:
	case platform.ResourceApplication:
		if len(a.windowsOf(res.PID())) == 0 {
			return nil, platform.NewAdapterError(platform.ErrInvalid, res, "", nil)
		}
	default:
		return nil, platform.NewAdapterError(platform.ErrUnsupported, res, "", nil)
	}

	s := &subscriber{
		ch:    make(chan platform.RawNotification, subscriberBuffer),
		kinds: make(map[platform.NotificationKind]bool, len(kinds)),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	a.mu.Lock()
	a.subs[res] = append(a.subs[res], s)
	a.mu.Unlock()

	context.AfterFunc(ctx, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.removeLocked(res, s)
	})
	return s.ch, nil
}

func (a *Adapter) removeLocked(res platform.Resource, s *subscriber) {
	subs := a.subs[res]
	i := slices.Index(subs, s)
	if i < 0 {
		return
	}
	a.subs[res] = slices.Delete(subs, i, i+1)
	if len(a.subs[res]) == 0 {
		delete(a.subs, res)
	}
	close(s.ch)
}

func (a *Adapter) owner(w xproto.Window) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid, ok := a.clients[w]
	return pid, ok
}

func (a *Adapter) windowsOf(pid int) []xproto.Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []xproto.Window
	for _, w := range a.order {
		if a.clients[w] == pid {
			out = append(out, w)
		}
	}
	return out
}

var _ platform.Adapter = (*Adapter)(nil)
