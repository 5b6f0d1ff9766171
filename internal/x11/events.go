package x11

import (
	"slices"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/xevent"
	"github.com/BurntSushi/xgbutil/xprop"
	"github.com/BurntSushi/xgbutil/xwindow"

	"github.com/1broseidon/winsync/internal/platform"
)

func (a *Adapter) listenRoot() error {
	xu := a.conn.XUtil
	if err := xwindow.New(xu, a.conn.Root).Listen(xproto.EventMaskPropertyChange, xproto.EventMaskStructureNotify); err != nil {
		return err
	}
	xevent.PropertyNotifyFun(func(xu *xgbutil.XUtil, ev xevent.PropertyNotifyEvent) {
		name, err := xprop.AtomName(xu, ev.Atom)
		if err != nil {
			return
		}
		switch name {
		case "_NET_CLIENT_LIST":
			a.clientListChanged()
		case "_NET_ACTIVE_WINDOW":
			a.activeChanged()
		case "_NET_WORKAREA":
			a.screensChanged()
		}
	}).Connect(xu, a.conn.Root)
	xevent.ConfigureNotifyFun(func(*xgbutil.XUtil, xevent.ConfigureNotifyEvent) {
		a.screensChanged()
	}).Connect(xu, a.conn.Root)
	return nil
}

// managed returns the client list filtered to normal windows that carry a
// pid, keyed to that pid.
func (a *Adapter) managed() ([]xproto.Window, map[xproto.Window]int, error) {
	list, err := a.conn.ClientList()
	if err != nil {
		return nil, nil, err
	}
	order := make([]xproto.Window, 0, len(list))
	owners := make(map[xproto.Window]int, len(list))
	for _, w := range list {
		if !a.conn.IsNormalWindow(w) {
			continue
		}
		pid, err := a.conn.WindowPID(w)
		if err != nil || pid <= 0 {
			continue
		}
		order = append(order, w)
		owners[w] = pid
	}
	return order, owners, nil
}

func (a *Adapter) syncClients() error {
	order, owners, err := a.managed()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.order = order
	a.clients = owners
	a.mu.Unlock()
	for _, w := range order {
		a.listenClient(w)
	}
	return nil
}

func (a *Adapter) listenClient(w xproto.Window) {
	xu := a.conn.XUtil
	if err := xwindow.New(xu, w).Listen(xproto.EventMaskPropertyChange, xproto.EventMaskStructureNotify); err != nil {
		a.logger.Debug("listen on client failed", "window", w, "error", err)
		return
	}
	xevent.PropertyNotifyFun(func(xu *xgbutil.XUtil, ev xevent.PropertyNotifyEvent) {
		name, err := xprop.AtomName(xu, ev.Atom)
		if err != nil {
			return
		}
		switch name {
		case "_NET_WM_NAME", "WM_NAME":
			a.windowChanged(w, platform.AttrTitle)
		case "_NET_WM_STATE":
			a.windowChanged(w, platform.AttrMinimized, platform.AttrFullscreen)
			a.applicationChanged(w, platform.AttrHidden)
		}
	}).Connect(xu, w)
	xevent.ConfigureNotifyFun(func(*xgbutil.XUtil, xevent.ConfigureNotifyEvent) {
		a.windowChanged(w, platform.AttrFrame)
	}).Connect(xu, w)
	xevent.DestroyNotifyFun(func(*xgbutil.XUtil, xevent.DestroyNotifyEvent) {
		a.clientListChanged()
	}).Connect(xu, w)
}

// clientListChanged diffs the managed set against the last one seen and
// reports the difference as window and application lifecycle changes.
func (a *Adapter) clientListChanged() {
	order, owners, err := a.managed()
	if err != nil {
		a.logger.Debug("client list unreadable", "error", err)
		return
	}

	a.mu.Lock()
	prev, prevOrder := a.clients, a.order
	a.clients, a.order = owners, order

	alive := make(map[int]bool)
	for _, pid := range owners {
		alive[pid] = true
	}
	known := make(map[int]bool)
	for _, pid := range prev {
		known[pid] = true
	}

	var added []xproto.Window
	for _, w := range order {
		if _, ok := prev[w]; ok {
			continue
		}
		added = append(added, w)
		pid := owners[w]
		if known[pid] {
			a.emitLocked(platform.ApplicationResource(pid), platform.RawNotification{
				Resource: platform.WindowResource(platform.WindowID(w)),
				Kind:     platform.NotifyWindowCreated,
			})
			continue
		}
		known[pid] = true
		a.emitLocked(platform.System, platform.RawNotification{
			Resource: platform.ApplicationResource(pid),
			Kind:     platform.NotifyApplicationLaunched,
		})
	}

	var removed []xproto.Window
	var ended []int
	for _, w := range prevOrder {
		if _, ok := owners[w]; ok {
			continue
		}
		removed = append(removed, w)
		pid := prev[w]
		res := platform.WindowResource(platform.WindowID(w))
		a.emitLocked(platform.ApplicationResource(pid), platform.RawNotification{
			Resource: res,
			Kind:     platform.NotifyWindowDestroyed,
		})
		delete(a.seq, res)
		if !alive[pid] && !slices.Contains(ended, pid) {
			ended = append(ended, pid)
		}
	}
	for _, pid := range ended {
		res := platform.ApplicationResource(pid)
		a.emitLocked(platform.System, platform.RawNotification{
			Resource: res,
			Kind:     platform.NotifyApplicationTerminated,
		})
		delete(a.seq, res)
	}
	a.mu.Unlock()

	for _, w := range removed {
		xevent.Detach(a.conn.XUtil, w)
	}
	for _, w := range added {
		a.listenClient(w)
	}
}

func (a *Adapter) activeChanged() {
	active, err := a.conn.ActiveWindow()
	if err != nil {
		active = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if active == a.active {
		return
	}
	oldPID, newPID := a.clients[a.active], a.clients[active]
	a.active = active

	for _, pid := range []int{oldPID, newPID} {
		if pid == 0 {
			continue
		}
		focused := platform.WindowID(0)
		if pid == newPID {
			focused = platform.WindowID(active)
		}
		app := platform.ApplicationResource(pid)
		a.emitLocked(app, platform.RawNotification{
			Resource:  app,
			Kind:      platform.NotifyAttributeChanged,
			Attribute: platform.AttrFocusedWindow,
			Value:     focused,
			HasValue:  true,
		})
		a.emitLocked(app, platform.RawNotification{
			Resource:  app,
			Kind:      platform.NotifyAttributeChanged,
			Attribute: platform.AttrMainWindow,
		})
		if oldPID == newPID {
			break
		}
	}
	if oldPID != newPID {
		a.emitLocked(platform.System, platform.RawNotification{
			Resource:  platform.System,
			Kind:      platform.NotifyAttributeChanged,
			Attribute: platform.AttrFrontmostApplication,
			Value:     newPID,
			HasValue:  true,
		})
	}
}

func (a *Adapter) screensChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(platform.System, platform.RawNotification{
		Resource: platform.System,
		Kind:     platform.NotifyScreensChanged,
	})
}

// windowChanged reports attributes without values; the reader fetches the
// current value, which keeps reports after coalesced X events accurate.
func (a *Adapter) windowChanged(w xproto.Window, attrs ...platform.Attribute) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid, ok := a.clients[w]
	if !ok {
		return
	}
	for _, attr := range attrs {
		a.emitLocked(platform.ApplicationResource(pid), platform.RawNotification{
			Resource:  platform.WindowResource(platform.WindowID(w)),
			Kind:      platform.NotifyAttributeChanged,
			Attribute: attr,
		})
	}
}

func (a *Adapter) applicationChanged(w xproto.Window, attr platform.Attribute) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid, ok := a.clients[w]
	if !ok {
		return
	}
	app := platform.ApplicationResource(pid)
	a.emitLocked(app, platform.RawNotification{
		Resource:  app,
		Kind:      platform.NotifyAttributeChanged,
		Attribute: attr,
	})
}

// emitLocked stamps n with the next sequence hint for its resource and
// offers it to every matching subscriber of target. A full subscriber
// loses the notification; the reconciler repairs the drift.
func (a *Adapter) emitLocked(target platform.Resource, n platform.RawNotification) {
	subs := a.subs[target]
	if len(subs) == 0 {
		return
	}
	a.seq[n.Resource]++
	n.Sequence = a.seq[n.Resource]
	for _, s := range subs {
		if !s.kinds[n.Kind] {
			continue
		}
		select {
		case s.ch <- n:
		default:
			a.logger.Warn("subscriber full, notification dropped",
				"resource", n.Resource.String(), "kind", n.Kind.String())
		}
	}
}
