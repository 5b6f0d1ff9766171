package model

import (
	"sync/atomic"

	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/property"
)

// Lifecycle is the state of a Window or Application.
type Lifecycle int32

const (
	// LifecycleInitializing is a window that has been constructed but not
	// yet admitted to the registry.
	LifecycleInitializing Lifecycle = iota
	// LifecycleValid is a window in the registry, or an application being
	// watched.
	LifecycleValid
	// LifecycleInvalid is terminal.
	LifecycleInvalid
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleInitializing:
		return "initializing"
	case LifecycleValid:
		return "valid"
	case LifecycleInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// WindowAttributes is a full read of a window, used to construct it.
type WindowAttributes struct {
	Frame      platform.Rect
	Title      string
	Minimized  bool
	Fullscreen bool
	Main       bool
	Visible    bool
}

// Window is one on-screen window. Its owner is stored as a pid and resolved
// through the registry.
type Window struct {
	id    platform.WindowID
	owner atomic.Int64
	state atomic.Int32

	Frame      *property.Property[platform.Rect]
	Title      *property.Property[string]
	Minimized  *property.Property[bool]
	Fullscreen *property.Property[bool]
	Main       *property.Property[bool]
	Visible    *property.Property[bool]

	cells map[platform.Attribute]property.Cell
}

// NewWindow constructs an initializing window owned by pid.
func NewWindow(env *property.Env, id platform.WindowID, pid int, attrs WindowAttributes) *Window {
	res := platform.WindowResource(id)
	key := func(a platform.Attribute) property.Key { return property.Key{Resource: res, Attribute: a} }

	w := &Window{
		id:         id,
		Frame:      property.New(env, key(platform.AttrFrame), attrs.Frame),
		Title:      property.NewReadOnly(env, key(platform.AttrTitle), attrs.Title),
		Minimized:  property.New(env, key(platform.AttrMinimized), attrs.Minimized),
		Fullscreen: property.New(env, key(platform.AttrFullscreen), attrs.Fullscreen),
		Main:       property.New(env, key(platform.AttrMain), attrs.Main),
		Visible:    property.NewReadOnly(env, key(platform.AttrVisible), attrs.Visible),
	}
	w.owner.Store(int64(pid))
	w.cells = map[platform.Attribute]property.Cell{
		platform.AttrFrame:      w.Frame,
		platform.AttrTitle:      w.Title,
		platform.AttrMinimized:  w.Minimized,
		platform.AttrFullscreen: w.Fullscreen,
		platform.AttrMain:       w.Main,
		platform.AttrVisible:    w.Visible,
	}
	return w
}

func (w *Window) ID() platform.WindowID { return w.id }

// Owner returns the pid of the owning application.
func (w *Window) Owner() int { return int(w.owner.Load()) }

func (w *Window) State() Lifecycle { return Lifecycle(w.state.Load()) }

func (w *Window) Valid() bool { return w.State() == LifecycleValid }

// Cell returns the property backing attr.
func (w *Window) Cell(attr platform.Attribute) (property.Cell, bool) {
	c, ok := w.cells[attr]
	return c, ok
}

// Attributes returns the current visible values.
func (w *Window) Attributes() WindowAttributes {
	return WindowAttributes{
		Frame:      w.Frame.Get(),
		Title:      w.Title.Get(),
		Minimized:  w.Minimized.Get(),
		Fullscreen: w.Fullscreen.Get(),
		Main:       w.Main.Get(),
		Visible:    w.Visible.Get(),
	}
}

func (w *Window) invalidate() {
	w.state.Store(int32(LifecycleInvalid))
	for _, c := range w.cells {
		c.Invalidate()
	}
}

// ApplicationAttributes is a full read of an application.
type ApplicationAttributes struct {
	Name          string
	MainWindow    platform.WindowID
	FocusedWindow platform.WindowID
	Hidden        bool
}

// Application is a running process that owns windows.
type Application struct {
	pid   int
	state atomic.Int32

	Name          *property.Property[string]
	MainWindow    *property.Property[platform.WindowID]
	FocusedWindow *property.Property[platform.WindowID]
	Hidden        *property.Property[bool]

	cells map[platform.Attribute]property.Cell
}

// NewApplication constructs a watched application.
func NewApplication(env *property.Env, pid int, attrs ApplicationAttributes) *Application {
	res := platform.ApplicationResource(pid)
	key := func(a platform.Attribute) property.Key { return property.Key{Resource: res, Attribute: a} }

	app := &Application{
		pid:           pid,
		Name:          property.NewReadOnly(env, key(platform.AttrName), attrs.Name),
		MainWindow:    property.New(env, key(platform.AttrMainWindow), attrs.MainWindow),
		FocusedWindow: property.New(env, key(platform.AttrFocusedWindow), attrs.FocusedWindow),
		Hidden:        property.New(env, key(platform.AttrHidden), attrs.Hidden),
	}
	app.state.Store(int32(LifecycleValid))
	app.cells = map[platform.Attribute]property.Cell{
		platform.AttrName:          app.Name,
		platform.AttrMainWindow:    app.MainWindow,
		platform.AttrFocusedWindow: app.FocusedWindow,
		platform.AttrHidden:        app.Hidden,
	}
	return app
}

func (a *Application) PID() int { return a.pid }

func (a *Application) State() Lifecycle { return Lifecycle(a.state.Load()) }

func (a *Application) Valid() bool { return a.State() == LifecycleValid }

func (a *Application) Cell(attr platform.Attribute) (property.Cell, bool) {
	c, ok := a.cells[attr]
	return c, ok
}

func (a *Application) invalidate() {
	a.state.Store(int32(LifecycleInvalid))
	for _, c := range a.cells {
		c.Invalidate()
	}
}

// ScreenAttributes is a full read of a display.
type ScreenAttributes struct {
	Name         string
	Frame        platform.Rect
	VisibleFrame platform.Rect
}

// Screen is a physical display. Screens own no windows; see
// Registry.ScreenOf.
type Screen struct {
	id platform.ScreenID

	Name         *property.Property[string]
	Frame        *property.Property[platform.Rect]
	VisibleFrame *property.Property[platform.Rect]

	cells map[platform.Attribute]property.Cell
}

func NewScreen(env *property.Env, id platform.ScreenID, attrs ScreenAttributes) *Screen {
	res := platform.ScreenResource(id)
	key := func(a platform.Attribute) property.Key { return property.Key{Resource: res, Attribute: a} }
	s := &Screen{
		id:           id,
		Name:         property.NewReadOnly(env, key(platform.AttrScreenName), attrs.Name),
		Frame:        property.NewReadOnly(env, key(platform.AttrScreenFrame), attrs.Frame),
		VisibleFrame: property.NewReadOnly(env, key(platform.AttrVisibleFrame), attrs.VisibleFrame),
	}
	s.cells = map[platform.Attribute]property.Cell{
		platform.AttrScreenName:   s.Name,
		platform.AttrScreenFrame:  s.Frame,
		platform.AttrVisibleFrame: s.VisibleFrame,
	}
	return s
}

func (s *Screen) ID() platform.ScreenID { return s.id }

func (s *Screen) Cell(attr platform.Attribute) (property.Cell, bool) {
	c, ok := s.cells[attr]
	return c, ok
}

func (s *Screen) invalidate() {
	for _, c := range s.cells {
		c.Invalidate()
	}
}

// System holds process-wide attributes.
type System struct {
	FrontmostApplication *property.Property[int]
}

func NewSystem(env *property.Env, frontmost int) *System {
	return &System{
		FrontmostApplication: property.New(env, property.Key{Resource: platform.System, Attribute: platform.AttrFrontmostApplication}, frontmost),
	}
}

func (s *System) Cell(attr platform.Attribute) (property.Cell, bool) {
	if attr == platform.AttrFrontmostApplication {
		return s.FrontmostApplication, true
	}
	return nil, false
}
