package x11

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"

	"github.com/1broseidon/winsync/internal/platform"
)

const (
	stateRemove = 0
	stateAdd    = 1

	stateHidden     = "_NET_WM_STATE_HIDDEN"
	stateFullscreen = "_NET_WM_STATE_FULLSCREEN"
	stateMaxHorz    = "_NET_WM_STATE_MAXIMIZED_HORZ"
	stateMaxVert    = "_NET_WM_STATE_MAXIMIZED_VERT"
)

// MoveResizeWindow moves and resizes a window to the specified geometry
func (c *Connection) MoveResizeWindow(windowID xproto.Window, r platform.Rect) error {
	// A maximized window ignores geometry requests on most window managers.
	c.unmaximizeWindow(windowID)

	if err := ewmh.MoveresizeWindow(c.XUtil, windowID, r.X, r.Y, r.Width, r.Height); err != nil {
		// Fallback to direct window manipulation
		xwindow.New(c.XUtil, windowID).MoveResize(r.X, r.Y, r.Width, r.Height)
	}
	return nil
}

func (c *Connection) unmaximizeWindow(windowID xproto.Window) {
	states, err := ewmh.WmStateGet(c.XUtil, windowID)
	if err != nil {
		return
	}
	for _, s := range []string{stateMaxHorz, stateMaxVert} {
		if slices.Contains(states, s) {
			ewmh.WmStateReq(c.XUtil, windowID, stateRemove, s)
		}
	}
}

// WindowFrame returns a window's geometry in root coordinates.
func (c *Connection) WindowFrame(windowID xproto.Window) (platform.Rect, error) {
	geom, err := xproto.GetGeometry(c.XUtil.Conn(), xproto.Drawable(windowID)).Reply()
	if err != nil {
		return platform.Rect{}, err
	}
	translate, err := xproto.TranslateCoordinates(c.XUtil.Conn(), windowID, c.Root, 0, 0).Reply()
	if err != nil {
		return platform.Rect{}, err
	}
	return platform.Rect{
		X:      int(translate.DstX),
		Y:      int(translate.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}, nil
}

// WindowTitle prefers _NET_WM_NAME and falls back to WM_NAME.
func (c *Connection) WindowTitle(windowID xproto.Window) (string, error) {
	title, err := ewmh.WmNameGet(c.XUtil, windowID)
	if err == nil {
		if title = strings.TrimSpace(title); title != "" {
			return title, nil
		}
	}
	title, err = icccm.WmNameGet(c.XUtil, windowID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(title), nil
}

// WindowClass returns the WM_CLASS class name.
func (c *Connection) WindowClass(windowID xproto.Window) (string, error) {
	wmClass, err := icccm.WmClassGet(c.XUtil, windowID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(wmClass.Class), nil
}

// WindowStates returns the _NET_WM_STATE atoms set on a window. A window
// without the property has no states.
func (c *Connection) WindowStates(windowID xproto.Window) []string {
	states, err := ewmh.WmStateGet(c.XUtil, windowID)
	if err != nil {
		return nil
	}
	return states
}

// Viewable reports whether the window is mapped and all its ancestors are.
func (c *Connection) Viewable(windowID xproto.Window) (bool, error) {
	attrs, err := xproto.GetWindowAttributes(c.XUtil.Conn(), windowID).Reply()
	if err != nil {
		return false, err
	}
	return attrs.MapState == xproto.MapStateViewable, nil
}

// SetFullscreen adds or removes _NET_WM_STATE_FULLSCREEN.
func (c *Connection) SetFullscreen(windowID xproto.Window, on bool) error {
	action := stateRemove
	if on {
		action = stateAdd
	}
	return ewmh.WmStateReq(c.XUtil, windowID, action, stateFullscreen)
}

// Minimize iconifies a window via WM_CHANGE_STATE.
func (c *Connection) Minimize(windowID xproto.Window) error {
	const iconicState = 3
	if err := c.sendRootMessage(windowID, "WM_CHANGE_STATE", iconicState); err != nil {
		return fmt.Errorf("minimize window %d: %w", windowID, err)
	}
	return nil
}

// IsNormalWindow checks if a window is a normal application window
func (c *Connection) IsNormalWindow(windowID xproto.Window) bool {
	types, err := ewmh.WmWindowTypeGet(c.XUtil, windowID)
	if err != nil {
		// If we can't determine type, assume it's normal
		return true
	}
	for _, t := range types {
		switch t {
		case "_NET_WM_WINDOW_TYPE_NORMAL", "_NET_WM_WINDOW_TYPE_DIALOG":
			return true
		case "_NET_WM_WINDOW_TYPE_DESKTOP",
			"_NET_WM_WINDOW_TYPE_DOCK",
			"_NET_WM_WINDOW_TYPE_SPLASH",
			"_NET_WM_WINDOW_TYPE_NOTIFICATION":
			return false
		}
	}
	return len(types) == 0
}
