package x11

import (
	"fmt"
	"slices"

	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"

	"github.com/1broseidon/winsync/internal/platform"
)

// Monitor represents a physical display
type Monitor struct {
	ID      int
	Name    string
	Frame   platform.Rect
	Visible platform.Rect
}

// Monitors retrieves all active monitors using XRandR. Visible frames
// exclude dock struts, or the EWMH work area when no dock declares any.
func (c *Connection) Monitors() ([]Monitor, error) {
	if err := randr.Init(c.XUtil.Conn()); err != nil {
		return nil, fmt.Errorf("randr init failed: %w", err)
	}
	resources, err := randr.GetScreenResources(c.XUtil.Conn(), c.Root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	var monitors []Monitor
	for i, crtc := range resources.Crtcs {
		info, err := randr.GetCrtcInfo(c.XUtil.Conn(), crtc, resources.ConfigTimestamp).Reply()
		if err != nil {
			continue
		}
		// Skip disabled CRTCs
		if info.Width == 0 || info.Height == 0 || len(info.Outputs) == 0 {
			continue
		}
		name := fmt.Sprintf("Monitor%d", i)
		if out, err := randr.GetOutputInfo(c.XUtil.Conn(), info.Outputs[0], resources.ConfigTimestamp).Reply(); err == nil {
			name = string(out.Name)
		}
		frame := platform.Rect{X: int(info.X), Y: int(info.Y), Width: int(info.Width), Height: int(info.Height)}
		monitors = append(monitors, Monitor{ID: i, Name: name, Frame: frame, Visible: frame})
	}

	struts, _, ok := c.dockStruts()
	for i := range monitors {
		m := &monitors[i]
		if ok {
			m.Visible = visibleFrame(m.Frame, struts)
		} else if wa, ok := c.workArea(); ok {
			if v := m.Frame.Intersect(wa); !v.Empty() {
				m.Visible = v
			}
		}
	}
	return monitors, nil
}

// strut is a reserved screen-edge band in root coordinates.
type strut struct {
	band platform.Rect
	edge byte // 'l', 'r', 't', 'b'
}

func (c *Connection) dockStruts() ([]strut, platform.Rect, bool) {
	rootGeom, err := xproto.GetGeometry(c.XUtil.Conn(), xproto.Drawable(c.Root)).Reply()
	if err != nil {
		return nil, platform.Rect{}, false
	}
	root := platform.Rect{Width: int(rootGeom.Width), Height: int(rootGeom.Height)}

	clients, err := ewmh.ClientListGet(c.XUtil)
	if err != nil {
		return nil, root, false
	}

	var struts []strut
	for _, w := range clients {
		types, err := ewmh.WmWindowTypeGet(c.XUtil, w)
		if err != nil || !slices.Contains(types, "_NET_WM_WINDOW_TYPE_DOCK") {
			continue
		}
		if sp, err := ewmh.WmStrutPartialGet(c.XUtil, w); err == nil {
			struts = append(struts, strutBands(root, sp)...)
			continue
		}
		// Some docks only set _NET_WM_STRUT (no partial ranges).
		if s, err := ewmh.WmStrutGet(c.XUtil, w); err == nil {
			struts = append(struts, strutBands(root, &ewmh.WmStrutPartial{
				Left: s.Left, Right: s.Right, Top: s.Top, Bottom: s.Bottom,
				LeftEndY: uint(root.Height - 1), RightEndY: uint(root.Height - 1),
				TopEndX: uint(root.Width - 1), BottomEndX: uint(root.Width - 1),
			})...)
		}
	}
	return struts, root, len(struts) > 0
}

func strutBands(root platform.Rect, sp *ewmh.WmStrutPartial) []strut {
	var out []strut
	if sp.Top > 0 {
		out = append(out, strut{edge: 't', band: platform.Rect{
			X: int(sp.TopStartX), Width: int(sp.TopEndX) - int(sp.TopStartX) + 1, Height: int(sp.Top)}})
	}
	if sp.Bottom > 0 {
		out = append(out, strut{edge: 'b', band: platform.Rect{
			X: int(sp.BottomStartX), Y: root.Height - int(sp.Bottom),
			Width: int(sp.BottomEndX) - int(sp.BottomStartX) + 1, Height: int(sp.Bottom)}})
	}
	if sp.Left > 0 {
		out = append(out, strut{edge: 'l', band: platform.Rect{
			Y: int(sp.LeftStartY), Width: int(sp.Left), Height: int(sp.LeftEndY) - int(sp.LeftStartY) + 1}})
	}
	if sp.Right > 0 {
		out = append(out, strut{edge: 'r', band: platform.Rect{
			X: root.Width - int(sp.Right), Y: int(sp.RightStartY),
			Width: int(sp.Right), Height: int(sp.RightEndY) - int(sp.RightStartY) + 1}})
	}
	return out
}

// visibleFrame shrinks frame by the part of each strut band that overlaps
// it.
func visibleFrame(frame platform.Rect, struts []strut) platform.Rect {
	var left, right, top, bottom int
	for _, s := range struts {
		isect := frame.Intersect(s.band)
		if isect.Empty() {
			continue
		}
		switch s.edge {
		case 't':
			top = max(top, isect.Height)
		case 'b':
			bottom = max(bottom, isect.Height)
		case 'l':
			left = max(left, isect.Width)
		case 'r':
			right = max(right, isect.Width)
		}
	}
	return platform.Rect{
		X:      frame.X + left,
		Y:      frame.Y + top,
		Width:  max(frame.Width-left-right, 1),
		Height: max(frame.Height-top-bottom, 1),
	}
}

func (c *Connection) workArea() (platform.Rect, bool) {
	areas, err := ewmh.WorkareaGet(c.XUtil)
	if err != nil || len(areas) == 0 {
		return platform.Rect{}, false
	}
	idx := 0
	if d, err := ewmh.CurrentDesktopGet(c.XUtil); err == nil && int(d) < len(areas) {
		idx = int(d)
	}
	wa := areas[idx]
	return platform.Rect{X: int(wa.X), Y: int(wa.Y), Width: int(wa.Width), Height: int(wa.Height)}, true
}
