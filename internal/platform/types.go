package platform

import "fmt"

// WindowID is a platform-neutral window identifier.
type WindowID uint32

// ScreenID identifies a physical display.
type ScreenID int

// Rect describes a rectangular region in screen coordinates.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Intersect returns the overlapping region of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x1 := max(r.X, o.X)
	y1 := max(r.Y, o.Y)
	x2 := min(r.X+r.Width, o.X+o.Width)
	y2 := min(r.Y+r.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Area returns width*height, or 0 for empty rects.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// ResourceKind distinguishes the kinds of external resources an adapter
// exposes.
type ResourceKind uint8

const (
	ResourceSystem ResourceKind = iota
	ResourceApplication
	ResourceWindow
	ResourceScreen
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceSystem:
		return "system"
	case ResourceApplication:
		return "application"
	case ResourceWindow:
		return "window"
	case ResourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Resource addresses one external resource. The zero value is the system
// resource (global notifications and enumeration).
type Resource struct {
	Kind ResourceKind
	ID   uint64
}

// System is the process-wide resource used for enumeration and global
// notifications.
var System = Resource{Kind: ResourceSystem}

// WindowResource returns the resource for a window handle.
func WindowResource(id WindowID) Resource {
	return Resource{Kind: ResourceWindow, ID: uint64(id)}
}

// ApplicationResource returns the resource for a process id.
func ApplicationResource(pid int) Resource {
	return Resource{Kind: ResourceApplication, ID: uint64(pid)}
}

// ScreenResource returns the resource for a display.
func ScreenResource(id ScreenID) Resource {
	return Resource{Kind: ResourceScreen, ID: uint64(id)}
}

// Window returns the window handle addressed by r. Only meaningful for
// window resources.
func (r Resource) Window() WindowID { return WindowID(r.ID) }

// PID returns the process id addressed by r. Only meaningful for application
// resources.
func (r Resource) PID() int { return int(r.ID) }

// Screen returns the display addressed by r.
func (r Resource) Screen() ScreenID { return ScreenID(r.ID) }

func (r Resource) String() string {
	if r.Kind == ResourceSystem {
		return "system"
	}
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}
