// Package events defines the normalized change events and the bus that
// delivers them to subscribers.
package events

import (
	"fmt"

	"github.com/1broseidon/winsync/internal/platform"
)

// Kind is the closed set of normalized event kinds.
type Kind uint8

const (
	WindowCreated Kind = iota + 1
	WindowDestroyed
	WindowFrameChanged
	WindowTitleChanged
	WindowMinimizedChanged
	WindowFullscreenChanged
	WindowMainChanged
	WindowVisibleChanged
	WindowOwnerChanged
	ApplicationLaunched
	ApplicationTerminated
	ApplicationNameChanged
	ApplicationMainWindowChanged
	ApplicationFocusedWindowChanged
	ApplicationHiddenChanged
	FrontmostApplicationChanged
	ScreenAdded
	ScreenRemoved
	ScreenChanged

	kindCount
)

var kindNames = [kindCount]string{
	WindowCreated:                   "window_created",
	WindowDestroyed:                 "window_destroyed",
	WindowFrameChanged:              "window_frame_changed",
	WindowTitleChanged:              "window_title_changed",
	WindowMinimizedChanged:          "window_minimized_changed",
	WindowFullscreenChanged:         "window_fullscreen_changed",
	WindowMainChanged:               "window_main_changed",
	WindowVisibleChanged:            "window_visible_changed",
	WindowOwnerChanged:              "window_owner_changed",
	ApplicationLaunched:             "application_launched",
	ApplicationTerminated:           "application_terminated",
	ApplicationNameChanged:          "application_name_changed",
	ApplicationMainWindowChanged:    "application_main_window_changed",
	ApplicationFocusedWindowChanged: "application_focused_window_changed",
	ApplicationHiddenChanged:        "application_hidden_changed",
	FrontmostApplicationChanged:     "frontmost_application_changed",
	ScreenAdded:                     "screen_added",
	ScreenRemoved:                   "screen_removed",
	ScreenChanged:                   "screen_changed",
}

func (k Kind) String() string {
	if k == 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Kinds returns every event kind.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := WindowCreated; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := WindowCreated; k < kindCount; k++ {
		if kindNames[k] == s {
			return k, true
		}
	}
	return 0, false
}

// ForAttribute maps an attribute change to its event kind.
func ForAttribute(kind platform.ResourceKind, attr platform.Attribute) (Kind, bool) {
	switch kind {
	case platform.ResourceWindow:
		switch attr {
		case platform.AttrFrame:
			return WindowFrameChanged, true
		case platform.AttrTitle:
			return WindowTitleChanged, true
		case platform.AttrMinimized:
			return WindowMinimizedChanged, true
		case platform.AttrFullscreen:
			return WindowFullscreenChanged, true
		case platform.AttrMain:
			return WindowMainChanged, true
		case platform.AttrVisible:
			return WindowVisibleChanged, true
		}
	case platform.ResourceApplication:
		switch attr {
		case platform.AttrName:
			return ApplicationNameChanged, true
		case platform.AttrMainWindow:
			return ApplicationMainWindowChanged, true
		case platform.AttrFocusedWindow:
			return ApplicationFocusedWindowChanged, true
		case platform.AttrHidden:
			return ApplicationHiddenChanged, true
		}
	case platform.ResourceSystem:
		if attr == platform.AttrFrontmostApplication {
			return FrontmostApplicationChanged, true
		}
	case platform.ResourceScreen:
		switch attr {
		case platform.AttrScreenName, platform.AttrScreenFrame, platform.AttrVisibleFrame:
			return ScreenChanged, true
		}
	}
	return 0, false
}

// Origin says whether a change was caused by this process.
type Origin uint8

const (
	External Origin = iota
	Internal
)

func (o Origin) String() string {
	if o == Internal {
		return "internal"
	}
	return "external"
}

// Event is one normalized change. Events are values; handlers must not
// modify Old or New when those hold reference types.
type Event struct {
	// Seq is the global emission order.
	Seq uint64
	// ResourceSeq is the position among events for Resource.
	ResourceSeq uint64
	Kind        Kind
	Resource    platform.Resource
	Window      platform.WindowID
	PID         int
	Screen      platform.ScreenID
	Attribute   platform.Attribute
	Old         any
	New         any
	Origin      Origin
}

// References reports whether e mentions window id as its subject or as
// the new attribute value.
func (e Event) References(id platform.WindowID) bool {
	if id == 0 {
		return false
	}
	if e.Window == id {
		return true
	}
	if e.Attribute.ReferencesWindow() {
		n, _ := e.New.(platform.WindowID)
		return n == id
	}
	return false
}

func (e Event) String() string {
	switch {
	case e.Attribute != "":
		return fmt.Sprintf("#%d %s %s %s: %v -> %v (%s)", e.Seq, e.Kind, e.Resource, e.Attribute, e.Old, e.New, e.Origin)
	default:
		return fmt.Sprintf("#%d %s %s (%s)", e.Seq, e.Kind, e.Resource, e.Origin)
	}
}
