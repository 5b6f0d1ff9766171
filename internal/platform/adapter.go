package platform

import "context"

// Attribute names one readable or writable attribute of a resource.
type Attribute string

// Window attributes.
const (
	AttrFrame      Attribute = "frame"      // Rect
	AttrTitle      Attribute = "title"      // string
	AttrMinimized  Attribute = "minimized"  // bool
	AttrFullscreen Attribute = "fullscreen" // bool
	AttrMain       Attribute = "main"       // bool
	AttrVisible    Attribute = "visible"    // bool
)

// Application attributes.
const (
	AttrName          Attribute = "name"           // string
	AttrMainWindow    Attribute = "main_window"    // WindowID, 0 for none
	AttrFocusedWindow Attribute = "focused_window" // WindowID, 0 for none
	AttrHidden        Attribute = "hidden"         // bool
	AttrWindows       Attribute = "windows"        // []WindowID, read-only enumeration
)

// System attributes.
const (
	AttrApplications         Attribute = "applications"          // []int, read-only enumeration
	AttrScreens              Attribute = "screens"               // []ScreenID, read-only enumeration
	AttrFrontmostApplication Attribute = "frontmost_application" // int pid, 0 for none
)

// Screen attributes.
const (
	AttrScreenName   Attribute = "screen_name"   // string
	AttrScreenFrame  Attribute = "screen_frame"  // Rect
	AttrVisibleFrame Attribute = "visible_frame" // Rect
)

// ReferencesWindow reports whether values of a reference a window handle.
func (a Attribute) ReferencesWindow() bool {
	return a == AttrMainWindow || a == AttrFocusedWindow
}

// NotificationKind classifies a raw notification.
type NotificationKind uint8

const (
	NotifyAttributeChanged NotificationKind = iota + 1
	NotifyWindowCreated
	NotifyWindowDestroyed
	NotifyApplicationLaunched
	NotifyApplicationTerminated
	NotifyScreensChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyAttributeChanged:
		return "attribute_changed"
	case NotifyWindowCreated:
		return "window_created"
	case NotifyWindowDestroyed:
		return "window_destroyed"
	case NotifyApplicationLaunched:
		return "application_launched"
	case NotifyApplicationTerminated:
		return "application_terminated"
	case NotifyScreensChanged:
		return "screens_changed"
	default:
		return "unknown"
	}
}

// ApplicationNotifications are the kinds requested on a per-application
// subscription.
var ApplicationNotifications = []NotificationKind{
	NotifyAttributeChanged,
	NotifyWindowCreated,
	NotifyWindowDestroyed,
}

// SystemNotifications are the kinds requested on the global subscription.
var SystemNotifications = []NotificationKind{
	NotifyAttributeChanged,
	NotifyApplicationLaunched,
	NotifyApplicationTerminated,
	NotifyScreensChanged,
}

// RawNotification is one unordered, possibly duplicated signal from the
// adapter.
//
// Resource is the entity the notification is about: a window for window
// lifecycle and window attributes, an application for application
// attributes and launch/terminate, the system for frontmost-application and
// screen-layout changes. Value is only meaningful when HasValue is set; a
// notification without a value asks the consumer to re-read the attribute.
// Sequence is an optional adapter-supplied ordering hint (0 = none); hints
// are only comparable within a single Resource.
type RawNotification struct {
	Resource  Resource
	Kind      NotificationKind
	Attribute Attribute
	Value     any
	HasValue  bool
	Sequence  uint64
}

// Adapter is the contract the core consumes to reach the external
// resources. All methods may block; callers bound them with ctx.
//
// Enumeration is expressed as reads: System/AttrApplications,
// ApplicationResource(pid)/AttrWindows and System/AttrScreens.
type Adapter interface {
	ReadAttribute(ctx context.Context, res Resource, attr Attribute) (any, error)
	WriteAttribute(ctx context.Context, res Resource, attr Attribute, value any) error
	// Subscribe starts delivering notifications for res. The channel is
	// closed when ctx is cancelled or the resource goes away. Resources that
	// cannot be watched fail with ErrUnsupported.
	Subscribe(ctx context.Context, res Resource, kinds []NotificationKind) (<-chan RawNotification, error)
}
