package mcp

import "github.com/1broseidon/winsync/internal/ipc"

// GetStatusInput is the input for the get_status tool.
type GetStatusInput struct{}

// GetStatusOutput is the output for the get_status tool.
type GetStatusOutput struct {
	Session       string `json:"session"`
	StartedAt     string `json:"started_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Windows       int    `json:"windows"`
	Applications  int    `json:"applications"`
	Screens       int    `json:"screens"`
	Frontmost     int    `json:"frontmost_pid"`
	Received      uint64 `json:"notifications_received"`
	Handled       uint64 `json:"notifications_handled"`
	PendingWrites int    `json:"pending_writes"`
}

// ListWindowsInput is the input for the list_windows tool.
type ListWindowsInput struct {
	PID    int    `json:"pid,omitempty" jsonschema:"Only return windows owned by this process id"`
	Screen *int   `json:"screen,omitempty" jsonschema:"Only return windows mostly on this screen id"`
	Title  string `json:"title,omitempty" jsonschema:"Only return windows whose title contains this text (case-insensitive)"`
}

// ListWindowsOutput is the output for the list_windows tool.
type ListWindowsOutput struct {
	Windows []ipc.WindowInfo `json:"windows"`
}

// ListApplicationsInput is the input for the list_applications tool.
type ListApplicationsInput struct{}

// ListApplicationsOutput is the output for the list_applications tool.
type ListApplicationsOutput struct {
	Applications []ipc.ApplicationInfo `json:"applications"`
}

// ListScreensInput is the input for the list_screens tool.
type ListScreensInput struct{}

// ListScreensOutput is the output for the list_screens tool.
type ListScreensOutput struct {
	Screens []ipc.ScreenInfo `json:"screens"`
}

// SetWindowFrameInput is the input for the set_window_frame tool.
type SetWindowFrameInput struct {
	Window uint32 `json:"window" jsonschema:"Window id as reported by list_windows"`
	X      int    `json:"x" jsonschema:"Left edge in global screen coordinates"`
	Y      int    `json:"y" jsonschema:"Top edge in global screen coordinates"`
	Width  int    `json:"width" jsonschema:"Width in pixels, must be positive"`
	Height int    `json:"height" jsonschema:"Height in pixels, must be positive"`
}

// SetWindowFrameOutput is the output for the set_window_frame tool.
type SetWindowFrameOutput struct {
	Window uint32   `json:"window"`
	Frame  ipc.Rect `json:"frame"`
}

// FocusWindowInput is the input for the focus_window tool.
type FocusWindowInput struct {
	Window uint32 `json:"window" jsonschema:"Window id as reported by list_windows"`
}

// FocusWindowOutput is the output for the focus_window tool.
type FocusWindowOutput struct {
	Window  uint32 `json:"window"`
	Focused bool   `json:"focused"`
}
