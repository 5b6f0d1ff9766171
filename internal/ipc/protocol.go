package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
)

// CommandType represents different IPC command types
type CommandType string

const (
	CommandReload           CommandType = "RELOAD"
	CommandGetStatus        CommandType = "GET_STATUS"
	CommandListWindows      CommandType = "LIST_WINDOWS"
	CommandListApplications CommandType = "LIST_APPLICATIONS"
	CommandListScreens      CommandType = "LIST_SCREENS"
	CommandSetFrame         CommandType = "SET_FRAME"
	CommandFocusWindow      CommandType = "FOCUS_WINDOW"
	// CommandSubscribe answers OK and then streams one Event per line until
	// the client disconnects.
	CommandSubscribe CommandType = "SUBSCRIBE"
)

// Request represents an IPC request from client to server
type Request struct {
	Command CommandType     `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response represents an IPC response from server to client
type Response struct {
	Status string          `json:"status"` // "OK" or "ERROR"
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusData represents the data returned by GET_STATUS
type StatusData struct {
	Session       string    `json:"session"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Windows       int       `json:"windows"`
	Applications  int       `json:"applications"`
	Screens       int       `json:"screens"`
	Frontmost     int       `json:"frontmost_pid"`
	Received      uint64    `json:"notifications_received"`
	Handled       uint64    `json:"notifications_handled"`
	PendingWrites int       `json:"pending_writes"`
	DaemonRunning bool      `json:"daemon_running"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func rectOf(r platform.Rect) Rect {
	return Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// Platform converts back to the adapter representation.
func (r Rect) Platform() platform.Rect {
	return platform.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

type WindowInfo struct {
	ID         uint32 `json:"id"`
	PID        int    `json:"pid"`
	Title      string `json:"title"`
	Frame      Rect   `json:"frame"`
	Minimized  bool   `json:"minimized"`
	Fullscreen bool   `json:"fullscreen"`
	Main       bool   `json:"main"`
	Visible    bool   `json:"visible"`
	// Screen is the screen showing most of the window, -1 when none.
	Screen int `json:"screen"`
}

type WindowsData struct {
	Windows []WindowInfo `json:"windows"`
}

type ApplicationInfo struct {
	PID           int      `json:"pid"`
	Name          string   `json:"name"`
	MainWindow    uint32   `json:"main_window"`
	FocusedWindow uint32   `json:"focused_window"`
	Hidden        bool     `json:"hidden"`
	Frontmost     bool     `json:"frontmost"`
	Windows       []uint32 `json:"windows"`
}

type ApplicationsData struct {
	Applications []ApplicationInfo `json:"applications"`
}

type ScreenInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Frame   Rect   `json:"frame"`
	Visible Rect   `json:"visible_frame"`
}

type ScreensData struct {
	Screens []ScreenInfo `json:"screens"`
}

type SetFramePayload struct {
	Window uint32 `json:"window"`
	Frame  Rect   `json:"frame"`
}

type FocusWindowPayload struct {
	Window uint32 `json:"window"`
}

// SubscribePayload filters the stream by event kind name; empty means all.
type SubscribePayload struct {
	Kinds []string `json:"kinds,omitempty"`
}

// Event is the wire form of a normalized change.
type Event struct {
	Seq         uint64 `json:"seq"`
	ResourceSeq uint64 `json:"resource_seq"`
	Kind        string `json:"kind"`
	Resource    string `json:"resource"`
	Window      uint32 `json:"window,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Screen      int    `json:"screen,omitempty"`
	Attribute   string `json:"attribute,omitempty"`
	Old         any    `json:"old,omitempty"`
	New         any    `json:"new,omitempty"`
	Origin      string `json:"origin"`
}

func eventOf(e events.Event) Event {
	return Event{
		Seq:         e.Seq,
		ResourceSeq: e.ResourceSeq,
		Kind:        e.Kind.String(),
		Resource:    e.Resource.String(),
		Window:      uint32(e.Window),
		PID:         e.PID,
		Screen:      int(e.Screen),
		Attribute:   string(e.Attribute),
		Old:         wireValue(e.Old),
		New:         wireValue(e.New),
		Origin:      e.Origin.String(),
	}
}

func wireValue(v any) any {
	switch v := v.(type) {
	case platform.Rect:
		return rectOf(v)
	case platform.WindowID:
		return uint32(v)
	case platform.ScreenID:
		return int(v)
	case model.WindowAttributes:
		return map[string]any{
			"frame": rectOf(v.Frame), "title": v.Title, "minimized": v.Minimized,
			"fullscreen": v.Fullscreen, "main": v.Main, "visible": v.Visible,
		}
	case model.ApplicationAttributes:
		return map[string]any{
			"name": v.Name, "main_window": uint32(v.MainWindow),
			"focused_window": uint32(v.FocusedWindow), "hidden": v.Hidden,
		}
	case model.ScreenAttributes:
		return ScreenInfo{Name: v.Name, Frame: rectOf(v.Frame), Visible: rectOf(v.VisibleFrame)}
	}
	return v
}

// NewOKResponse creates a successful response with optional data
func NewOKResponse(data any) (*Response, error) {
	var dataBytes json.RawMessage
	if data != nil {
		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response data: %w", err)
		}
		dataBytes = bytes
	}

	return &Response{
		Status: "OK",
		Data:   dataBytes,
	}, nil
}

// NewErrorResponse creates an error response with a message
func NewErrorResponse(errMsg string) *Response {
	return &Response{
		Status: "ERROR",
		Error:  errMsg,
	}
}

// ParseRequest parses a request from JSON bytes
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return &req, nil
}

// Marshal converts a response to JSON bytes
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
