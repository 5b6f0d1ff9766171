// Package mcp exposes the daemon's synchronized window model as Model
// Context Protocol tools. It talks to a running daemon over IPC.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1broseidon/winsync/internal/ipc"
)

const (
	ServerName    = "winsync"
	ServerVersion = "0.1.0"
)

// Daemon is the IPC surface the tools call. *ipc.Client implements it.
type Daemon interface {
	GetStatus() (*ipc.StatusData, error)
	ListWindows() ([]ipc.WindowInfo, error)
	ListApplications() ([]ipc.ApplicationInfo, error)
	ListScreens() ([]ipc.ScreenInfo, error)
	SetFrame(window uint32, frame ipc.Rect) error
	FocusWindow(window uint32) error
}

// Server is the MCP server for winsync.
type Server struct {
	mcpServer *mcpsdk.Server
	daemon    Daemon
}

// NewServer creates an MCP server whose tools are served by daemon.
func NewServer(daemon Daemon) *Server {
	s := &Server{daemon: daemon}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    ServerName,
			Version: ServerVersion,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport, blocking until done.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "get_status",
		Description: "Report the winsync daemon session: counts of tracked windows, applications and screens, the frontmost application pid, and notification totals.",
	}, s.handleGetStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_windows",
		Description: "List tracked windows with their frame, title, state flags, owning pid and the screen showing most of each window. Optional filters narrow by pid, screen or title.",
	}, s.handleListWindows)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_applications",
		Description: "List running applications with their main and focused window, hidden flag and window ids.",
	}, s.handleListApplications)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_screens",
		Description: "List screens with their full frame and the visible frame left after panels and docks.",
	}, s.handleListScreens)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "set_window_frame",
		Description: "Move and resize a window. Waits until the window manager accepts or rejects the change.",
	}, s.handleSetWindowFrame)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "focus_window",
		Description: "Activate a window and its application.",
	}, s.handleFocusWindow)
}
