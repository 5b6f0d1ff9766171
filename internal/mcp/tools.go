package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1broseidon/winsync/internal/ipc"
)

func (s *Server) handleGetStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ GetStatusInput) (*mcpsdk.CallToolResult, GetStatusOutput, error) {
	st, err := s.daemon.GetStatus()
	if err != nil {
		return nil, GetStatusOutput{}, err
	}
	return nil, GetStatusOutput{
		Session:       st.Session,
		StartedAt:     st.StartedAt.Format(time.RFC3339),
		UptimeSeconds: st.UptimeSeconds,
		Windows:       st.Windows,
		Applications:  st.Applications,
		Screens:       st.Screens,
		Frontmost:     st.Frontmost,
		Received:      st.Received,
		Handled:       st.Handled,
		PendingWrites: st.PendingWrites,
	}, nil
}

func (s *Server) handleListWindows(_ context.Context, _ *mcpsdk.CallToolRequest, args ListWindowsInput) (*mcpsdk.CallToolResult, ListWindowsOutput, error) {
	windows, err := s.daemon.ListWindows()
	if err != nil {
		return nil, ListWindowsOutput{}, err
	}
	title := strings.ToLower(args.Title)
	out := ListWindowsOutput{Windows: []ipc.WindowInfo{}}
	for _, w := range windows {
		if args.PID != 0 && w.PID != args.PID {
			continue
		}
		if args.Screen != nil && w.Screen != *args.Screen {
			continue
		}
		if title != "" && !strings.Contains(strings.ToLower(w.Title), title) {
			continue
		}
		out.Windows = append(out.Windows, w)
	}
	return nil, out, nil
}

func (s *Server) handleListApplications(_ context.Context, _ *mcpsdk.CallToolRequest, _ ListApplicationsInput) (*mcpsdk.CallToolResult, ListApplicationsOutput, error) {
	apps, err := s.daemon.ListApplications()
	if err != nil {
		return nil, ListApplicationsOutput{}, err
	}
	if apps == nil {
		apps = []ipc.ApplicationInfo{}
	}
	return nil, ListApplicationsOutput{Applications: apps}, nil
}

func (s *Server) handleListScreens(_ context.Context, _ *mcpsdk.CallToolRequest, _ ListScreensInput) (*mcpsdk.CallToolResult, ListScreensOutput, error) {
	screens, err := s.daemon.ListScreens()
	if err != nil {
		return nil, ListScreensOutput{}, err
	}
	if screens == nil {
		screens = []ipc.ScreenInfo{}
	}
	return nil, ListScreensOutput{Screens: screens}, nil
}

func (s *Server) handleSetWindowFrame(_ context.Context, _ *mcpsdk.CallToolRequest, args SetWindowFrameInput) (*mcpsdk.CallToolResult, SetWindowFrameOutput, error) {
	if args.Window == 0 {
		return nil, SetWindowFrameOutput{}, fmt.Errorf("window is required")
	}
	if args.Width <= 0 || args.Height <= 0 {
		return nil, SetWindowFrameOutput{}, fmt.Errorf("width and height must be > 0 (got %dx%d)", args.Width, args.Height)
	}
	frame := ipc.Rect{X: args.X, Y: args.Y, Width: args.Width, Height: args.Height}
	if err := s.daemon.SetFrame(args.Window, frame); err != nil {
		return nil, SetWindowFrameOutput{}, fmt.Errorf("failed to set frame of window %d: %w", args.Window, err)
	}
	return nil, SetWindowFrameOutput{Window: args.Window, Frame: frame}, nil
}

func (s *Server) handleFocusWindow(_ context.Context, _ *mcpsdk.CallToolRequest, args FocusWindowInput) (*mcpsdk.CallToolResult, FocusWindowOutput, error) {
	if args.Window == 0 {
		return nil, FocusWindowOutput{}, fmt.Errorf("window is required")
	}
	if err := s.daemon.FocusWindow(args.Window); err != nil {
		return nil, FocusWindowOutput{}, fmt.Errorf("failed to focus window %d: %w", args.Window, err)
	}
	return nil, FocusWindowOutput{Window: args.Window, Focused: true}, nil
}
