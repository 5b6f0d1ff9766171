package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/future"
	"github.com/1broseidon/winsync/internal/model"
	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/runtimepath"
	"github.com/1broseidon/winsync/internal/state"
)

// Tracker is the part of the synchronized model the server exposes.
// *state.State implements it.
type Tracker interface {
	Stats() state.Stats
	Windows() []*model.Window
	Applications() []*model.Application
	Screens() []*model.Screen
	Registry() *model.Registry
	SetFrame(id platform.WindowID, frame platform.Rect) *future.Future[struct{}]
	Focus(id platform.WindowID) *future.Future[struct{}]
	OnAny(h events.Handler) (cancel func())
}

// writeWait bounds how long a SET_FRAME or FOCUS_WINDOW request waits for
// the write to settle. The coordinator's own timeout normally fires first.
const writeWait = 10 * time.Second

// streamBuffer is how many events a SUBSCRIBE client may fall behind
// before it is disconnected.
const streamBuffer = 1024

// streamWriteTimeout bounds each event write to a SUBSCRIBE client. A client
// that stops reading is disconnected once its socket buffer is full.
var streamWriteTimeout = 5 * time.Second

// Server handles IPC requests from clients
type Server struct {
	socketPath   string
	listener     net.Listener
	tracker      Tracker
	reload       func() error
	logger       *slog.Logger
	startTime    time.Time
	shuttingDown bool
	shutdownMu   sync.Mutex
	conns        sync.WaitGroup
	done         chan struct{}
}

// NewServer creates a new IPC server. reload is invoked for RELOAD and may
// be nil.
func NewServer(tracker Tracker, reload func() error, logger *slog.Logger) (*Server, error) {
	socketPath, err := runtimepath.SocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve IPC socket path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Remove a stale socket left by a crashed daemon
	os.Remove(socketPath)

	return &Server{
		socketPath: socketPath,
		tracker:    tracker,
		reload:     reload,
		logger:     logger.With("component", "ipc"),
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}, nil
}

// SocketPath is where the server listens.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins listening for IPC connections
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create IPC socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("IPC server listening", "socket", s.socketPath)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.shutdownMu.Lock()
			if s.shuttingDown {
				s.shutdownMu.Unlock()
				return
			}
			s.shutdownMu.Unlock()
			s.logger.Warn("IPC accept error", "error", err)
			continue
		}

		s.shutdownMu.Lock()
		if s.shuttingDown {
			s.shutdownMu.Unlock()
			conn.Close()
			return
		}
		s.conns.Add(1)
		s.shutdownMu.Unlock()
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// One request per connection, JSON on a single line
	data, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		s.logger.Debug("IPC read error", "error", err)
		return
	}

	req, err := ParseRequest(data)
	if err != nil {
		s.send(conn, NewErrorResponse(fmt.Sprintf("Invalid request: %v", err)))
		return
	}

	if req.Command == CommandSubscribe {
		s.handleSubscribe(conn, reader, req.Payload)
		return
	}
	s.send(conn, s.handleCommand(req))
}

func (s *Server) handleCommand(req *Request) *Response {
	switch req.Command {
	case CommandReload:
		return s.handleReload()
	case CommandGetStatus:
		return s.handleGetStatus()
	case CommandListWindows:
		return s.handleListWindows()
	case CommandListApplications:
		return s.handleListApplications()
	case CommandListScreens:
		return s.handleListScreens()
	case CommandSetFrame:
		return s.handleSetFrame(req.Payload)
	case CommandFocusWindow:
		return s.handleFocusWindow(req.Payload)
	default:
		return NewErrorResponse(fmt.Sprintf("Unknown command: %s", req.Command))
	}
}

func ok(data any) *Response {
	resp, err := NewOKResponse(data)
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return resp
}

func (s *Server) handleReload() *Response {
	s.logger.Info("received RELOAD")
	if s.reload == nil {
		return NewErrorResponse("reload is not available")
	}
	if err := s.reload(); err != nil {
		return NewErrorResponse(fmt.Sprintf("Failed to reload config: %v", err))
	}
	return ok(nil)
}

func (s *Server) handleGetStatus() *Response {
	st := s.tracker.Stats()
	return ok(StatusData{
		Session:       st.Session,
		StartedAt:     st.StartedAt,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Windows:       st.Windows,
		Applications:  st.Applications,
		Screens:       st.Screens,
		Frontmost:     s.tracker.Registry().System().FrontmostApplication.Get(),
		Received:      st.Received,
		Handled:       st.Handled,
		PendingWrites: st.PendingWrites,
		DaemonRunning: true,
	})
}

func (s *Server) handleListWindows() *Response {
	reg := s.tracker.Registry()
	windows := s.tracker.Windows()
	out := make([]WindowInfo, 0, len(windows))
	for _, w := range windows {
		attrs := w.Attributes()
		screen := -1
		if scr, ok := reg.ScreenOf(w); ok {
			screen = int(scr.ID())
		}
		out = append(out, WindowInfo{
			ID:         uint32(w.ID()),
			PID:        w.Owner(),
			Title:      attrs.Title,
			Frame:      rectOf(attrs.Frame),
			Minimized:  attrs.Minimized,
			Fullscreen: attrs.Fullscreen,
			Main:       attrs.Main,
			Visible:    attrs.Visible,
			Screen:     screen,
		})
	}
	return ok(WindowsData{Windows: out})
}

func (s *Server) handleListApplications() *Response {
	reg := s.tracker.Registry()
	frontmost := reg.System().FrontmostApplication.Get()
	apps := s.tracker.Applications()
	out := make([]ApplicationInfo, 0, len(apps))
	for _, app := range apps {
		info := ApplicationInfo{
			PID:           app.PID(),
			Name:          app.Name.Get(),
			MainWindow:    uint32(app.MainWindow.Get()),
			FocusedWindow: uint32(app.FocusedWindow.Get()),
			Hidden:        app.Hidden.Get(),
			Frontmost:     app.PID() == frontmost,
			Windows:       []uint32{},
		}
		for _, w := range reg.WindowsOf(app.PID()) {
			info.Windows = append(info.Windows, uint32(w.ID()))
		}
		out = append(out, info)
	}
	return ok(ApplicationsData{Applications: out})
}

func (s *Server) handleListScreens() *Response {
	screens := s.tracker.Screens()
	out := make([]ScreenInfo, 0, len(screens))
	for _, scr := range screens {
		out = append(out, ScreenInfo{
			ID:      int(scr.ID()),
			Name:    scr.Name.Get(),
			Frame:   rectOf(scr.Frame.Get()),
			Visible: rectOf(scr.VisibleFrame.Get()),
		})
	}
	return ok(ScreensData{Screens: out})
}

func (s *Server) handleSetFrame(payload json.RawMessage) *Response {
	var req SetFramePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("Invalid set frame payload: %v", err))
	}
	if req.Window == 0 {
		return NewErrorResponse("window is required")
	}
	if req.Frame.Width <= 0 || req.Frame.Height <= 0 {
		return NewErrorResponse("frame width and height must be > 0")
	}
	return s.await(s.tracker.SetFrame(platform.WindowID(req.Window), req.Frame.Platform()))
}

func (s *Server) handleFocusWindow(payload json.RawMessage) *Response {
	var req FocusWindowPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("Invalid focus payload: %v", err))
	}
	if req.Window == 0 {
		return NewErrorResponse("window is required")
	}
	return s.await(s.tracker.Focus(platform.WindowID(req.Window)))
}

func (s *Server) await(f *future.Future[struct{}]) *Response {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := f.Await(ctx); err != nil {
		return NewErrorResponse(err.Error())
	}
	return ok(nil)
}

// handleSubscribe streams events until the client hangs up, falls too far
// behind, or the server stops.
func (s *Server) handleSubscribe(conn net.Conn, reader *bufio.Reader, payload json.RawMessage) {
	var req SubscribePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			s.send(conn, NewErrorResponse(fmt.Sprintf("Invalid subscribe payload: %v", err)))
			return
		}
	}
	var kinds []events.Kind
	for _, name := range req.Kinds {
		k, ok := events.ParseKind(name)
		if !ok {
			s.send(conn, NewErrorResponse(fmt.Sprintf("Unknown event kind: %s", name)))
			return
		}
		kinds = append(kinds, k)
	}

	ch := make(chan events.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	cancel := s.tracker.OnAny(func(ev events.Event) {
		if len(kinds) > 0 && !slices.Contains(kinds, ev.Kind) {
			return
		}
		select {
		case ch <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer cancel()

	if !s.send(conn, ok(nil)) {
		return
	}

	hangup := make(chan struct{})
	go func() {
		defer close(hangup)
		io.Copy(io.Discard, reader)
	}()

	// Stop closes the stream even while a write is blocked.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.done:
			conn.Close()
		case <-finished:
		}
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := enc.Encode(eventOf(ev)); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("subscriber write failed, disconnecting", "error", err)
				}
				return
			}
		case <-overflow:
			s.logger.Warn("subscriber fell behind, disconnecting")
			return
		case <-hangup:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) send(conn net.Conn, resp *Response) bool {
	data, err := resp.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("failed to send response", "error", err)
		}
		return false
	}
	return true
}

// Stop closes the listener, ends subscriber streams and waits for open
// connections to finish.
func (s *Server) Stop() {
	s.shutdownMu.Lock()
	if s.shuttingDown {
		s.shutdownMu.Unlock()
		return
	}
	s.shuttingDown = true
	close(s.done)
	s.shutdownMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.conns.Wait()
	os.Remove(s.socketPath)
}
