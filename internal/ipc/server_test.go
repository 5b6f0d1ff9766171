package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/platform/platformtest"
	"github.com/1broseidon/winsync/internal/runtimepath"
	"github.com/1broseidon/winsync/internal/state"
)

var testFrame = platform.Rect{X: 10, Y: 10, Width: 800, Height: 600}

type fixture struct {
	adapter *platformtest.Adapter
	state   *state.State
	server  *Server
	client  *Client
	reloads atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// Unix socket paths are length-limited; keep it short.
	dir, err := os.MkdirTemp("", "ws")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv(runtimepath.SocketEnv, filepath.Join(dir, "s.sock"))

	a := platformtest.New()
	a.AddApplication(100, "editor")
	a.AddWindow(100, 1, "main.go", testFrame)
	a.AddWindow(100, 2, "notes.md", testFrame)
	a.AddScreen(1, "eDP-1", platform.Rect{Width: 1920, Height: 1080}, platform.Rect{Y: 30, Width: 1920, Height: 1050})
	a.SetValue(platform.System, platform.AttrFrontmostApplication, 100)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := state.Initialize(ctx, a, state.Options{Logger: logger})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	f := &fixture{adapter: a, state: s}
	srv, err := NewServer(s, func() error {
		f.reloads.Add(1)
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.server = srv
	f.client = NewClient()
	t.Cleanup(func() {
		srv.Stop()
		s.Close()
	})
	return f
}

func TestStatusAndListings(t *testing.T) {
	f := newFixture(t)

	status, err := f.client.GetStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.DaemonRunning || status.Windows != 2 || status.Applications != 1 || status.Screens != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Session != f.state.ID() || status.Frontmost != 100 {
		t.Fatalf("unexpected session or frontmost: %+v", status)
	}

	windows, err := f.client.ListWindows()
	if err != nil {
		t.Fatalf("list windows: %v", err)
	}
	if len(windows) != 2 || windows[0].ID != 1 || windows[0].Title != "main.go" {
		t.Fatalf("unexpected windows: %+v", windows)
	}
	if windows[0].Screen != 1 || windows[0].Frame != rectOf(testFrame) {
		t.Fatalf("unexpected window placement: %+v", windows[0])
	}

	apps, err := f.client.ListApplications()
	if err != nil {
		t.Fatalf("list apps: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "editor" || !apps[0].Frontmost || len(apps[0].Windows) != 2 {
		t.Fatalf("unexpected apps: %+v", apps)
	}

	screens, err := f.client.ListScreens()
	if err != nil {
		t.Fatalf("list screens: %v", err)
	}
	if len(screens) != 1 || screens[0].Name != "eDP-1" || screens[0].Visible.Y != 30 {
		t.Fatalf("unexpected screens: %+v", screens)
	}
}

func TestSetFrameAndFocus(t *testing.T) {
	f := newFixture(t)

	target := Rect{X: 0, Y: 0, Width: 960, Height: 1080}
	if err := f.client.SetFrame(2, target); err != nil {
		t.Fatalf("set frame: %v", err)
	}
	if got := f.adapter.Value(platform.WindowResource(2), platform.AttrFrame); got != target.Platform() {
		t.Fatalf("adapter frame = %v, want %v", got, target.Platform())
	}

	if err := f.client.FocusWindow(2); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if got := f.adapter.Value(platform.ApplicationResource(100), platform.AttrFocusedWindow); got != platform.WindowID(2) {
		t.Fatalf("focused = %v, want 2", got)
	}
}

func TestWriteErrorsAreReported(t *testing.T) {
	f := newFixture(t)

	err := f.client.SetFrame(99, Rect{Width: 1, Height: 1})
	if err == nil || !strings.Contains(err.Error(), "unknown window") {
		t.Fatalf("expected unknown window error, got %v", err)
	}
	if err := f.client.SetFrame(1, Rect{}); err == nil {
		t.Fatalf("expected error for empty frame")
	}

	f.adapter.FailWrites(platform.WindowResource(1), platform.AttrFrame, platform.NewAdapterError(platform.ErrInvalid, platform.WindowResource(1), platform.AttrFrame, nil))
	err = f.client.SetFrame(1, Rect{Width: 5, Height: 5})
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected rejected write, got %v", err)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	if err := f.client.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := f.reloads.Load(); n != 1 {
		t.Fatalf("reloads = %d, want 1", n)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.sendRequest("EXPLODE", nil)
	if err == nil || !strings.Contains(err.Error(), "Unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestSubscribeStreamsFilteredEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 64)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Subscribe(ctx, []string{"window_frame_changed"}, func(ev Event) error {
			got <- ev
			return nil
		})
	}()

	// The subscription is registered asynchronously; keep writing until
	// the first change arrives.
	deadline := time.After(5 * time.Second)
	width := 100
	var ev Event
wait:
	for {
		width++
		if err := f.client.SetFrame(1, Rect{Width: width, Height: 100}); err != nil {
			t.Fatalf("set frame: %v", err)
		}
		select {
		case ev = <-got:
			break wait
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no event received")
		}
	}

	if ev.Kind != "window_frame_changed" || ev.Window != 1 || ev.Origin != "internal" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscribe did not return after cancel")
	}
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.client.Subscribe(context.Background(), []string{"nope"}, func(Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "Unknown event kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

// stalledSubscriber subscribes over a raw connection and never reads past
// the OK line.
func stalledSubscriber(t *testing.T, f *fixture) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", f.server.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Write([]byte(`{"command":"SUBSCRIBE"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || !strings.Contains(line, `"OK"`) {
		t.Fatalf("subscribe reply %q: %v", line, err)
	}
	return conn
}

// flood pushes enough large title changes to fill any socket buffer.
func flood(t *testing.T, f *fixture) {
	t.Helper()
	pad := strings.Repeat("x", 4096)
	for i := range 3000 {
		err := f.state.Inject(context.Background(), 100, platform.RawNotification{
			Resource:  platform.WindowResource(1),
			Kind:      platform.NotifyAttributeChanged,
			Attribute: platform.AttrTitle,
			Value:     fmt.Sprintf("%d %s", i, pad),
			HasValue:  true,
		})
		if err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
}

func TestStopDoesNotWaitForStalledSubscriber(t *testing.T) {
	f := newFixture(t)
	stalledSubscriber(t, f)
	flood(t, f)

	stopped := make(chan struct{})
	go func() {
		f.server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop blocked on a subscriber that stopped reading")
	}
}

func TestStalledSubscriberIsDisconnected(t *testing.T) {
	prev := streamWriteTimeout
	streamWriteTimeout = 100 * time.Millisecond
	t.Cleanup(func() { streamWriteTimeout = prev })

	f := newFixture(t)
	conn := stalledSubscriber(t, f)
	flood(t, f)

	// Draining now must reach the end of the stream: the server gave up.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.Copy(io.Discard, conn); err != nil {
		t.Fatalf("stream did not end: %v", err)
	}
}
