package daemon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/1broseidon/winsync/internal/platform"
	"github.com/1broseidon/winsync/internal/platform/platformtest"
	"github.com/1broseidon/winsync/internal/state"
)

var frame = platform.Rect{Width: 640, Height: 480}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newWorld(t *testing.T) (*platformtest.Adapter, *state.State, *Reconciler) {
	t.Helper()
	a := platformtest.New()
	a.AddApplication(100, "editor")
	a.AddWindow(100, 1, "main.go", frame)
	a.AddApplication(200, "browser")
	a.AddWindow(200, 5, "docs", frame)
	a.SetValue(platform.System, platform.AttrFrontmostApplication, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := state.Initialize(ctx, a, state.Options{Logger: discard()})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(s.Close)

	r := NewReconciler(ReconcilerConfig{Interval: time.Hour, Logger: discard()}, a, s)
	return a, s, r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconcileWithoutDrift(t *testing.T) {
	_, _, r := newWorld(t)
	drift, err := r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !drift.Empty() {
		t.Fatalf("expected no drift, got %+v", drift)
	}
}

func TestReconcileCreatesMissedWindow(t *testing.T) {
	a, s, r := newWorld(t)
	a.AddWindow(100, 2, "notes.md", frame)

	drift, err := r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift.Created != 1 {
		t.Fatalf("created = %d, want 1", drift.Created)
	}
	eventually(t, "window 2", func() bool {
		w, ok := s.Window(2)
		return ok && w.Title.Get() == "notes.md"
	})
}

func TestReconcileDestroysMissedClose(t *testing.T) {
	a, s, r := newWorld(t)
	a.RemoveWindow(1)

	drift, err := r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift.Destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", drift.Destroyed)
	}
	eventually(t, "window 1 gone", func() bool {
		_, ok := s.Window(1)
		return !ok
	})
}

func TestReconcileTerminatesAndLaunches(t *testing.T) {
	a, s, r := newWorld(t)
	a.RemoveApplication(200)
	a.AddApplication(300, "terminal")
	a.AddWindow(300, 9, "shell", frame)

	drift, err := r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift.Terminated != 1 || drift.Launched != 1 {
		t.Fatalf("unexpected drift: %+v", drift)
	}
	eventually(t, "application 200 terminated", func() bool {
		_, ok := s.Application(200)
		return !ok
	})
	eventually(t, "application 300 launched", func() bool {
		_, ok := s.Application(300)
		_, win := s.Window(9)
		return ok && win
	})

	// A launch is injected once per pid.
	drift, err = r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift.Launched != 0 {
		t.Fatalf("launch injected twice: %+v", drift)
	}
}

func TestReconcileCorrectsFrontmost(t *testing.T) {
	a, s, r := newWorld(t)
	a.SetValue(platform.System, platform.AttrFrontmostApplication, 200)

	drift, err := r.ReconcileNow(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !drift.Frontmost {
		t.Fatalf("expected frontmost correction, got %+v", drift)
	}
	eventually(t, "frontmost 200", func() bool {
		app, ok := s.FrontmostApplication()
		return ok && app.PID() == 200
	})
}

func TestReconcileReadFailure(t *testing.T) {
	a, _, r := newWorld(t)
	a.FailReads(platform.System, platform.AttrApplications,
		platform.NewAdapterError(platform.ErrUnsupported, platform.System, platform.AttrApplications, nil))

	if _, err := r.ReconcileNow(context.Background()); err == nil {
		t.Fatalf("expected error when applications cannot be read")
	}
}
