package x11

import (
	"testing"

	"github.com/BurntSushi/xgbutil/ewmh"

	"github.com/1broseidon/winsync/internal/platform"
)

func TestVisibleFrameSubtractsOverlappingStruts(t *testing.T) {
	root := platform.Rect{Width: 3840, Height: 1080}
	// Top panel spans only the left monitor.
	struts := strutBands(root, &ewmh.WmStrutPartial{Top: 32, TopStartX: 0, TopEndX: 1919})

	left := visibleFrame(platform.Rect{Width: 1920, Height: 1080}, struts)
	if want := (platform.Rect{Y: 32, Width: 1920, Height: 1048}); left != want {
		t.Fatalf("left monitor = %v, want %v", left, want)
	}

	right := platform.Rect{X: 1920, Width: 1920, Height: 1080}
	if got := visibleFrame(right, struts); got != right {
		t.Fatalf("right monitor = %v, want unchanged %v", got, right)
	}
}

func TestStrutBandsBottomAndSides(t *testing.T) {
	root := platform.Rect{Width: 1920, Height: 1080}
	bands := strutBands(root, &ewmh.WmStrutPartial{
		Bottom: 40, BottomStartX: 0, BottomEndX: 1919,
		Left: 60, LeftStartY: 0, LeftEndY: 1079,
	})
	if len(bands) != 2 {
		t.Fatalf("got %d bands, want 2", len(bands))
	}

	got := visibleFrame(root, bands)
	want := platform.Rect{X: 60, Width: 1860, Height: 1040}
	if got != want {
		t.Fatalf("visible = %v, want %v", got, want)
	}
}
