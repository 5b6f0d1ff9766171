package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/1broseidon/winsync/internal/events"
	"github.com/1broseidon/winsync/internal/ipc"
)

// wantJSON reports whether output should be JSON: when forced, or when
// stdout is not a terminal.
func wantJSON(force bool) bool {
	return force || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func printStatus(w io.Writer, s *ipc.StatusData) {
	fmt.Fprintf(w, "daemon_running:  %v\n", s.DaemonRunning)
	fmt.Fprintf(w, "session:         %s\n", s.Session)
	fmt.Fprintf(w, "started_at:      %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "uptime_seconds:  %d\n", s.UptimeSeconds)
	fmt.Fprintf(w, "windows:         %d\n", s.Windows)
	fmt.Fprintf(w, "applications:    %d\n", s.Applications)
	fmt.Fprintf(w, "screens:         %d\n", s.Screens)
	fmt.Fprintf(w, "frontmost_pid:   %d\n", s.Frontmost)
	fmt.Fprintf(w, "notifications:   %d received, %d handled\n", s.Received, s.Handled)
	fmt.Fprintf(w, "pending_writes:  %d\n", s.PendingWrites)
}

func formatRect(r ipc.Rect) string {
	return fmt.Sprintf("%dx%d%+d%+d", r.Width, r.Height, r.X, r.Y)
}

func flags(pairs ...any) string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1].(bool) {
			out = append(out, pairs[i].(string))
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func printWindows(w io.Writer, windows []ipc.WindowInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSCREEN\tGEOMETRY\tFLAGS\tTITLE")
	for _, win := range windows {
		screen := "-"
		if win.Screen >= 0 {
			screen = strconv.Itoa(win.Screen)
		}
		fmt.Fprintf(tw, "0x%x\t%d\t%s\t%s\t%s\t%s\n",
			win.ID, win.PID, screen, formatRect(win.Frame),
			flags("main", win.Main, "min", win.Minimized, "full", win.Fullscreen, "hidden", !win.Visible),
			win.Title)
	}
	tw.Flush()
}

func printApps(w io.Writer, apps []ipc.ApplicationInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tWINDOWS\tFOCUSED\tFLAGS")
	for _, app := range apps {
		focused := "-"
		if app.FocusedWindow != 0 {
			focused = fmt.Sprintf("0x%x", app.FocusedWindow)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
			app.PID, app.Name, len(app.Windows), focused,
			flags("frontmost", app.Frontmost, "hidden", app.Hidden))
	}
	tw.Flush()
}

func printScreens(w io.Writer, screens []ipc.ScreenInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFRAME\tVISIBLE")
	for _, s := range screens {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Name, formatRect(s.Frame), formatRect(s.Visible))
	}
	tw.Flush()
}

// parseWindowID accepts decimal or 0x-prefixed hex ids, as printed by
// xprop and wmctrl.
func parseWindowID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid window id %q", s)
	}
	return uint32(id), nil
}

var geometryRe = regexp.MustCompile(`^(\d+)x(\d+)([+-]\d+)([+-]\d+)$`)

// parseGeometry parses X11-style WIDTHxHEIGHT+X+Y.
func parseGeometry(s string) (ipc.Rect, error) {
	m := geometryRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ipc.Rect{}, fmt.Errorf("invalid geometry %q (expected WIDTHxHEIGHT+X+Y)", s)
	}
	var r ipc.Rect
	r.Width, _ = strconv.Atoi(m[1])
	r.Height, _ = strconv.Atoi(m[2])
	r.X, _ = strconv.Atoi(m[3])
	r.Y, _ = strconv.Atoi(m[4])
	if r.Width <= 0 || r.Height <= 0 {
		return ipc.Rect{}, fmt.Errorf("invalid geometry %q: width and height must be > 0", s)
	}
	return r, nil
}

func runWindows(args []string) int {
	fs := flag.NewFlagSet("windows", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON even on a terminal")
	pid := fs.Int("pid", 0, "Only windows owned by this pid")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync windows [--pid PID] [--json]")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	windows, err := ipc.NewClient().ListWindows()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *pid != 0 {
		filtered := windows[:0]
		for _, w := range windows {
			if w.PID == *pid {
				filtered = append(filtered, w)
			}
		}
		windows = filtered
	}
	if wantJSON(*asJSON) {
		return printJSON(os.Stdout, windows)
	}
	printWindows(os.Stdout, windows)
	return 0
}

func runApps(args []string) int {
	fs := flag.NewFlagSet("apps", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON even on a terminal")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	apps, err := ipc.NewClient().ListApplications()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if wantJSON(*asJSON) {
		return printJSON(os.Stdout, apps)
	}
	printApps(os.Stdout, apps)
	return 0
}

func runScreens(args []string) int {
	fs := flag.NewFlagSet("screens", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON even on a terminal")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	screens, err := ipc.NewClient().ListScreens()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if wantJSON(*asJSON) {
		return printJSON(os.Stdout, screens)
	}
	printScreens(os.Stdout, screens)
	return 0
}

func runMove(args []string) int {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync move <window> <WIDTHxHEIGHT+X+Y>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Move and resize a window, waiting until the change is accepted.")
		fmt.Fprintln(os.Stderr, "Example: winsync move 0x3a00007 960x1080+0+0")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	id, err := parseWindowID(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	frame, err := parseGeometry(fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := ipc.NewClient().SetFrame(id, frame); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runFocus(args []string) int {
	fs := flag.NewFlagSet("focus", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync focus <window>")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	id, err := parseWindowID(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := ipc.NewClient().FocusWindow(id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	listKinds := fs.Bool("kinds", false, "List event kinds and exit")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync watch [--kinds] [kind...]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Stream change events as JSON lines. With no kinds, every event is shown.")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *listKinds {
		for _, k := range events.Kinds() {
			fmt.Println(k)
		}
		return 0
	}
	for _, name := range fs.Args() {
		if _, ok := events.ParseKind(name); !ok {
			fmt.Fprintf(os.Stderr, "unknown event kind %q (see winsync watch --kinds)\n", name)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	err := ipc.NewClient().Subscribe(ctx, fs.Args(), func(ev ipc.Event) error {
		return enc.Encode(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
