package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/1broseidon/winsync/internal/daemon"
	"github.com/1broseidon/winsync/internal/ipc"
	"github.com/1broseidon/winsync/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		printMainUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "daemon":
		os.Exit(runDaemon(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "windows":
		os.Exit(runWindows(os.Args[2:]))
	case "apps":
		os.Exit(runApps(os.Args[2:]))
	case "screens":
		os.Exit(runScreens(os.Args[2:]))
	case "move":
		os.Exit(runMove(os.Args[2:]))
	case "focus":
		os.Exit(runFocus(os.Args[2:]))
	case "watch":
		os.Exit(runWatch(os.Args[2:]))
	case "reload":
		os.Exit(runReload(os.Args[2:]))
	case "tui":
		os.Exit(runTUI(os.Args[2:]))
	case "config":
		os.Exit(runConfig(os.Args[2:]))
	case "mcp":
		os.Exit(runMCP(os.Args[2:]))
	case "help", "-h", "--help":
		printMainUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printMainUsage(os.Stderr)
		os.Exit(2)
	}
}

func printMainUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: winsync <command> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  daemon              Start the winsync daemon (foreground)")
	fmt.Fprintln(w, "  status              Show daemon status")
	fmt.Fprintln(w, "  reload              Ask the daemon to reload its config")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  windows             List tracked windows")
	fmt.Fprintln(w, "  apps                List running applications")
	fmt.Fprintln(w, "  screens             List screens")
	fmt.Fprintln(w, "  move                Move and resize a window")
	fmt.Fprintln(w, "  focus               Focus a window")
	fmt.Fprintln(w, "  watch               Stream change events")
	fmt.Fprintln(w, "  tui                 Open the live dashboard")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  config validate     Validate configuration")
	fmt.Fprintln(w, "  config print        Print configuration")
	fmt.Fprintln(w, "  config explain      Explain a config value")
	fmt.Fprintln(w, "  config init         Write the default configuration file")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  mcp serve           Start MCP server (stdio transport)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'winsync <command> --help' for command-specific options.")
}

// parseFlags parses args and reports the exit code to use when parsing
// stops the command.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("path", "", "Config file path (default: ~/.config/winsync/config.yaml)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync daemon [--path PATH]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Run the synchronization daemon in the foreground. SIGHUP or editing")
		fmt.Fprintln(os.Stderr, "the config file reloads timeouts and the log level.")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon takes no arguments")
		fs.Usage()
		return 2
	}

	if err := daemon.Run(context.Background(), daemon.Options{ConfigPath: *path}); err != nil {
		fmt.Fprintf(os.Stderr, "winsync daemon: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON even on a terminal")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: winsync status [--json]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show daemon status via IPC.")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "status takes no arguments")
		fs.Usage()
		return 2
	}

	status, err := ipc.NewClient().GetStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if wantJSON(*asJSON) {
		return printJSON(os.Stdout, status)
	}
	printStatus(os.Stdout, status)
	return 0
}

func runReload(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: winsync reload")
		return 2
	}
	if err := ipc.NewClient().Reload(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("config reloaded")
	return 0
}

func runTUI(args []string) int {
	if len(args) > 0 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
		fmt.Fprintln(os.Stderr, "Usage: winsync tui")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Live dashboard of windows, applications and screens.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Keybindings:")
		fmt.Fprintln(os.Stderr, "  tab/shift-tab, 1-3  Switch tabs")
		fmt.Fprintln(os.Stderr, "  j/k, ↑/↓            Navigate")
		fmt.Fprintln(os.Stderr, "  f, Enter            Focus the selected window")
		fmt.Fprintln(os.Stderr, "  r                   Refresh now")
		fmt.Fprintln(os.Stderr, "  q, Ctrl+C           Quit")
		return 0
	}
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "tui takes no arguments")
		return 2
	}
	if err := tui.Run(ipc.NewClient()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
