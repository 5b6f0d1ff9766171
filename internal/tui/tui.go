// Package tui is a live terminal dashboard over a running daemon. It lists
// windows, applications and screens and refreshes whenever the daemon
// reports a change.
package tui

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/1broseidon/winsync/internal/ipc"
)

// Source is what the dashboard reads from. *ipc.Client implements it.
type Source interface {
	GetStatus() (*ipc.StatusData, error)
	ListWindows() ([]ipc.WindowInfo, error)
	ListApplications() ([]ipc.ApplicationInfo, error)
	ListScreens() ([]ipc.ScreenInfo, error)
	FocusWindow(window uint32) error
	Subscribe(ctx context.Context, kinds []string, fn func(ipc.Event) error) error
}

// Run shows the dashboard until the user quits.
func Run(src Source) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("tui requires an interactive terminal (stdin/stdout must be TTYs)")
	}
	if _, err := src.GetStatus(); err != nil {
		return err
	}

	p := tea.NewProgram(newModel(src), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := src.Subscribe(ctx, nil, func(ev ipc.Event) error {
			p.Send(eventMsg{ev: ev})
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			p.Send(streamEndedMsg{err: err})
		}
	}()

	_, err := p.Run()
	return err
}
