package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"

	"github.com/1broseidon/winsync/internal/ipc"
)

type windowItem struct{ w ipc.WindowInfo }

func (i windowItem) Title() string {
	title := i.w.Title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("%d  %s", i.w.ID, title)
}

func (i windowItem) Description() string {
	f := i.w.Frame
	parts := []string{
		fmt.Sprintf("pid %d", i.w.PID),
		fmt.Sprintf("%dx%d+%d+%d", f.Width, f.Height, f.X, f.Y),
	}
	if i.w.Screen >= 0 {
		parts = append(parts, fmt.Sprintf("screen %d", i.w.Screen))
	}
	if i.w.Minimized {
		parts = append(parts, "minimized")
	}
	if i.w.Fullscreen {
		parts = append(parts, "fullscreen")
	}
	if i.w.Main {
		parts = append(parts, "main")
	}
	return strings.Join(parts, " | ")
}

func (i windowItem) FilterValue() string { return i.w.Title }

type appItem struct{ a ipc.ApplicationInfo }

func (i appItem) Title() string {
	mark := " "
	if i.a.Frontmost {
		mark = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Render("★")
	}
	return fmt.Sprintf("%s %s (%d)", mark, i.a.Name, i.a.PID)
}

func (i appItem) Description() string {
	parts := []string{fmt.Sprintf("%d windows", len(i.a.Windows))}
	if i.a.FocusedWindow != 0 {
		parts = append(parts, fmt.Sprintf("focused %d", i.a.FocusedWindow))
	}
	if i.a.Hidden {
		parts = append(parts, "hidden")
	}
	return strings.Join(parts, " | ")
}

func (i appItem) FilterValue() string { return i.a.Name }

func newList(title string) list.Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("15")).
		BorderForeground(lipgloss.Color("62"))
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("250")).
		BorderForeground(lipgloss.Color("62"))

	l := list.New(nil, delegate, 0, 0)
	l.Title = title
	l.Styles.Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("62")).
		Padding(0, 1)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.KeyMap.Quit.SetEnabled(false)
	return l
}

func windowItems(ws []ipc.WindowInfo) []list.Item {
	items := make([]list.Item, 0, len(ws))
	for _, w := range ws {
		items = append(items, windowItem{w: w})
	}
	return items
}

func appItems(apps []ipc.ApplicationInfo) []list.Item {
	items := make([]list.Item, 0, len(apps))
	for _, a := range apps {
		items = append(items, appItem{a: a})
	}
	return items
}

func renderScreens(screens []ipc.ScreenInfo, width, height int) string {
	if len(screens) == 0 {
		return dimStyle.Width(width).Height(height).
			Align(lipgloss.Center, lipgloss.Center).
			Render("No screens reported")
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(0, 1)
	var cards []string
	for _, s := range screens {
		f, v := s.Frame, s.Visible
		cards = append(cards, box.Render(fmt.Sprintf("%d  %s\nframe    %dx%d+%d+%d\nvisible  %dx%d+%d+%d",
			s.ID, s.Name,
			f.Width, f.Height, f.X, f.Y,
			v.Width, v.Height, v.X, v.Y)))
	}
	return lipgloss.NewStyle().Width(width).Height(height).
		Render(lipgloss.JoinVertical(lipgloss.Left, cards...))
}
