package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/1broseidon/winsync/internal/ipc"
)

// Tab identifies a TUI tab.
type Tab int

const (
	TabWindows Tab = iota
	TabApplications
	TabScreens
	tabCount // sentinel for iteration
)

func (t Tab) String() string {
	switch t {
	case TabWindows:
		return "Windows"
	case TabApplications:
		return "Applications"
	case TabScreens:
		return "Screens"
	default:
		return "?"
	}
}

var (
	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("250")).
				Background(lipgloss.Color("236")).
				Padding(0, 2)

	tabBarStyle = lipgloss.NewStyle().
			MarginBottom(1)

	tabGap = lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		SetString(" ")

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func renderTabBar(active Tab, width int) string {
	var tabs []string
	for i := Tab(0); i < tabCount; i++ {
		label := fmt.Sprintf("%d:%s", i+1, i)
		if i == active {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(label))
		}
	}
	row := lipgloss.JoinHorizontal(lipgloss.Top, intersperse(tabs, tabGap.Render())...)
	return tabBarStyle.Width(width).Render(row)
}

// intersperse inserts sep between each element of items.
func intersperse(items []string, sep string) []string {
	if len(items) <= 1 {
		return items
	}
	result := make([]string, 0, len(items)*2-1)
	for i, item := range items {
		if i > 0 {
			result = append(result, sep)
		}
		result = append(result, item)
	}
	return result
}

func renderStatusBar(status *ipc.StatusData, connected bool, lastEvent string, width int) string {
	var line string
	if connected && status != nil {
		dot := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
		parts := []string{
			dot + " daemon connected",
			fmt.Sprintf("windows:%d", status.Windows),
			fmt.Sprintf("apps:%d", status.Applications),
			fmt.Sprintf("screens:%d", status.Screens),
		}
		if status.Frontmost != 0 {
			parts = append(parts, fmt.Sprintf("frontmost:%d", status.Frontmost))
		}
		if lastEvent != "" {
			parts = append(parts, "last:"+lastEvent)
		}
		line = strings.Join(parts, "  ")
	} else {
		dot := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("●")
		line = dot + " daemon disconnected"
	}

	style := lipgloss.NewStyle().
		Width(width).
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("250")).
		Padding(0, 1)
	return style.Render(line)
}

func renderHelpBar(lastErr string, width int) string {
	help := "tab/shift-tab: switch tabs  1-3: jump to tab  f/enter: focus window  r: refresh  q/ctrl-c: quit"
	if lastErr != "" {
		help = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(lastErr)
	}
	return dimStyle.Width(width).Padding(0, 1).Render(help)
}
