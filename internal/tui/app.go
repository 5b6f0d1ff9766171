package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/1broseidon/winsync/internal/ipc"
)

type snapshotMsg struct {
	status  *ipc.StatusData
	windows []ipc.WindowInfo
	apps    []ipc.ApplicationInfo
	screens []ipc.ScreenInfo
	err     error
}

type eventMsg struct{ ev ipc.Event }

type streamEndedMsg struct{ err error }

type focusDoneMsg struct {
	window uint32
	err    error
}

// model is the root bubbletea model for the TUI.
type model struct {
	src       Source
	activeTab Tab

	windows list.Model
	apps    list.Model
	screens []ipc.ScreenInfo
	status  *ipc.StatusData

	connected bool
	lastEvent string
	lastErr   string

	// A refresh is in flight; dirty records events that arrived meanwhile
	// so they cost one more refresh, not one each.
	refreshing bool
	dirty      bool

	width  int
	height int
}

func newModel(src Source) model {
	return model{
		src:        src,
		activeTab:  TabWindows,
		windows:    newList("Windows"),
		apps:       newList("Applications"),
		refreshing: true,
	}
}

func (m model) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		var msg snapshotMsg
		if msg.status, msg.err = src.GetStatus(); msg.err != nil {
			return msg
		}
		if msg.windows, msg.err = src.ListWindows(); msg.err != nil {
			return msg
		}
		if msg.apps, msg.err = src.ListApplications(); msg.err != nil {
			return msg
		}
		msg.screens, msg.err = src.ListScreens()
		return msg
	}
}

func (m model) focus(window uint32) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		return focusDoneMsg{window: window, err: src.FocusWindow(window)}
	}
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return m.refresh()
}

func (m model) requestRefresh() (model, tea.Cmd) {
	if m.refreshing {
		m.dirty = true
		return m, nil
	}
	m.refreshing = true
	return m, m.refresh()
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := m.contentHeight()
		m.windows.SetSize(m.width, h)
		m.apps.SetSize(m.width, h)
		return m, nil

	case snapshotMsg:
		m.refreshing = false
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err.Error()
		} else {
			m.connected = true
			m.lastErr = ""
			m.status = msg.status
			m.screens = msg.screens
			m.windows.SetItems(windowItems(msg.windows))
			m.apps.SetItems(appItems(msg.apps))
		}
		if m.dirty {
			m.dirty = false
			return m.requestRefresh()
		}
		return m, nil

	case eventMsg:
		m.lastEvent = msg.ev.Kind
		return m.requestRefresh()

	case streamEndedMsg:
		m.connected = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		return m, nil

	case focusDoneMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("focus %d: %v", msg.window, msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
			return m, nil
		case "1":
			m.activeTab = TabWindows
			return m, nil
		case "2":
			m.activeTab = TabApplications
			return m, nil
		case "3":
			m.activeTab = TabScreens
			return m, nil
		case "r":
			return m.requestRefresh()
		case "f", "enter":
			if id, ok := m.selectedWindow(); ok {
				return m, m.focus(id)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	switch m.activeTab {
	case TabWindows:
		m.windows, cmd = m.windows.Update(msg)
	case TabApplications:
		m.apps, cmd = m.apps.Update(msg)
	}
	return m, cmd
}

// selectedWindow is the window under the cursor, or the focused window of
// the selected application.
func (m model) selectedWindow() (uint32, bool) {
	switch m.activeTab {
	case TabWindows:
		if item, ok := m.windows.SelectedItem().(windowItem); ok {
			return item.w.ID, true
		}
	case TabApplications:
		if item, ok := m.apps.SelectedItem().(appItem); ok {
			if id := item.a.FocusedWindow; id != 0 {
				return id, true
			}
			if id := item.a.MainWindow; id != 0 {
				return id, true
			}
		}
	}
	return 0, false
}

// contentHeight returns the height available for tab content.
func (m model) contentHeight() int {
	// status bar (1) + tab bar (2 with margin) + help bar (1)
	h := m.height - 4
	if h < 1 {
		h = 1
	}
	return h
}

// View implements tea.Model.
func (m model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	statusBar := renderStatusBar(m.status, m.connected, m.lastEvent, m.width)
	tabBar := renderTabBar(m.activeTab, m.width)
	helpBar := renderHelpBar(m.lastErr, m.width)

	var content string
	switch m.activeTab {
	case TabWindows:
		content = m.windows.View()
	case TabApplications:
		content = m.apps.View()
	case TabScreens:
		content = renderScreens(m.screens, m.width, m.contentHeight())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		statusBar,
		tabBar,
		content,
		helpBar,
	)
}
