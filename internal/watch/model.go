package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dispatch/internal/events"
	"github.com/mattjoyce/dispatch/internal/registry"
)

const maxLogLines = 50

// Model is the Bubble Tea model backing `dispatch watch`.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	snapshots []registry.Snapshot
	log       []registry.Event
	connected bool
	lastError string
	lastPoll  time.Time

	hubEvents chan events.Event
	theme     Theme

	workloadTable table.Model
	eventViewport viewport.Model
}

// New creates a watch Model pointed at an Admin API base URL.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "IDX", Width: 4},
			{Title: "WORKLOAD", Width: 24},
			{Title: "STATE", Width: 12},
			{Title: "ASSIGNEE", Width: 22},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:        strings.TrimRight(apiURL, "/"),
		token:         token,
		hubEvents:     make(chan events.Event, 100),
		theme:         theme,
		workloadTable: t,
		eventViewport: viewport.New(0, 0),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workloadTable.SetWidth(m.width - 6)
		m.eventViewport.Width = m.width - 6
		m.eventViewport.Height = m.height / 3
		m.eventViewport.SetContent(renderEventLog(m.log, m.theme))

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		var rev registry.Event
		if err := json.Unmarshal(msg.Data, &rev); err == nil {
			m.log = append([]registry.Event{rev}, m.log...)
			if len(m.log) > maxLogLines {
				m.log = m.log[:maxLogLines]
			}
			m.eventViewport.SetContent(renderEventLog(m.log, m.theme))
		}
		m.connected = true
		m.lastError = ""
		return m, tea.Batch(
			receiveNextEvent(m.hubEvents),
			func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		)

	case statusMsg:
		m.snapshots = sortedByIndex(msg)
		m.workloadTable.SetRows(workloadRows(m.snapshots, m.theme))
		m.connected = true
		m.lastError = ""
		m.lastPoll = time.Now()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})
	}

	m.workloadTable, cmd = m.workloadTable.Update(msg)
	return m, cmd
}

func sortedByIndex(snaps []registry.Snapshot) []registry.Snapshot {
	out := append([]registry.Snapshot(nil), snaps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// workloadRows flattens snapshots into the rows the bubbles table renders.
func workloadRows(snaps []registry.Snapshot, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(snaps))
	for _, s := range snaps {
		state := statusStyle(theme, s.State.String()).Render(s.State.String())
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.Index),
			truncate(s.Workload.Name, 24),
			state,
			truncate(s.Assignee, 22),
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing dispatch watch..."
	}

	header := renderHeader(m.connected, m.lastPoll, m.theme, m.width)

	table := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Workloads"),
			m.workloadTable.View(),
		),
	)

	log := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Recent Transitions"),
			m.eventViewport.View(),
		),
	)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit  [up/down] Select workload")

	parts := []string{header, table, log}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
