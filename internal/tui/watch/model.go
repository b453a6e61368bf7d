package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/events"
)

const eventLogSize = 30

// Model is the bubbletea model for the watch view.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	connected bool
	status    statusMsg
	eventLog  []events.Event
	lastError string

	workerTable table.Model
	theme       Theme

	streamCh chan events.Event
}

// New creates the watch model pointed at a coordinator API base URL.
func New(apiURL, token string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 12},
			{Title: "PID", Width: 8},
			{Title: "State", Width: 8},
			{Title: "Assigned", Width: 9},
			{Title: "Up", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:      apiURL,
		token:       token,
		workerTable: t,
		theme:       NewDefaultTheme(),
		streamCh:    make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		followStream(m.apiURL, m.token, m.streamCh),
		nextEvent(m.streamCh),
		func() tea.Msg { return fetchStatus(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.workerTable, cmd = m.workerTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case statusMsg:
		m.status = msg
		m.connected = true
		m.lastError = ""
		m.workerTable.SetRows(workerRows(msg.Engine.Workers))
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})

	case eventMsg:
		// Newest first.
		m.eventLog = append([]events.Event{events.Event(msg)}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.connected = true
		return m, nextEvent(m.streamCh)

	case streamDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, followStream(m.apiURL, m.token, m.streamCh)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.token)
		})
	}

	return m, nil
}

func workerRows(workers []engine.WorkerStatus) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		state := "dead"
		if w.Live {
			state = "live"
		}
		rows = append(rows, table.Row{
			w.ID,
			fmt.Sprintf("%d", w.PID),
			state,
			fmt.Sprintf("%d", w.Assigned),
			time.Since(w.StartedAt).Truncate(time.Second).String(),
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := m.renderHeader()
	workers := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Workers"),
		m.workerTable.View(),
	))
	stream := m.renderEventLog()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(" ! " + m.lastError)
	}

	help := m.theme.Dim.Render(" [q] quit")

	parts := []string{header, workers, stream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	conn := m.theme.StatusFailed.Render("offline")
	if m.connected {
		conn = m.theme.StatusOK.Render("online")
	}

	s := m.status
	line := fmt.Sprintf("%s  queue %d (cmd %d / ev %d)  in-flight %d  up %s",
		conn,
		s.Engine.QueueDepth, s.Engine.QueuedCommands, s.Engine.QueuedEvents,
		s.Engine.InflightCommands+s.Engine.InflightEvents,
		(time.Duration(s.UptimeSeconds) * time.Second).String(),
	)

	return m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("automationd"),
		" "+line,
	))
}

func (m Model) renderEventLog() string {
	lines := []string{m.theme.Title.Render("Events")}
	if len(m.eventLog) == 0 {
		lines = append(lines, m.theme.Dim.Render(" waiting for events..."))
	}
	max := len(m.eventLog)
	if max > 12 {
		max = 12
	}
	for _, ev := range m.eventLog[:max] {
		style := m.theme.Dim
		switch ev.Type {
		case events.TypeCompleted:
			style = m.theme.StatusOK
		case events.TypeDispatched:
			style = m.theme.StatusBusy
		case events.TypeWorkerExited:
			style = m.theme.StatusFailed
		}
		lines = append(lines, fmt.Sprintf(" %s %s %s",
			m.theme.Dim.Render(ev.At.Format("15:04:05")),
			style.Render(ev.Type),
			summarize(ev.Data),
		))
	}
	return m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// summarize flattens an event payload to a short single line.
func summarize(data json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	if id, ok := fields["invocation_id"].(string); ok {
		return id
	}
	if w, ok := fields["worker_id"].(string); ok {
		return w
	}
	return ""
}

// Run starts the watch TUI and blocks until the user quits.
func Run(apiURL, token string) error {
	p := tea.NewProgram(New(apiURL, token))
	_, err := p.Run()
	return err
}
