package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wardenhq/warden/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State rebuilt from the event stream
	health    HealthState
	tasks     map[string]*TaskState
	approvals map[string]*ApprovalState
	workers   map[string]*WorkerState
	eventLog  []events.Event

	theme Theme

	workerTable table.Model

	// Communication
	hubEvents chan events.Event

	lastError string
}

// HealthState mirrors /healthz plus stream connectivity.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	WorkersAlive  int
	WorkersTotal  int
	Connected     bool
	LastCheck     time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 16},
			{Title: "Health", Width: 9},
			{Title: "Busy", Width: 6},
			{Title: "Tags", Width: 30},
		}),
		table.WithHeight(5),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		tasks:     make(map[string]*TaskState),
		approvals: make(map[string]*ApprovalState),
		workers:   make(map[string]*WorkerState),
		eventLog:  make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		theme:       NewDefaultTheme(),
		workerTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchWorkers(m.apiURL, m.apiKey) },
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

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case eventMsg:
		e := events.Event(msg)

		// Event log, newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		applyEvent(m.tasks, m.approvals, m.workers, e)

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.WorkersAlive = msg.WorkersAlive
		m.health.WorkersTotal = msg.WorkersTotal
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case workersMsg:
		rows := make([]table.Row, 0, len(msg))
		for _, w := range msg {
			rows = append(rows, table.Row{
				w.ID,
				w.Health,
				fmt.Sprintf("%d/%d", w.InFlight, w.Concurrency),
				strings.Join(w.Tags, ","),
			})
		}
		m.workerTable.SetRows(rows)
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchWorkers(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing warden watch..."
	}

	header := renderHeader(m.health, m.theme, m.width)
	tasks := renderTasks(m.tasks, m.theme, m.width)
	approvals := renderApprovals(m.approvals, m.theme, m.width)
	fleet := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("WORKERS"),
			m.workerTable.View(),
		),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit")

	parts := []string{header, tasks, approvals, fleet, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
