package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/stats"
)

// maxFailures is the number of recent failures kept for display.
const maxFailures = 5

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsMsg carries updated statistics.
type StatsMsg struct {
	Stats *stats.AggregatedStats
}

// FailureMsg carries a failed unit to the failure panel.
type FailureMsg struct {
	Record orchestrator.Record
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	mode        orchestrator.Mode
	sessionID   string
	metricsAddr string

	stats        *stats.AggregatedStats
	failures     []orchestrator.Record
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	width  int
	height int

	statsSource StatsSource

	// cancel stops the session when the operator quits.
	cancel func()

	quitting bool
}

// StatsSource provides aggregated statistics.
type StatsSource interface {
	Aggregate() *stats.AggregatedStats
}

// Config holds TUI configuration.
type Config struct {
	Mode        orchestrator.Mode
	SessionID   string
	MetricsAddr string
	StatsSource StatsSource

	// Cancel is called when the operator quits. It should cancel the
	// session's root context.
	Cancel func()
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		mode:        cfg.Mode,
		sessionID:   cfg.SessionID,
		metricsAddr: cfg.MetricsAddr,
		statsSource: cfg.StatsSource,
		cancel:      cfg.Cancel,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.statsSource != nil {
			m.stats = m.statsSource.Aggregate()
		}
		m.lastUpdate = time.Time(msg)
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		m.lastUpdate = time.Now()
		return m, nil

	case FailureMsg:
		m.failures = append(m.failures, msg.Record)
		if len(m.failures) > maxFailures {
			m.failures = m.failures[len(m.failures)-maxFailures:]
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Helper Methods
// =============================================================================

// Elapsed returns time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Progress returns the fraction of planned units completed (0.0 to 1.0).
func (m Model) Progress() float64 {
	if m.stats == nil || m.stats.TotalUnits == 0 {
		return 0
	}
	p := float64(m.stats.CompletedUnits) / float64(m.stats.TotalUnits)
	if p > 1 {
		return 1
	}
	return p
}

// DropRate returns the fraction of child output lines dropped.
func (m Model) DropRate() float64 {
	if m.stats == nil || m.stats.TotalLinesRead == 0 {
		return 0
	}
	return float64(m.stats.TotalLinesDropped) / float64(m.stats.TotalLinesRead)
}

// Failures returns the recent failures, oldest first.
func (m Model) Failures() []orchestrator.Record {
	return m.failures
}

// =============================================================================
// Program Helpers
// =============================================================================

// Program wraps a tea.Program for sending messages.
type Program struct {
	*tea.Program
}

// SendStats sends updated stats to the program.
func (p *Program) SendStats(s *stats.AggregatedStats) {
	p.Send(StatsMsg{Stats: s})
}

// SendQuit signals the program to quit.
func (p *Program) SendQuit() {
	p.Send(QuitMsg{})
}

// ReportFailure implements orchestrator.Reporter by routing failures to the
// dashboard's failure panel.
func (p *Program) ReportFailure(rec orchestrator.Record) {
	p.Send(FailureMsg{Record: rec})
}
