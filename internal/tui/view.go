package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	if m.stats != nil {
		sections = append(sections, m.renderOutcomes())
	}

	if len(m.failures) > 0 {
		sections = append(sections, m.renderFailures())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-unit details.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderUnitTable())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	logsLabel := GetMetricsLabel(m.DropRate())

	children := int64(0)
	if m.stats != nil {
		children = m.stats.Children
	}

	header := fmt.Sprintf(
		" go-matbench │ %s │ %s │ Children: %s │ Elapsed: %s ",
		m.mode,
		logsLabel,
		stats.FormatNumber(children),
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.Progress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case m.stats == nil || m.stats.TotalUnits == 0:
		status = dimStyle.Render("Waiting for the first unit...")
	case m.stats.CompletedUnits >= m.stats.TotalUnits:
		status = statusOK.Render(fmt.Sprintf("✓ All %d units complete", m.stats.TotalUnits))
	default:
		status = statusInfo.Render(fmt.Sprintf("Running %s (%d/%d)",
			m.stats.CurrentUnit, m.stats.CompletedUnits+1, m.stats.TotalUnits))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Plan Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Outcomes
// =============================================================================

func (m Model) renderOutcomes() string {
	lines := []string{sectionHeaderStyle.Render("Outcomes")}

	for _, r := range job.Reasons {
		n := m.stats.Counts[r]
		if n == 0 && r != job.ReasonSuccess {
			continue
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render(string(r)+":"),
			ReasonStyle(r).Render(stats.FormatNumber(n)),
		))
	}

	lines = append(lines, RenderKeyValue("Output lines", stats.FormatNumber(m.stats.TotalLinesRead)))
	if m.stats.TotalLinesDropped > 0 {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Dropped lines:"),
			statusWarning.Render(stats.FormatNumber(m.stats.TotalLinesDropped)),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Recent Failures
// =============================================================================

func (m Model) renderFailures() string {
	lines := []string{sectionHeaderStyle.Render("Recent Failures")}

	maxMsg := m.width - 50
	if maxMsg < 20 {
		maxMsg = 20
	}

	for _, rec := range m.failures {
		msg := ""
		if rec.Outcome != nil {
			msg = rec.Outcome.Message
		}
		if len(msg) > maxMsg {
			msg = msg[:maxMsg-3] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			boldStyle.Render(recordLabel(rec)),
			ReasonStyle(rec.Reason()).Render(string(rec.Reason())),
			mutedStyle.Render(msg),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func recordLabel(rec orchestrator.Record) string {
	return fmt.Sprintf("%s/%s/%d", rec.Library, rec.Operation, rec.Size)
}

// =============================================================================
// Per-Unit Table
// =============================================================================

func (m Model) renderUnitTable() string {
	if m.stats == nil || len(m.stats.PerUnit) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No per-unit data available. Press 'd' to toggle."),
		)
	}

	var header string
	if m.mode == orchestrator.ModeMemory {
		header = fmt.Sprintf("%-28s %-16s %8s %6s", "Unit", "Outcome", "Peak", "Runs")
	} else {
		header = fmt.Sprintf("%-28s %-16s %10s %10s %10s", "Unit", "Outcome", "Mean", "P50", "P99")
	}

	// Most recent units are the interesting ones
	maxRows := m.height - 10
	if maxRows < 5 {
		maxRows = 5
	}
	units := m.stats.PerUnit
	var rows []string
	if len(units) > maxRows {
		rows = append(rows, dimStyle.Render(fmt.Sprintf("... %d earlier units", len(units)-maxRows)))
		units = units[len(units)-maxRows:]
	}

	for i, u := range units {
		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		reason := ReasonStyle(u.Reason).Render(fmt.Sprintf("%-16s", u.Reason))
		label := fmt.Sprintf("%-28s", fmt.Sprintf("%s/%s/%d", u.Library, u.Operation, u.Size))

		var rest string
		if m.mode == orchestrator.ModeMemory {
			peak := "-"
			if u.PeakMB > 0 {
				peak = fmt.Sprintf("%d MB", u.PeakMB)
			}
			rest = fmt.Sprintf("%8s %6d", peak, u.Runs)
		} else {
			rest = fmt.Sprintf("%10s %10s %10s", msOrDash(u), stats.FormatMs(u.P50), stats.FormatMs(u.P99))
		}
		rows = append(rows, rowStyle.Render(label)+" "+reason+" "+rowStyle.Render(rest))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Per-Unit Statistics"),
			tableHeaderStyle.Render(header),
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func msOrDash(u stats.UnitSummary) string {
	if u.Trials == 0 {
		return "-"
	}
	return stats.FormatMs(u.Mean)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: stop",
		"d: toggle details",
		"r: refresh",
	}

	right := "Session: " + m.sessionID
	if m.metricsAddr != "" {
		right += " │ Metrics: " + m.metricsAddr
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	rightStyled := dimStyle.Render(right)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(rightStyled) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			rightStyled,
		),
	)
}
