// This file implements the exit summary formatter which displays the
// results of a benchmark session at program exit.

package stats

import (
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/job"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	SessionID string

	// Mode is "runtime" or "memory"
	Mode string

	// Duration is the total run duration
	Duration time.Duration

	// Halted is set when the operator stopped the session early
	Halted bool

	// StorePath is where records were persisted, if anywhere
	StorePath string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// ShowPerUnit enables the per-unit table
	ShowPerUnit bool
}

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	fmt.Fprintf(b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(ruleLight)
	b.WriteString("\n")
}

// FormatExitSummary formats aggregated stats for display at program exit.
func FormatExitSummary(stats *AggregatedStats, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-matbench Exit Summary\n")
	b.WriteString(ruleHeavy)
	b.WriteString("\n")

	if cfg.Halted {
		b.WriteString("⚠️  SESSION HALTED: stopped by user request, results are partial\n\n")
	}

	fmt.Fprintf(&b, "Session:                %s\n", cfg.SessionID)
	fmt.Fprintf(&b, "Mode:                   %s\n", cfg.Mode)
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))

	if stats == nil {
		b.WriteString("\n(no records)\n\n")
		b.WriteString(ruleHeavy)
		return b.String()
	}

	fmt.Fprintf(&b, "Units:                  %d / %d\n", stats.CompletedUnits, stats.TotalUnits)
	fmt.Fprintf(&b, "Child Processes:        %s\n\n", FormatNumber(stats.Children))

	section(&b, "Outcomes")
	for _, r := range job.Reasons {
		n := stats.Counts[r]
		if n == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %-22s %6d  %s\n", r, n, reasonLabel(r))
	}
	b.WriteString("\n")

	if cfg.ShowPerUnit && len(stats.PerUnit) > 0 {
		if cfg.Mode == "memory" {
			section(&b, "Peak Memory")
			fmt.Fprintf(&b, "  %-32s %10s %6s  %s\n", "Unit", "Peak", "Runs", "Outcome")
			b.WriteString("  " + strings.Repeat("─", 62) + "\n")
			for _, u := range stats.PerUnit {
				peak := "-"
				if u.PeakMB > 0 {
					peak = fmt.Sprintf("%d MB", u.PeakMB)
				}
				fmt.Fprintf(&b, "  %-32s %10s %6d  %s\n", unitLabel(u), peak, u.Runs, u.Reason)
			}
		} else {
			section(&b, "Trial Times")
			fmt.Fprintf(&b, "  %-32s %10s %10s %10s  %s\n", "Unit", "Mean", "P50", "P95", "Outcome")
			b.WriteString("  " + strings.Repeat("─", 74) + "\n")
			for _, u := range stats.PerUnit {
				if u.Trials == 0 {
					fmt.Fprintf(&b, "  %-32s %10s %10s %10s  %s\n", unitLabel(u), "-", "-", "-", u.Reason)
					continue
				}
				fmt.Fprintf(&b, "  %-32s %10s %10s %10s  %s\n",
					unitLabel(u), FormatMs(u.Mean), FormatMs(u.P50), FormatMs(u.P95), u.Reason)
			}
		}
		b.WriteString("\n")
	}

	footnotes := renderFootnotes(stats)
	if footnotes != "" {
		b.WriteString(footnotes)
	}

	if cfg.StorePath != "" {
		fmt.Fprintf(&b, "Results stored in: %s\n", cfg.StorePath)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)
	return b.String()
}

func unitLabel(u UnitSummary) string {
	return fmt.Sprintf("%s/%s/%d", u.Library, u.Operation, u.Size)
}

// renderFootnotes adds diagnostic info that doesn't belong in main metrics.
func renderFootnotes(stats *AggregatedStats) string {
	var footnotes []string

	if stats.MetricsDegraded {
		footnotes = append(footnotes, fmt.Sprintf(
			"[1] Child log output degraded: %s of %s lines dropped (results unaffected)",
			FormatNumber(stats.TotalLinesDropped), FormatNumber(stats.TotalLinesRead)))
	}

	if n := stats.Counts[job.ReasonSkipped]; n > 0 {
		footnotes = append(footnotes, fmt.Sprintf(
			"[2] %d units skipped after the same operation failed at a smaller size", n))
	}

	if len(footnotes) == 0 {
		return ""
	}

	var b strings.Builder
	section(&b, "Footnotes")
	for _, fn := range footnotes {
		fmt.Fprintf(&b, "  %s\n", fn)
	}
	b.WriteString("\n")
	return b.String()
}

// reasonLabel returns a human-readable label for a classification.
func reasonLabel(r job.Reason) string {
	switch r {
	case job.ReasonSuccess:
		return "(completed)"
	case job.ReasonOutOfMemory:
		return "(heap exhausted, expected while converging)"
	case job.ReasonFrozen:
		return "(killed at freeze deadline)"
	case job.ReasonReturnNotZero:
		return "(crashed)"
	case job.ReasonTooSlow:
		return "(over soft time budget)"
	case job.ReasonReadConfigFailure:
		return "(could not read job)"
	case job.ReasonUserRequested:
		return "(cancelled)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
