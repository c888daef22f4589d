package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/stats"
)

type fixedSource struct {
	stats *stats.AggregatedStats
	calls int
}

func (f *fixedSource) Aggregate() *stats.AggregatedStats {
	f.calls++
	return f.stats
}

func sampleStats() *stats.AggregatedStats {
	return &stats.AggregatedStats{
		TotalUnits:     4,
		CompletedUnits: 2,
		CurrentUnit:    "ejml/mult/100",
		Counts: map[job.Reason]int64{
			job.ReasonSuccess:     1,
			job.ReasonOutOfMemory: 1,
		},
		Children:       3,
		TotalLinesRead: 200,
		PerUnit: []stats.UnitSummary{
			{Library: "ejml", Operation: "add", Size: 10, Reason: job.ReasonSuccess, Trials: 3, Mean: 2 * time.Millisecond, P50: 2 * time.Millisecond, P99: 3 * time.Millisecond, PeakMB: 64, Runs: 2},
			{Library: "ejml", Operation: "add", Size: 100, Reason: job.ReasonOutOfMemory},
		},
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// =============================================================================
// Tests: Styles
// =============================================================================

func TestGetMetricsStatus(t *testing.T) {
	tests := []struct {
		name     string
		dropRate float64
		want     MetricsStatus
	}{
		{"no drops", 0, MetricsStatusOK},
		{"tiny drops", 0.001, MetricsStatusDegraded},
		{"10% drops", 0.10, MetricsStatusDegraded},
		{"11% drops", 0.11, MetricsStatusSeverelyDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMetricsStatus(tt.dropRate); got != tt.want {
				t.Errorf("GetMetricsStatus(%v) = %v, want %v", tt.dropRate, got, tt.want)
			}
		})
	}
}

func TestGetMetricsLabel(t *testing.T) {
	if got := GetMetricsLabel(0); !strings.Contains(got, "Logs") || strings.Contains(got, "degraded") {
		t.Errorf("GetMetricsLabel(0) = %q", got)
	}
	if got := GetMetricsLabel(0.5); !strings.Contains(got, "severely degraded") {
		t.Errorf("GetMetricsLabel(0.5) = %q", got)
	}
}

func TestReasonStyle(t *testing.T) {
	tests := []struct {
		reason job.Reason
		want   any
	}{
		{job.ReasonSuccess, colorSuccess},
		{job.ReasonUserRequested, colorInfo},
		{job.ReasonOutOfMemory, colorWarning},
		{job.ReasonSkipped, colorWarning},
		{job.ReasonFrozen, colorError},
		{job.ReasonReturnNotZero, colorError},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := ReasonStyle(tt.reason).GetForeground(); got != tt.want {
				t.Errorf("ReasonStyle(%s) foreground = %v, want %v", tt.reason, got, tt.want)
			}
		})
	}
}

func TestRenderProgressBar(t *testing.T) {
	bar := RenderProgressBar(0.5, 20)
	if !strings.Contains(bar, "50%") {
		t.Errorf("missing percent: %q", bar)
	}
	if strings.Count(bar, "█") != 10 {
		t.Errorf("filled = %d, want 10", strings.Count(bar, "█"))
	}
	if over := RenderProgressBar(2, 10); strings.Contains(over, "░") {
		t.Errorf("overfull bar has empty cells: %q", over)
	}
}

// =============================================================================
// Tests: Model
// =============================================================================

func TestModel_QuitCancelsSession(t *testing.T) {
	for _, k := range []tea.KeyMsg{key("q"), {Type: tea.KeyCtrlC}, {Type: tea.KeyEsc}} {
		t.Run(k.String(), func(t *testing.T) {
			cancelled := false
			m := New(Config{Cancel: func() { cancelled = true }})

			next, cmd := m.Update(k)

			if !cancelled {
				t.Error("cancel not called")
			}
			if cmd == nil {
				t.Error("expected quit command")
			}
			if v := next.(Model).View(); v != "" {
				t.Errorf("View after quit = %q", v)
			}
		})
	}
}

func TestModel_QuitWithoutCancel(t *testing.T) {
	m := New(Config{})
	if _, cmd := m.Update(key("q")); cmd == nil {
		t.Error("expected quit command")
	}
}

func TestModel_ToggleDetails(t *testing.T) {
	m := New(Config{})
	next, _ := m.Update(key("d"))
	if !next.(Model).detailedView {
		t.Error("d should enable the detailed view")
	}
	next, _ = next.Update(key("d"))
	if next.(Model).detailedView {
		t.Error("second d should disable the detailed view")
	}
}

func TestModel_TickPullsStats(t *testing.T) {
	src := &fixedSource{stats: sampleStats()}
	m := New(Config{StatsSource: src})

	next, cmd := m.Update(TickMsg(time.Now()))

	if src.calls != 1 {
		t.Errorf("Aggregate calls = %d, want 1", src.calls)
	}
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if got := next.(Model).Progress(); got != 0.5 {
		t.Errorf("Progress() = %v, want 0.5", got)
	}
}

func TestModel_StatsMsgAndQuitMsg(t *testing.T) {
	m := New(Config{})
	next, _ := m.Update(StatsMsg{Stats: sampleStats()})
	if next.(Model).stats == nil {
		t.Fatal("stats not stored")
	}
	next, cmd := next.Update(QuitMsg{})
	if cmd == nil || !next.(Model).quitting {
		t.Error("QuitMsg should quit")
	}
}

func TestModel_FailuresBounded(t *testing.T) {
	var m tea.Model = New(Config{})
	for i := 0; i < maxFailures+3; i++ {
		m, _ = m.Update(FailureMsg{Record: orchestrator.Record{Library: "ejml", Operation: "add", Size: i}})
	}

	got := m.(Model).Failures()
	if len(got) != maxFailures {
		t.Fatalf("len(Failures) = %d, want %d", len(got), maxFailures)
	}
	if got[0].Size != 3 || got[maxFailures-1].Size != maxFailures+2 {
		t.Errorf("expected newest failures, got sizes %d..%d", got[0].Size, got[maxFailures-1].Size)
	}
}

func TestModel_ProgressAndDropRate(t *testing.T) {
	m := New(Config{})
	if m.Progress() != 0 || m.DropRate() != 0 {
		t.Error("empty model should report zero")
	}

	m.stats = &stats.AggregatedStats{TotalUnits: 2, CompletedUnits: 5, TotalLinesRead: 100, TotalLinesDropped: 25}
	if m.Progress() != 1 {
		t.Errorf("Progress() = %v, want clamp to 1", m.Progress())
	}
	if m.DropRate() != 0.25 {
		t.Errorf("DropRate() = %v, want 0.25", m.DropRate())
	}
}

// =============================================================================
// Tests: Views
// =============================================================================

func TestView_Summary(t *testing.T) {
	m := New(Config{Mode: orchestrator.ModeRuntime, SessionID: "abc"})
	m.width = 120
	m.stats = sampleStats()
	next, _ := m.Update(FailureMsg{Record: orchestrator.Record{
		Library: "ejml", Operation: "mult", Size: 1000,
		Outcome: job.Failed(1, job.ReasonFrozen, "no exit within 1m0s"),
	}})

	view := next.(Model).View()
	for _, want := range []string{"go-matbench", "Plan Progress", "ejml/mult/100", "Outcomes", "out_of_memory", "Recent Failures", "frozen", "Session: abc"} {
		if !strings.Contains(view, want) {
			t.Errorf("summary view missing %q", want)
		}
	}
}

func TestView_Waiting(t *testing.T) {
	m := New(Config{})
	if !strings.Contains(m.View(), "Waiting") {
		t.Error("view without stats should say it is waiting")
	}
}

func TestView_Complete(t *testing.T) {
	m := New(Config{})
	m.stats = &stats.AggregatedStats{TotalUnits: 3, CompletedUnits: 3}
	if !strings.Contains(m.View(), "All 3 units complete") {
		t.Error("missing completion status")
	}
}

func TestView_DetailedRuntime(t *testing.T) {
	m := New(Config{Mode: orchestrator.ModeRuntime})
	m.width = 120
	m.stats = sampleStats()
	m.detailedView = true

	view := m.View()
	for _, want := range []string{"Per-Unit Statistics", "ejml/add/10", "Mean", "2 ms"} {
		if !strings.Contains(view, want) {
			t.Errorf("detailed view missing %q", want)
		}
	}
}

func TestView_DetailedMemory(t *testing.T) {
	m := New(Config{Mode: orchestrator.ModeMemory})
	m.width = 120
	m.stats = sampleStats()
	m.detailedView = true

	view := m.View()
	for _, want := range []string{"Peak", "64 MB", "ejml/add/100"} {
		if !strings.Contains(view, want) {
			t.Errorf("detailed view missing %q", want)
		}
	}
}

func TestView_DetailedEmpty(t *testing.T) {
	m := New(Config{})
	m.detailedView = true
	if !strings.Contains(m.View(), "No per-unit data") {
		t.Error("missing empty-table hint")
	}
}

// =============================================================================
// Tests: ConsoleReporter
// =============================================================================

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)

	r.ReportFailure(orchestrator.Record{
		Library: "ojalgo", Operation: "transpose", Size: 500,
		Outcome: job.Failed(7, job.ReasonReturnNotZero, "exit code 1"),
	})
	r.ReportFailure(orchestrator.Record{Library: "ojalgo", Operation: "add", Size: 1})

	out := buf.String()
	for _, want := range []string{"ojalgo/transpose/500", "return_not_zero", "exit code 1", "ojalgo/add/1", "misc_exception"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Errorf("lines = %d, want 2", n)
	}
}

var _ orchestrator.Reporter = (*ConsoleReporter)(nil)
var _ orchestrator.Reporter = (*Program)(nil)
