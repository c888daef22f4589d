package stats

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/stream"
	"github.com/randomizedcoder/go-matbench/internal/trial"
)

func record(op string, size int, reason job.Reason, times ...time.Duration) orchestrator.Record {
	return orchestrator.Record{
		Mode:       orchestrator.ModeRuntime,
		Library:    "ejml",
		Operation:  op,
		Size:       size,
		Outcome:    &job.Outcome{Reason: reason, TrialTimes: times},
		Iterations: 1,
		Elapsed:    10 * time.Millisecond,
	}
}

// =============================================================================
// UnitStats
// =============================================================================

func TestUnitStats_Percentiles(t *testing.T) {
	us := NewUnitStats("ejml", "add", 100)
	times := make([]time.Duration, 0, 100)
	for i := 1; i <= 100; i++ {
		times = append(times, time.Duration(i)*time.Millisecond)
	}
	us.AddTrialTimes(times)

	s := us.Summary()
	assert.Equal(t, int64(100), s.Trials)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.InDelta(t, float64(50*time.Millisecond), float64(s.P50), float64(3*time.Millisecond))
	assert.InDelta(t, float64(95*time.Millisecond), float64(s.P95), float64(3*time.Millisecond))
	assert.LessOrEqual(t, s.P99, s.Max)
}

func TestUnitStats_Empty(t *testing.T) {
	s := NewUnitStats("ejml", "add", 100).Summary()
	assert.Zero(t, s.Trials)
	assert.Zero(t, s.Mean)
	assert.Zero(t, s.P50)
}

func TestUnitStats_SingleTrial(t *testing.T) {
	us := NewUnitStats("ejml", "add", 100)
	us.AddTrialTimes([]time.Duration{2 * time.Millisecond, -1})

	s := us.Summary()
	assert.Equal(t, int64(1), s.Trials, "negative durations ignored")
	assert.Equal(t, 2*time.Millisecond, s.P50)
	assert.Equal(t, 2*time.Millisecond, s.P99)
}

func TestUnitStats_SetOutcomeKeepsPeak(t *testing.T) {
	us := NewUnitStats("ejml", "add", 100)
	us.SetOutcome(job.ReasonSuccess, 395, 2, time.Second)
	us.SetOutcome(job.ReasonOutOfMemory, 0, 1, time.Second)

	s := us.Summary()
	assert.Equal(t, 395, s.PeakMB)
	assert.Equal(t, 3, s.Runs)
	assert.Equal(t, job.ReasonOutOfMemory, s.Reason)
	assert.Equal(t, 2*time.Second, s.Elapsed)
}

// =============================================================================
// Aggregator
// =============================================================================

func TestAggregator_Record(t *testing.T) {
	a := NewAggregator(0)
	ctx := context.Background()

	a.SetPlan(orchestrator.Unit{Library: process.Library{Name: "ejml"}, Operation: "add", Size: 10}, 0, 4)
	require.NoError(t, a.Record(ctx, record("add", 10, job.ReasonSuccess, 2*time.Millisecond, 4*time.Millisecond)))
	require.NoError(t, a.Record(ctx, record("add", 20, job.ReasonFrozen)))
	require.NoError(t, a.Record(ctx, record("add", 30, job.ReasonSkipped)))

	stats := a.Aggregate()
	assert.Equal(t, 4, stats.TotalUnits)
	assert.Equal(t, 3, stats.CompletedUnits)
	assert.Equal(t, "ejml/add/10", stats.CurrentUnit)
	assert.Equal(t, int64(1), stats.Counts[job.ReasonSuccess])
	assert.Equal(t, int64(1), stats.Counts[job.ReasonFrozen])
	assert.Equal(t, int64(2), stats.Failures)

	require.Len(t, stats.PerUnit, 3)
	assert.Equal(t, 10, stats.PerUnit[0].Size, "insertion order")
	assert.Equal(t, 3*time.Millisecond, stats.PerUnit[0].Mean)
	assert.Zero(t, stats.PerUnit[1].Trials, "failed trials add no times")

	assert.NotNil(t, a.Unit("ejml", "add", 20))
	assert.Nil(t, a.Unit("ejml", "add", 40))
}

func TestAggregator_NilOutcome(t *testing.T) {
	a := NewAggregator(0)
	require.NoError(t, a.Record(context.Background(), orchestrator.Record{Library: "x", Operation: "add", Size: 1}))
	assert.Equal(t, int64(1), a.Aggregate().Counts[job.ReasonMiscException])
}

func TestAggregator_PipelineHealth(t *testing.T) {
	a := NewAggregator(0.01)
	a.ObserveTrial(trial.Request{}, trial.Result{Drain: stream.Stats{Read: 1000, Dropped: 5}})
	assert.False(t, a.Aggregate().MetricsDegraded)

	a.ObserveTrial(trial.Request{}, trial.Result{Drain: stream.Stats{Read: 1000, Dropped: 100}})
	stats := a.Aggregate()
	assert.True(t, stats.MetricsDegraded)
	assert.Equal(t, int64(2), stats.Children)
	assert.Equal(t, int64(2000), stats.TotalLinesRead)
}

func TestAggregator_Concurrent(t *testing.T) {
	a := NewAggregator(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = a.Record(context.Background(), record("add", i, job.ReasonSuccess, time.Millisecond))
				_ = a.Aggregate()
			}
		}(i)
	}
	wg.Wait()

	stats := a.Aggregate()
	assert.Equal(t, int64(400), stats.Counts[job.ReasonSuccess])
	assert.Len(t, stats.PerUnit, 8)
}

// =============================================================================
// Exit summary
// =============================================================================

func TestFormatExitSummary_NilStats(t *testing.T) {
	out := FormatExitSummary(nil, SummaryConfig{SessionID: "abc", Mode: "runtime", Duration: time.Minute})
	assert.Contains(t, out, "go-matbench Exit Summary")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "00:01:00")
	assert.Contains(t, out, "(no records)")
}

func TestFormatExitSummary_Runtime(t *testing.T) {
	a := NewAggregator(0)
	ctx := context.Background()
	_ = a.Record(ctx, record("add", 10, job.ReasonSuccess, 2*time.Millisecond))
	_ = a.Record(ctx, record("add", 20, job.ReasonSkipped))

	out := FormatExitSummary(a.Aggregate(), SummaryConfig{
		Mode:        "runtime",
		ShowPerUnit: true,
		StorePath:   "/tmp/results.db",
		MetricsAddr: "0.0.0.0:17091",
	})

	assert.Contains(t, out, "Trial Times")
	assert.Contains(t, out, "ejml/add/10")
	assert.Contains(t, out, "2 ms")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "[2] 1 units skipped")
	assert.Contains(t, out, "/tmp/results.db")
	assert.Contains(t, out, "http://0.0.0.0:17091/metrics")
	assert.NotContains(t, out, "SESSION HALTED")
}

func TestFormatExitSummary_Memory(t *testing.T) {
	a := NewAggregator(0)
	rec := record("mult", 500, job.ReasonSuccess)
	rec.Mode = orchestrator.ModeMemory
	rec.PeakMB = 395
	rec.Iterations = 2
	_ = a.Record(context.Background(), rec)

	out := FormatExitSummary(a.Aggregate(), SummaryConfig{Mode: "memory", ShowPerUnit: true, Halted: true})
	assert.Contains(t, out, "Peak Memory")
	assert.Contains(t, out, "395 MB")
	assert.Contains(t, out, "SESSION HALTED")
}

func TestFormatExitSummary_OutcomeOrder(t *testing.T) {
	a := NewAggregator(0)
	ctx := context.Background()
	_ = a.Record(ctx, record("add", 1, job.ReasonFrozen))
	_ = a.Record(ctx, record("add", 2, job.ReasonSuccess))

	out := FormatExitSummary(a.Aggregate(), SummaryConfig{})
	assert.Less(t, strings.Index(out, "success"), strings.Index(out, "frozen"))
}

// =============================================================================
// Table-Driven Tests: Formatting Functions
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "00:00:00"},
		{"one second", time.Second, "00:00:01"},
		{"one hour", time.Hour, "01:00:00"},
		{"mixed", 2*time.Hour + 30*time.Minute + 45*time.Second, "02:30:45"},
		{"sub-second", 500 * time.Millisecond, "00:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5K"},
		{2_500_000, "2.5M"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1500, "1.50 KB"},
		{400_000_000, "400.00 MB"},
		{2_000_000_000, "2.00 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0 ms"},
		{500 * time.Microsecond, "500 µs"},
		{2 * time.Millisecond, "2 ms"},
		{1500 * time.Millisecond, "1500 ms"},
	}
	for _, tt := range tests {
		if got := FormatMs(tt.in); got != tt.want {
			t.Errorf("FormatMs(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
