// This file implements Aggregator which folds orchestrator records into:
//   - Per-unit statistics (see UnitStats)
//   - Classification counts
//   - Child process counts
//   - Output pipeline health (dropped lines)

package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/trial"
)

// DefaultDropThreshold is the drop rate above which log output is flagged
// as degraded.
const DefaultDropThreshold = 0.01

// AggregatedStats is a snapshot taken at Aggregate() time.
type AggregatedStats struct {
	Timestamp time.Time
	Elapsed   time.Duration

	// Plan progress
	TotalUnits     int
	CompletedUnits int
	CurrentUnit    string

	// Classification
	Counts   map[job.Reason]int64
	Failures int64

	// Children spawned, including every convergence iteration
	Children int64

	// Pipeline health (lossy-by-design)
	TotalLinesRead    int64
	TotalLinesDropped int64
	MetricsDegraded   bool

	PerUnit []UnitSummary
}

// Aggregator aggregates records across a session.
//
// Thread-safe: all methods can be called concurrently.
type Aggregator struct {
	mu        sync.RWMutex
	units     map[string]*UnitStats
	order     []string
	counts    map[job.Reason]int64
	total     int
	current   string
	startTime time.Time

	children     atomic.Int64
	linesRead    atomic.Int64
	linesDropped atomic.Int64

	dropThreshold float64
}

// NewAggregator creates an aggregator.
func NewAggregator(dropThreshold float64) *Aggregator {
	if dropThreshold <= 0 {
		dropThreshold = DefaultDropThreshold
	}
	return &Aggregator{
		units:         make(map[string]*UnitStats),
		counts:        make(map[job.Reason]int64),
		startTime:     time.Now(),
		dropThreshold: dropThreshold,
	}
}

func unitKey(library, operation string, size int) string {
	return fmt.Sprintf("%s/%s/%d", library, operation, size)
}

// SetPlan records the number of units and the one in progress.
func (a *Aggregator) SetPlan(u orchestrator.Unit, index, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = total
	a.current = u.String()
}

// ObserveTrial folds one child's drain statistics in.
func (a *Aggregator) ObserveTrial(_ trial.Request, res trial.Result) {
	a.children.Add(1)
	a.linesRead.Add(res.Drain.Read)
	a.linesDropped.Add(res.Drain.Dropped)
}

// Record implements orchestrator.Recorder.
func (a *Aggregator) Record(_ context.Context, rec orchestrator.Record) error {
	key := unitKey(rec.Library, rec.Operation, rec.Size)

	a.mu.Lock()
	us, ok := a.units[key]
	if !ok {
		us = NewUnitStats(rec.Library, rec.Operation, rec.Size)
		a.units[key] = us
		a.order = append(a.order, key)
	}
	a.counts[rec.Reason()]++
	a.mu.Unlock()

	if rec.Outcome.Succeeded() {
		us.AddTrialTimes(rec.Outcome.TrialTimes)
	}
	us.SetOutcome(rec.Reason(), rec.PeakMB, rec.Iterations, rec.Elapsed)
	return nil
}

// Aggregate computes a snapshot.
func (a *Aggregator) Aggregate() *AggregatedStats {
	a.mu.RLock()
	stats := &AggregatedStats{
		Timestamp:      time.Now(),
		Elapsed:        time.Since(a.startTime),
		TotalUnits:     a.total,
		CompletedUnits: len(a.order),
		CurrentUnit:    a.current,
		Counts:         make(map[job.Reason]int64, len(a.counts)),
		PerUnit:        make([]UnitSummary, 0, len(a.order)),
	}
	for r, n := range a.counts {
		stats.Counts[r] = n
		if r.IsFailure() {
			stats.Failures += n
		}
	}
	for _, key := range a.order {
		stats.PerUnit = append(stats.PerUnit, a.units[key].Summary())
	}
	a.mu.RUnlock()

	stats.Children = a.children.Load()
	stats.TotalLinesRead = a.linesRead.Load()
	stats.TotalLinesDropped = a.linesDropped.Load()
	if stats.TotalLinesRead > 0 {
		rate := float64(stats.TotalLinesDropped) / float64(stats.TotalLinesRead)
		stats.MetricsDegraded = rate > a.dropThreshold
	}
	return stats
}

// Unit returns the stats for one unit, or nil.
func (a *Aggregator) Unit(library, operation string, size int) *UnitStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.units[unitKey(library, operation, size)]
}

// StartTime returns when the aggregator was created.
func (a *Aggregator) StartTime() time.Time {
	return a.startTime
}

// Elapsed returns time since start.
func (a *Aggregator) Elapsed() time.Duration {
	return time.Since(a.startTime)
}
