// Package stats aggregates benchmark records for the dashboard and the exit
// summary.
//
// This file implements UnitStats which tracks one library/operation/size:
//   - Trial time distribution (T-Digest, exact min/max)
//   - Converged peak memory
//   - Final classification
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-matbench/internal/job"
)

// digestCompression bounds the digest to roughly 100 centroids.
const digestCompression = 100

// UnitStats holds statistics for one unit of work.
//
// Thread-safe: all fields are protected by mu.
type UnitStats struct {
	Library   string
	Operation string
	Size      int

	mu      sync.Mutex
	digest  *tdigest.TDigest
	trials  int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	peakMB  int
	reason  job.Reason
	runs    int
	elapsed time.Duration
}

// NewUnitStats creates stats for one unit.
func NewUnitStats(library, operation string, size int) *UnitStats {
	return &UnitStats{
		Library:   library,
		Operation: operation,
		Size:      size,
		digest:    tdigest.NewWithCompression(digestCompression),
	}
}

// AddTrialTimes records the per-trial durations of one child.
func (s *UnitStats) AddTrialTimes(times []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range times {
		if d < 0 {
			continue
		}
		s.digest.Add(float64(d.Nanoseconds()), 1)
		if s.trials == 0 || d < s.min {
			s.min = d
		}
		if d > s.max {
			s.max = d
		}
		s.trials++
		s.total += d
	}
}

// SetOutcome records the final classification of the unit.
func (s *UnitStats) SetOutcome(reason job.Reason, peakMB, runs int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reason = reason
	if peakMB > 0 {
		s.peakMB = peakMB
	}
	s.runs += runs
	s.elapsed += elapsed
}

// UnitSummary is a point-in-time copy of UnitStats.
type UnitSummary struct {
	Library   string
	Operation string
	Size      int

	Reason  job.Reason
	Trials  int64
	Mean    time.Duration
	Min     time.Duration
	Max     time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	PeakMB  int
	Runs    int
	Elapsed time.Duration
}

// Summary returns a snapshot.
func (s *UnitStats) Summary() UnitSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := UnitSummary{
		Library:   s.Library,
		Operation: s.Operation,
		Size:      s.Size,
		Reason:    s.reason,
		Trials:    s.trials,
		Min:       s.min,
		Max:       s.max,
		PeakMB:    s.peakMB,
		Runs:      s.runs,
		Elapsed:   s.elapsed,
	}
	if s.trials > 0 {
		sum.Mean = s.total / time.Duration(s.trials)
		sum.P50 = s.quantile(0.50)
		sum.P95 = s.quantile(0.95)
		sum.P99 = s.quantile(0.99)
	}
	return sum
}

// quantile clamps the digest estimate to the observed range.
func (s *UnitStats) quantile(q float64) time.Duration {
	d := time.Duration(s.digest.Quantile(q))
	if d < s.min {
		return s.min
	}
	if d > s.max {
		return s.max
	}
	return d
}
