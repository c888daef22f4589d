// Package converge searches for the smallest memory ceiling under which an
// operation still completes.
//
// The search is a descending-ceiling fixed point rather than a bisection:
// there is no lower bound other than zero, and a library's behaviour under
// memory pressure is not monotonic, so every step re-measures the peak at
// the new ceiling.
//
//	ceiling := max
//	peak := run(ceiling)          // failure here fails the measurement
//	loop:
//	  ceiling = peak
//	  peak' := run(ceiling)
//	  failure          -> report peak
//	  peak' >= ceiling - tolerance -> report peak'
//	  otherwise        -> peak = peak'
package converge

import (
	"context"
	"log/slog"
	"math"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/memory"
)

// TrialFunc runs one trial with the given heap ceiling. The returned
// outcome carries the observed peak in PeakBytes.
type TrialFunc func(ctx context.Context, ceilingMB int) *job.Outcome

// Config holds configuration for a Converger.
type Config struct {
	// MemoryMaxMB is the ceiling of the first run.
	MemoryMaxMB int

	// MemoryMinMB stops the descent once a peak is at or below it.
	MemoryMinMB int

	// TolerancePct is the convergence tolerance as a fraction of the
	// current ceiling.
	TolerancePct float64

	// MinToleranceMB is a floor on the tolerance; peaks are whole MB so a
	// pure percentage is too strict for small ceilings.
	MinToleranceMB int

	// MaxIterations caps the number of runs.
	MaxIterations int

	Logger *slog.Logger
}

// DefaultConfig returns the default search parameters.
func DefaultConfig() Config {
	return Config{
		MemoryMaxMB:    2048,
		MemoryMinMB:    50,
		TolerancePct:   0.01,
		MinToleranceMB: 5,
		MaxIterations:  30,
	}
}

// StopReason records why the search ended.
type StopReason string

const (
	StopConverged     StopReason = "converged"
	StopCeilingFailed StopReason = "ceiling_failed"
	StopFloorReached  StopReason = "floor_reached"
	StopIterationCap  StopReason = "iteration_cap"
	StopFirstFailed   StopReason = "first_failed"
	StopNoSamples     StopReason = "no_samples"
	StopCancelled     StopReason = "cancelled"
)

// Step is one run of the search.
type Step struct {
	CeilingMB int
	PeakMB    int
	Reason    job.Reason
}

// State is the mutable search state of one measurement.
type State struct {
	CeilingMB int
	Peaks     []int
	Iteration int
	Steps     []Step
}

// Result is the outcome of a search.
type Result struct {
	// Outcome is the outcome being reported: the last successful run, or
	// the failure that ended the measurement.
	Outcome *job.Outcome

	// PeakMB is the reported peak, zero on failure.
	PeakMB int

	Stop       StopReason
	Iterations int
	Steps      []Step
}

// Succeeded reports whether the search produced a measurement.
func (r Result) Succeeded() bool {
	return r.Outcome.Succeeded() && r.PeakMB > 0
}

// Converger runs the descending-ceiling search.
type Converger struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a converger. Unset fields take their defaults.
func New(cfg Config) *Converger {
	def := DefaultConfig()
	if cfg.MemoryMaxMB <= 0 {
		cfg.MemoryMaxMB = def.MemoryMaxMB
	}
	if cfg.MemoryMinMB < 0 {
		cfg.MemoryMinMB = 0
	}
	if cfg.TolerancePct <= 0 {
		cfg.TolerancePct = def.TolerancePct
	}
	if cfg.MinToleranceMB < 0 {
		cfg.MinToleranceMB = 0
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Converger{cfg: cfg, logger: logger}
}

// Tolerance returns the convergence tolerance in MB at ceilingMB.
func (c *Converger) Tolerance(ceilingMB int) int {
	tol := int(math.Ceil(c.cfg.TolerancePct * float64(ceilingMB)))
	return max(tol, c.cfg.MinToleranceMB)
}

// Converge runs trials through fn until the peak stops falling. attrs are
// added to every log line.
func (c *Converger) Converge(ctx context.Context, fn TrialFunc, attrs ...any) Result {
	st := &State{CeilingMB: c.cfg.MemoryMaxMB}

	out := c.run(ctx, fn, st, attrs)
	if !out.Succeeded() {
		stop := StopFirstFailed
		if out.Reason == job.ReasonUserRequested {
			stop = StopCancelled
		}
		return c.finish(st, out, 0, stop, attrs)
	}
	if out.PeakBytes <= 0 {
		failed := job.Failed(out.RunID, job.ReasonMiscException, "no memory samples for first run")
		return c.finish(st, failed, 0, StopNoSamples, attrs)
	}

	best, bestPeak := out, memory.BytesToMB(out.PeakBytes)
	st.Peaks = append(st.Peaks, bestPeak)

	// A peak at the ceiling leaves nothing to descend into
	if bestPeak >= st.CeilingMB {
		return c.finish(st, best, bestPeak, StopConverged, attrs)
	}

	for {
		if bestPeak <= c.cfg.MemoryMinMB {
			return c.finish(st, best, bestPeak, StopFloorReached, attrs)
		}
		if st.Iteration >= c.cfg.MaxIterations {
			c.logger.Warn("did_not_converge", append([]any{
				"iterations", st.Iteration,
				"peak_mb", bestPeak,
			}, attrs...)...)
			return c.finish(st, best, bestPeak, StopIterationCap, attrs)
		}

		st.CeilingMB = bestPeak
		out = c.run(ctx, fn, st, attrs)

		if out.Reason == job.ReasonUserRequested {
			return c.finish(st, out, 0, StopCancelled, attrs)
		}
		if !out.Succeeded() {
			// The new ceiling was insufficient; the previous peak stands
			return c.finish(st, best, bestPeak, StopCeilingFailed, attrs)
		}
		if out.PeakBytes <= 0 {
			return c.finish(st, best, bestPeak, StopNoSamples, attrs)
		}

		peak := memory.BytesToMB(out.PeakBytes)
		st.Peaks = append(st.Peaks, peak)

		if peak >= st.CeilingMB-c.Tolerance(st.CeilingMB) {
			return c.finish(st, out, peak, StopConverged, attrs)
		}
		best, bestPeak = out, peak
	}
}

func (c *Converger) run(ctx context.Context, fn TrialFunc, st *State, attrs []any) *job.Outcome {
	st.Iteration++
	out := fn(ctx, st.CeilingMB)
	if out == nil {
		out = job.Failed(0, job.ReasonMiscException, "trial returned no outcome")
	}

	step := Step{CeilingMB: st.CeilingMB, Reason: out.Reason}
	if out.Succeeded() {
		step.PeakMB = memory.BytesToMB(out.PeakBytes)
	}
	st.Steps = append(st.Steps, step)

	level := slog.LevelDebug
	if out.Reason.IsFailure() && !out.Reason.Expected() && st.Iteration == 1 {
		level = slog.LevelInfo
	}
	c.logger.Log(ctx, level, "converge_step", append([]any{
		"iteration", st.Iteration,
		"ceiling_mb", st.CeilingMB,
		"peak_mb", step.PeakMB,
		"reason", string(out.Reason),
	}, attrs...)...)

	return out
}

func (c *Converger) finish(st *State, out *job.Outcome, peakMB int, stop StopReason, attrs []any) Result {
	c.logger.Debug("converge_done", append([]any{
		"stop", string(stop),
		"iterations", st.Iteration,
		"peak_mb", peakMB,
	}, attrs...)...)

	return Result{
		Outcome:    out,
		PeakMB:     peakMB,
		Stop:       stop,
		Iterations: st.Iteration,
		Steps:      st.Steps,
	}
}
