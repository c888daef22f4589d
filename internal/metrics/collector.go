// Package metrics provides Prometheus metrics for go-matbench.
//
// Metrics are grouped the way the dashboard panels read them:
//   - Session: info, plan size, progress
//   - Outcomes: classified units by mode and reason
//   - Children: spawns, exits, uptime, output pipeline health
//   - Measurements: trial durations, converged peaks, convergence iterations
package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/trial"
)

const namespace = "matbench"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version   string
	SessionID string
	Mode      string

	// PerUnitPeaks exports one peak gauge per library/operation/size.
	PerUnitPeaks bool
}

// Collector exports session metrics. It implements orchestrator.Recorder.
//
// Thread-safe: all methods can be called concurrently.
type Collector struct {
	// --- Session ---
	info           *prometheus.GaugeVec
	unitsPlanned   prometheus.Gauge
	unitsCompleted prometheus.Gauge
	progress       prometheus.Gauge
	elapsed        prometheus.Gauge

	// --- Outcomes ---
	outcomes *prometheus.CounterVec

	// --- Children ---
	childrenTotal *prometheus.CounterVec
	childExits    *prometheus.CounterVec
	childUptime   prometheus.Histogram
	linesRead     prometheus.Counter
	linesDropped  prometheus.Counter

	// --- Measurements ---
	trialDuration *prometheus.HistogramVec
	peakMemory    *prometheus.GaugeVec
	iterations    prometheus.Histogram

	perUnitPeaks bool
	startTime    time.Time

	mu        sync.Mutex
	completed int
	exitCodes map[int]int64
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the benchmark session (value always 1)",
		}, []string{"version", "session_id", "mode"}),
		unitsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_planned",
			Help:      "Units of work in the plan",
		}),
		unitsCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_completed",
			Help:      "Units of work classified so far",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Session progress (0.0 to 1.0)",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_elapsed_seconds",
			Help:      "Seconds since the session started",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Classified units of work by mode and reason",
		}, []string{"mode", "reason"}),
		childrenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "children_total",
			Help:      "Child processes run, by trial classification",
		}, []string{"reason"}),
		childExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Child process exits by category",
		}, []string{"category"}),
		childUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_uptime_seconds",
			Help:      "Child process lifetime",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_lines_total",
			Help:      "Child output lines read",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_lines_dropped_total",
			Help:      "Child output lines dropped before logging (lossy by design)",
		}),
		trialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_duration_seconds",
			Help:      "Duration of one benchmarked trial as reported by the child",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}, []string{"library", "operation"}),
		peakMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_memory_megabytes",
			Help:      "Converged peak memory per unit",
		}, []string{"library", "operation", "size"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "converge_iterations",
			Help:      "Children run per memory measurement",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
		}),
		perUnitPeaks: cfg.PerUnitPeaks,
		startTime:    time.Now(),
		exitCodes:    make(map[int]int64),
	}

	registry.MustRegister(
		c.info,
		c.unitsPlanned,
		c.unitsCompleted,
		c.progress,
		c.elapsed,
		c.outcomes,
		c.childrenTotal,
		c.childExits,
		c.childUptime,
		c.linesRead,
		c.linesDropped,
		c.trialDuration,
		c.peakMemory,
		c.iterations,
	)

	c.info.WithLabelValues(cfg.Version, cfg.SessionID, cfg.Mode).Set(1)

	// Every reason is exported from the start so rate() sees zeros
	mode := cfg.Mode
	if mode == "" {
		mode = "runtime"
	}
	for _, r := range job.Reasons {
		c.outcomes.WithLabelValues(mode, string(r))
	}

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// SetPlan updates plan progress. Matches orchestrator.Callbacks.OnUnitStart.
func (c *Collector) SetPlan(_ orchestrator.Unit, index, total int) {
	c.unitsPlanned.Set(float64(total))
	if total > 0 {
		c.progress.Set(float64(index) / float64(total))
	}
	c.elapsed.Set(time.Since(c.startTime).Seconds())
}

// ObserveTrial records one child. Matches orchestrator.Callbacks.OnTrial.
func (c *Collector) ObserveTrial(_ trial.Request, res trial.Result) {
	reason := job.ReasonMiscException
	if res.Outcome != nil {
		reason = res.Outcome.Reason
	}
	c.childrenTotal.WithLabelValues(string(reason)).Inc()

	// A child that never started has no exit to record
	if res.Elapsed > 0 {
		c.childExits.WithLabelValues(exitCategory(res.ExitCode)).Inc()
		c.childUptime.Observe(res.Elapsed.Seconds())

		c.mu.Lock()
		c.exitCodes[res.ExitCode]++
		c.mu.Unlock()
	}

	c.linesRead.Add(float64(res.Drain.Read))
	c.linesDropped.Add(float64(res.Drain.Dropped))
}

// Record implements orchestrator.Recorder.
func (c *Collector) Record(_ context.Context, rec orchestrator.Record) error {
	c.outcomes.WithLabelValues(string(rec.Mode), string(rec.Reason())).Inc()

	if rec.Outcome.Succeeded() {
		h := c.trialDuration.WithLabelValues(rec.Library, rec.Operation)
		for _, d := range rec.Outcome.TrialTimes {
			h.Observe(d.Seconds())
		}
		if rec.Mode == orchestrator.ModeMemory {
			c.iterations.Observe(float64(rec.Iterations))
			if c.perUnitPeaks && rec.PeakMB > 0 {
				c.peakMemory.WithLabelValues(rec.Library, rec.Operation, strconv.Itoa(rec.Size)).Set(float64(rec.PeakMB))
			}
		}
	}

	c.mu.Lock()
	c.completed++
	completed := c.completed
	c.mu.Unlock()

	c.unitsCompleted.Set(float64(completed))
	c.elapsed.Set(time.Since(c.startTime).Seconds())
	return nil
}

// exitCategory buckets an exit code. -1 means the exit was never observed.
func exitCategory(code int) string {
	switch {
	case code == 0:
		return "success"
	case code < 0:
		return "unknown"
	case code > 128:
		return "signal"
	default:
		return "error"
	}
}

// ExitCodes returns a copy of the observed exit code counts.
func (c *Collector) ExitCodes() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.exitCodes))
	for code, n := range c.exitCodes {
		out[code] = n
	}
	return out
}

// Completed returns the number of recorded units.
func (c *Collector) Completed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}
