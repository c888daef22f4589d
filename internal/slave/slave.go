// Package slave is the built-in child process. It reads a job file, runs
// the requested operation against one of the matrix implementations and
// writes a result file for the master.
//
// The child never decides what the master should do with a failure. Every
// problem it can detect is written as an outcome and the process exits 0;
// a non-zero exit means the result file must not be trusted.
package slave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/logging"
	"github.com/randomizedcoder/go-matbench/internal/matrix"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitNoResult    = 1
	ExitInterrupted = 130
)

// Options is the child's parsed command line.
type Options struct {
	HeapMinMB int
	HeapMaxMB int
	Classpath string

	EntryPoint string
	JobPath    string
	RunID      int64

	// WatchInterval is the heap watchdog poll interval.
	WatchInterval time.Duration

	Stdout io.Writer
	Stderr io.Writer

	// Exit terminates the process from the heap watchdog. Defaults to os.Exit.
	Exit func(code int)
}

// ParseHeapMB parses a heap size such as "512m", "2g" or "256".
func ParseHeapMB(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := 1
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid heap size %q", s)
	}
	return n * mult, nil
}

// child holds the state of one child run.
type child struct {
	opts   Options
	logger *slog.Logger

	resultPath string
	once       sync.Once
	writeErr   error
}

// Run executes the job and returns the process exit code.
func Run(ctx context.Context, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = DefaultWatchInterval
	}

	c := &child{
		opts:   opts,
		logger: logging.NewLoggerWithWriter(opts.Stderr, "text", "info"),
		// Until the job file names one, use the conventional location
		resultPath: filepath.Join(filepath.Dir(opts.JobPath), job.ResultFileName),
	}
	return c.run(ctx)
}

func (c *child) run(ctx context.Context) int {
	env, err := job.ReadJobFile(c.opts.JobPath)
	if err != nil {
		return c.finish(job.Failed(c.opts.RunID, job.ReasonReadConfigFailure, "%v", err))
	}
	c.resultPath = env.ResultFile

	if env.RunID != c.opts.RunID {
		return c.finish(job.Failed(c.opts.RunID, job.ReasonReadConfigFailure,
			"job file is for run %d, started as run %d", env.RunID, c.opts.RunID))
	}

	spec := env.Job
	entry := c.opts.EntryPoint
	if entry == "" {
		entry = spec.EntryPoint
	}
	impl, err := matrix.Lookup(entry)
	if err != nil {
		return c.finish(job.Failed(spec.RunID, job.ReasonReadConfigFailure, "%v", err))
	}

	if spec.Kind == job.KindVersion {
		fmt.Fprintln(c.opts.Stdout, impl.Version())
		return ExitOK
	}

	if c.opts.HeapMaxMB > 0 {
		limit := int64(c.opts.HeapMaxMB) << 20
		debug.SetMemoryLimit(limit)
		stop := StartWatchdog(limit, c.opts.WatchInterval, func(used int64) {
			c.finish(job.Failed(spec.RunID, job.ReasonOutOfMemory,
				"heap %d MB exceeds limit %d MB", used>>20, c.opts.HeapMaxMB))
			c.opts.Exit(ExitOK)
		})
		defer stop()
	}

	c.logger.Info("child_started",
		"run_id", spec.RunID,
		"job", spec.String(),
		"impl", impl.Name(),
		"heap_min_mb", c.opts.HeapMinMB,
		"heap_max_mb", c.opts.HeapMaxMB,
	)

	out := c.benchmark(ctx, impl, spec)
	if out == nil {
		return ExitInterrupted
	}
	return c.finish(out)
}

// benchmark runs the trials. It returns nil when ctx is cancelled.
func (c *child) benchmark(ctx context.Context, impl matrix.Impl, spec job.Spec) (out *job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = job.Failed(spec.RunID, job.ReasonMiscException, "panic: %v", r)
		}
	}()

	op, err := matrix.LookupOperation(spec.Operation)
	if err != nil {
		return job.Failed(spec.RunID, job.ReasonReadConfigFailure, "%v", err)
	}
	if spec.Size < 1 {
		return job.Failed(spec.RunID, job.ReasonReadConfigFailure, "invalid size %d", spec.Size)
	}

	// The operands plus one result must fit under the heap ceiling
	need := int64(op.Arity+1) * int64(spec.Size) * int64(spec.Size) * 8
	if c.opts.HeapMaxMB > 0 && need > int64(c.opts.HeapMaxMB)<<20 {
		return job.Failed(spec.RunID, job.ReasonOutOfMemory,
			"%s at size %d needs %d MB, limit %d MB", op.Name, spec.Size, need>>20, c.opts.HeapMaxMB)
	}

	in := op.Inputs(spec.Size, spec.Seed)
	trials := max(spec.Trials, 1)
	times := make([]time.Duration, 0, trials)

	var checksum float64
	for i := 0; i < trials; i++ {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		res, err := op.Run(impl, in)
		elapsed := time.Since(start)
		if err != nil {
			return job.Failed(spec.RunID, job.ReasonMiscException, "%v", err)
		}
		checksum += res.Data[len(res.Data)-1]
		times = append(times, elapsed)

		fmt.Fprintf(c.opts.Stdout, "trial %d/%d %s\n", i+1, trials, elapsed)

		if spec.MaxTrialTime > 0 && elapsed > spec.MaxTrialTime {
			return &job.Outcome{
				RunID:      spec.RunID,
				Reason:     job.ReasonTooSlow,
				Message:    fmt.Sprintf("trial %d took %s, limit %s", i+1, elapsed, spec.MaxTrialTime),
				TrialTimes: times,
			}
		}
	}

	c.logger.Info("child_finished", "run_id", spec.RunID, "trials", len(times), "checksum", checksum)
	return &job.Outcome{RunID: spec.RunID, Reason: job.ReasonSuccess, TrialTimes: times}
}

// finish writes the result file once and returns the exit code.
func (c *child) finish(out *job.Outcome) int {
	c.once.Do(func() {
		c.writeErr = job.WriteResult(c.resultPath, out)
		if c.writeErr != nil {
			c.logger.Error("result_write_failed", "path", c.resultPath, "error", c.writeErr)
			return
		}
		if out.Reason != job.ReasonSuccess {
			c.logger.Warn("child_failed", "reason", string(out.Reason), "message", out.Message)
		}
	})
	if c.writeErr != nil {
		return ExitNoResult
	}
	return ExitOK
}
