// Package trial runs one job in one isolated child process.
//
// A trial ties the harness components together around a single child:
//
//	job.Channel.Write -> process.Launcher.Start
//	  -> stream.Drainer (stdout, stderr)     concurrent
//	  -> memory.PeakTracker                  concurrent
//	  -> supervisor.Monitor.Watch            blocks until terminal
//	-> classify -> job.Channel.Read -> job.Channel.Cleanup
//
// Every failure is converted into a job.Outcome; Run never returns an error.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/logging"
	"github.com/randomizedcoder/go-matbench/internal/memory"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/stream"
	"github.com/randomizedcoder/go-matbench/internal/supervisor"
)

// DefaultDrainTimeout bounds the wait for output streams after the child
// is gone.
const DefaultDrainTimeout = 5 * time.Second

// Config holds the collaborators shared by every trial.
type Config struct {
	Launcher *process.Launcher
	Channel  *job.Channel
	Monitor  *supervisor.Monitor

	// Sampler measures peak memory; nil disables tracking.
	Sampler        memory.Sampler
	SampleInterval time.Duration

	Drain        stream.Config
	DrainTimeout time.Duration

	// Verbose logs every child output line, not only warnings.
	Verbose bool

	Logger *slog.Logger
}

// Request is one trial.
type Request struct {
	Spec    job.Spec
	Library process.Library
	Limit   process.MemoryLimit

	// Deadline is the freeze deadline, measured from spawn.
	Deadline time.Duration

	// Capture keeps the child's complete stdout as the payload.
	Capture bool

	// TrackMemory samples the child's peak resident memory.
	TrackMemory bool
}

// Result is everything observed about one trial.
type Result struct {
	Outcome  *job.Outcome
	Monitor  supervisor.Result
	ExitCode int
	Payload  string
	Drain    stream.Stats
	Recent   []string
	Elapsed  time.Duration
}

// Runner executes trials one at a time.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Drain.BufferSize == 0 && cfg.Drain.MaxLineBytes == 0 {
		cfg.Drain = stream.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Drain.Logger == nil {
		cfg.Drain.Logger = logger
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes req and classifies its outcome. The returned Outcome always
// carries req.Spec.RunID.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	spec := req.Spec
	attrs := []any{"run_id", spec.RunID, "job", spec.String()}

	if ctx.Err() != nil {
		return Result{Outcome: job.Failed(spec.RunID, job.ReasonUserRequested, "cancelled before start")}
	}

	h, err := r.cfg.Launcher.Launch(r.cfg.Channel, spec, req.Library, req.Limit)
	if err != nil {
		r.cleanup(ctx, attrs)
		return Result{Outcome: job.Failed(spec.RunID, job.ReasonMiscException, "%v", err)}
	}
	defer h.Close()

	r.logger.Debug("trial_started", append([]any{"pid", h.PID, "limit", req.Limit.String()}, attrs...)...)

	sink := logging.NewOutputHandler(spec.String(), r.logger, r.cfg.Verbose)
	drainCfg := r.cfg.Drain
	drainCfg.Accumulate = req.Capture
	drainer := stream.NewDrainer(drainCfg, sink)
	drainer.Start(h.Stdout, h.Stderr)

	var tracker *memory.PeakTracker
	if req.TrackMemory && r.cfg.Sampler != nil {
		tracker = memory.StartPeakTracker(r.cfg.Sampler, h.PID, r.cfg.SampleInterval)
	}

	mon := r.cfg.Monitor.Watch(ctx, h, req.Deadline, attrs...)

	peak := memory.Unknown
	if tracker != nil {
		peak = tracker.Stop()
	}

	if err := drainer.Wait(r.cfg.DrainTimeout); errors.Is(err, stream.ErrDrainTimeout) {
		// A surviving descendant holds the pipe; closing our end ends the read
		h.Close()
		drainer.Wait(r.cfg.DrainTimeout)
	}

	// An unconfirmed kill leaves no exit status to read
	exitCode := -1
	if h.Exited() {
		exitCode = h.ExitCode()
	}

	res := Result{
		Monitor:  mon,
		ExitCode: exitCode,
		Payload:  drainer.Payload(),
		Drain:    drainer.Stats(),
		Recent:   sink.RecentLines(5),
		Elapsed:  h.Uptime(),
	}
	res.Outcome = r.classify(spec, req, res)
	res.Outcome.RunID = spec.RunID
	res.Outcome.PeakBytes = peak

	r.cleanup(ctx, attrs)

	r.logger.Debug("trial_finished", append([]any{
		"reason", string(res.Outcome.Reason),
		"exit_code", res.ExitCode,
		"state", mon.State.String(),
		"elapsed", res.Elapsed.String(),
		"peak_mb", memory.BytesToMB(peak),
	}, attrs...)...)

	return res
}

// classify maps what was observed onto the failure taxonomy. Only a child
// that exited with status 0 has its result file read.
func (r *Runner) classify(spec job.Spec, req Request, res Result) *job.Outcome {
	switch {
	case res.Monitor.Cancelled():
		return job.Failed(spec.RunID, job.ReasonUserRequested, "cancelled after %s", res.Elapsed.Round(time.Millisecond))

	case res.Monitor.Frozen():
		return job.Failed(spec.RunID, job.ReasonFrozen, "no exit within %s", req.Deadline)

	case res.ExitCode != 0:
		msg := fmt.Sprintf("exit code %d", res.ExitCode)
		if len(res.Recent) > 0 {
			msg += ": " + res.Recent[len(res.Recent)-1]
		}
		return job.Failed(spec.RunID, job.ReasonReturnNotZero, "%s", msg)
	}

	if spec.Kind == job.KindVersion {
		return versionOutcome(spec.RunID, res.Payload)
	}

	out := r.cfg.Channel.Read(spec.RunID)
	if out == nil {
		return job.Failed(spec.RunID, job.ReasonMiscException, "stale result")
	}
	return out
}

func versionOutcome(runID int64, payload string) *job.Outcome {
	line, _, _ := strings.Cut(strings.TrimSpace(payload), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return job.Failed(runID, job.ReasonMiscException, "empty version output")
	}
	return &job.Outcome{RunID: runID, Reason: job.ReasonSuccess, Version: line}
}

func (r *Runner) cleanup(ctx context.Context, attrs []any) {
	// Files are removed even when the trial was cancelled
	if err := r.cfg.Channel.Cleanup(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("trial_cleanup_failed", append([]any{"error", err}, attrs...)...)
	}
}
