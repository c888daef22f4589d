// Package orchestrator drives a benchmark session: for every library,
// operation and matrix size it runs either one timed child (runtime mode) or
// a memory convergence search (memory mode), classifies the outcome and
// hands it to the recorders.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/converge"
	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/memory"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/trial"
)

// ErrUserRequested is returned by Run when the operator cancelled the session.
var ErrUserRequested = errors.New("benchmark halted by user request")

// DefaultFreezeDeadline is the hard deadline for one benchmark child.
const DefaultFreezeDeadline = 60 * time.Second

// DefaultMustBeFrozen is the deadline for query-only children.
const DefaultMustBeFrozen = 3 * time.Second

// Mode selects what is measured.
type Mode string

const (
	ModeRuntime Mode = "runtime"
	ModeMemory  Mode = "memory"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRuntime || m == ModeMemory
}

// Unit is one unit of work.
type Unit struct {
	Library   process.Library
	Operation string
	Size      int
}

func (u Unit) String() string {
	return fmt.Sprintf("%s/%s/%d", u.Library.Name, u.Operation, u.Size)
}

func (u Unit) key() string {
	return u.Library.Name + "/" + u.Operation
}

// Record is the classified result of one unit of work.
type Record struct {
	SessionID string
	Mode      Mode
	Library   string
	Operation string
	Size      int

	// RunID is the run id of the child whose outcome is reported.
	RunID   int64
	Outcome *job.Outcome

	// PeakMB is the converged peak in memory mode, or the observed peak
	// in runtime mode when tracking is on.
	PeakMB     int
	Iterations int
	Stop       converge.StopReason

	Elapsed time.Duration
	Time    time.Time
}

// Reason returns the classification, MiscException when there is no outcome.
func (r Record) Reason() job.Reason {
	if r.Outcome == nil {
		return job.ReasonMiscException
	}
	return r.Outcome.Reason
}

// Recorder persists or exports records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(ctx context.Context, rec Record) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Reporter shows failures to the operator as they happen.
type Reporter interface {
	ReportFailure(rec Record)
}

// TrialRunner runs one child.
type TrialRunner interface {
	Run(ctx context.Context, req trial.Request) trial.Result
}

// Callbacks receive progress events. All are optional.
type Callbacks struct {
	OnUnitStart func(u Unit, index, total int)
	OnTrial     func(req trial.Request, res trial.Result)
	OnRecord    func(rec Record)
}

// Config holds the plan of a session.
type Config struct {
	SessionID string

	Libraries  []process.Library
	Operations []string
	Sizes      []int

	Trials       int
	Seed         int64
	MaxTrialTime time.Duration

	FreezeDeadline time.Duration
	MustBeFrozen   time.Duration

	// Limit is the heap limit of runtime-mode children. In memory mode
	// MaxMB is replaced by the converger's ceiling.
	Limit process.MemoryLimit

	// TrackRuntimeMemory samples peak memory in runtime mode as well.
	TrackRuntimeMemory bool

	Converge converge.Config

	// SkipAfterFailure skips larger sizes of an operation that failed.
	SkipAfterFailure bool

	// StartRunID is the last run id already used; the first child gets
	// StartRunID+1.
	StartRunID int64

	Pacer     *Pacer
	Recorders []Recorder
	Reporter  Reporter
	Callbacks Callbacks

	Logger *slog.Logger
}

// Summary describes a finished session.
type Summary struct {
	SessionID string
	Mode      Mode
	Units     int
	Records   []Record
	Counts    map[job.Reason]int
	Children  int
	Started   time.Time
	Elapsed   time.Duration
	Halted    bool
}

// Orchestrator runs sessions one unit at a time.
type Orchestrator struct {
	cfg       Config
	runner    TrialRunner
	converger *converge.Converger
	logger    *slog.Logger

	// runID is the last id handed to a child. Only the orchestrator
	// goroutine touches it.
	runID int64

	children int
	failed   map[string]int
}

// New creates an orchestrator.
func New(cfg Config, runner TrialRunner) *Orchestrator {
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	if cfg.FreezeDeadline <= 0 {
		cfg.FreezeDeadline = DefaultFreezeDeadline
	}
	if cfg.MustBeFrozen <= 0 {
		cfg.MustBeFrozen = DefaultMustBeFrozen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	convCfg := cfg.Converge
	if convCfg.Logger == nil {
		convCfg.Logger = logger
	}
	return &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		converger: converge.New(convCfg),
		logger:    logger,
		runID:     cfg.StartRunID,
		failed:    make(map[string]int),
	}
}

// Units returns the plan in execution order: libraries, then operations,
// then sizes ascending.
func (o *Orchestrator) Units() []Unit {
	sizes := slices.Clone(o.cfg.Sizes)
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	units := make([]Unit, 0, len(o.cfg.Libraries)*len(o.cfg.Operations)*len(sizes))
	for _, lib := range o.cfg.Libraries {
		for _, op := range o.cfg.Operations {
			for _, size := range sizes {
				units = append(units, Unit{Library: lib, Operation: op, Size: size})
			}
		}
	}
	return units
}

// LastRunID returns the last run id handed to a child.
func (o *Orchestrator) LastRunID() int64 {
	return o.runID
}

func (o *Orchestrator) nextRunID() int64 {
	o.runID++
	return o.runID
}

// Run executes every unit in mode. Per-unit failures are recorded and the
// loop continues; only a user request (or ctx cancellation) stops it, in
// which case the partial summary is returned with ErrUserRequested.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (*Summary, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	units := o.Units()
	sum := &Summary{
		SessionID: o.cfg.SessionID,
		Mode:      mode,
		Units:     len(units),
		Counts:    make(map[job.Reason]int),
		Started:   time.Now(),
	}
	startChildren := o.children

	o.logger.Info("session_starting",
		"session_id", o.cfg.SessionID,
		"mode", string(mode),
		"units", len(units),
		"trials", o.cfg.Trials,
		"freeze_deadline", o.cfg.FreezeDeadline.String(),
	)

	for i, u := range units {
		if ctx.Err() != nil {
			sum.Halted = true
			break
		}
		if o.cfg.Callbacks.OnUnitStart != nil {
			o.cfg.Callbacks.OnUnitStart(u, i, len(units))
		}

		var rec Record
		if size, ok := o.failed[u.key()]; ok && o.cfg.SkipAfterFailure {
			rec = o.newRecord(mode, u)
			rec.Outcome = job.Failed(0, job.ReasonSkipped, "failed at size %d", size)
		} else if mode == ModeMemory {
			rec = o.runMemory(ctx, u)
		} else {
			rec = o.runRuntime(ctx, u)
		}

		o.record(ctx, rec)
		sum.Records = append(sum.Records, rec)
		sum.Counts[rec.Reason()]++

		reason := rec.Reason()
		if reason == job.ReasonUserRequested {
			sum.Halted = true
			break
		}
		if reason.IsFailure() && reason != job.ReasonSkipped {
			if _, seen := o.failed[u.key()]; !seen {
				o.failed[u.key()] = u.Size
			}
		}
	}

	sum.Children = o.children - startChildren
	sum.Elapsed = time.Since(sum.Started)

	o.logger.Info("session_complete",
		"session_id", o.cfg.SessionID,
		"mode", string(mode),
		"records", len(sum.Records),
		"children", sum.Children,
		"halted", sum.Halted,
		"elapsed", sum.Elapsed.Round(time.Millisecond).String(),
	)

	if sum.Halted {
		return sum, ErrUserRequested
	}
	return sum, nil
}

func (o *Orchestrator) newRecord(mode Mode, u Unit) Record {
	return Record{
		SessionID: o.cfg.SessionID,
		Mode:      mode,
		Library:   u.Library.Name,
		Operation: u.Operation,
		Size:      u.Size,
		Time:      time.Now(),
	}
}

func (o *Orchestrator) spec(kind job.Kind, u Unit) job.Spec {
	return job.Spec{
		Kind:         kind,
		Library:      u.Library.Name,
		EntryPoint:   u.Library.EntryPoint,
		Operation:    u.Operation,
		Size:         u.Size,
		Seed:         o.cfg.Seed,
		Trials:       o.cfg.Trials,
		MaxTrialTime: o.cfg.MaxTrialTime,
		RunID:        o.nextRunID(),
	}
}

// runTrial paces, then runs one child.
func (o *Orchestrator) runTrial(ctx context.Context, req trial.Request) trial.Result {
	if o.children > 0 {
		if err := o.cfg.Pacer.Wait(ctx); err != nil {
			return trial.Result{Outcome: job.Failed(req.Spec.RunID, job.ReasonUserRequested, "cancelled while pacing")}
		}
	}
	o.children++

	res := o.runner.Run(ctx, req)
	if res.Outcome == nil {
		res.Outcome = job.Failed(req.Spec.RunID, job.ReasonMiscException, "trial returned no outcome")
	}
	if o.cfg.Callbacks.OnTrial != nil {
		o.cfg.Callbacks.OnTrial(req, res)
	}
	return res
}

func (o *Orchestrator) runRuntime(ctx context.Context, u Unit) Record {
	rec := o.newRecord(ModeRuntime, u)
	req := trial.Request{
		Spec:        o.spec(job.KindBenchmark, u),
		Library:     u.Library,
		Limit:       o.cfg.Limit,
		Deadline:    o.cfg.FreezeDeadline,
		TrackMemory: o.cfg.TrackRuntimeMemory,
	}

	res := o.runTrial(ctx, req)
	rec.RunID = req.Spec.RunID
	rec.Outcome = res.Outcome
	rec.PeakMB = memory.BytesToMB(res.Outcome.PeakBytes)
	rec.Iterations = 1
	rec.Elapsed = res.Elapsed
	return rec
}

func (o *Orchestrator) runMemory(ctx context.Context, u Unit) Record {
	rec := o.newRecord(ModeMemory, u)
	start := time.Now()

	fn := func(ctx context.Context, ceilingMB int) *job.Outcome {
		limit := o.cfg.Limit
		limit.MaxMB = ceilingMB
		if limit.MinMB > ceilingMB {
			limit.MinMB = ceilingMB
		}
		req := trial.Request{
			Spec:        o.spec(job.KindBenchmark, u),
			Library:     u.Library,
			Limit:       limit,
			Deadline:    o.cfg.FreezeDeadline,
			TrackMemory: true,
		}
		return o.runTrial(ctx, req).Outcome
	}

	cr := o.converger.Converge(ctx, fn, "library", u.Library.Name, "operation", u.Operation, "size", u.Size)
	rec.Outcome = cr.Outcome
	rec.RunID = cr.Outcome.RunID
	rec.PeakMB = cr.PeakMB
	rec.Iterations = cr.Iterations
	rec.Stop = cr.Stop
	rec.Elapsed = time.Since(start)
	return rec
}

// record classifies rec for the operator and fans it out to recorders.
// Recorder errors are logged; they never stop the session.
func (o *Orchestrator) record(ctx context.Context, rec Record) {
	reason := rec.Reason()
	attrs := []any{
		"library", rec.Library,
		"operation", rec.Operation,
		"size", rec.Size,
		"run_id", rec.RunID,
		"reason", string(reason),
	}

	switch {
	case !reason.IsFailure():
		if rec.Mode == ModeMemory {
			attrs = append(attrs, "peak_mb", rec.PeakMB, "iterations", rec.Iterations)
		} else {
			attrs = append(attrs, "mean", rec.Outcome.MeanTrialTime().String())
		}
		o.logger.Info("unit_complete", attrs...)
	case reason.Expected(), reason == job.ReasonUserRequested:
		o.logger.Debug("unit_failed", append(attrs, "message", rec.Outcome.Message)...)
	default:
		o.logger.Warn("unit_failed", append(attrs, "message", rec.Outcome.Message)...)
		if o.cfg.Reporter != nil {
			o.cfg.Reporter.ReportFailure(rec)
		}
	}

	for _, r := range o.cfg.Recorders {
		if err := r.Record(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Warn("record_failed", append(attrs, "error", err)...)
		}
	}

	if o.cfg.Callbacks.OnRecord != nil {
		o.cfg.Callbacks.OnRecord(rec)
	}
}

// VersionInfo is the version reported by one library.
type VersionInfo struct {
	Library string
	Version string
	Outcome *job.Outcome
}

// QueryVersions runs a version job per library. Each child must answer
// within the must-be-frozen deadline; its first stdout line is the version.
func (o *Orchestrator) QueryVersions(ctx context.Context) ([]VersionInfo, error) {
	infos := make([]VersionInfo, 0, len(o.cfg.Libraries))
	for _, lib := range o.cfg.Libraries {
		if ctx.Err() != nil {
			return infos, ErrUserRequested
		}

		req := trial.Request{
			Spec:     o.spec(job.KindVersion, Unit{Library: lib}),
			Library:  lib,
			Limit:    o.cfg.Limit,
			Deadline: o.cfg.MustBeFrozen,
			Capture:  true,
		}
		res := o.runTrial(ctx, req)

		info := VersionInfo{Library: lib.Name, Version: res.Outcome.Version, Outcome: res.Outcome}
		infos = append(infos, info)

		if res.Outcome.Reason == job.ReasonUserRequested {
			return infos, ErrUserRequested
		}
		if reason := res.Outcome.Reason; reason.IsFailure() && !reason.Expected() && o.cfg.Reporter != nil {
			o.cfg.Reporter.ReportFailure(Record{
				SessionID: o.cfg.SessionID,
				Library:   lib.Name,
				Operation: "version",
				RunID:     req.Spec.RunID,
				Outcome:   res.Outcome,
				Elapsed:   res.Elapsed,
				Time:      time.Now(),
			})
		}
		o.logger.Debug("version_queried", "library", lib.Name, "version", info.Version, "reason", string(res.Outcome.Reason))
	}
	return infos, nil
}
