// Package job defines the job/result handoff between the master and a
// child (slave) process.
//
// The handoff is file based: the master writes a job file before spawning the
// child and reads the child's result file only after the child has exited or
// been killed. Both files embed the run identifier so that a result left over
// from an earlier, crashed attempt is never mistaken for the current one.
package job

import (
	"fmt"
	"time"
)

// Kind selects what the child should do with a job.
type Kind string

const (
	// KindBenchmark runs an operation for a number of trials.
	KindBenchmark Kind = "benchmark"

	// KindVersion asks the child to print the library version on stdout.
	KindVersion Kind = "version"
)

// Spec describes one child invocation. It is immutable once written.
type Spec struct {
	Kind       Kind   `yaml:"kind"`
	Library    string `yaml:"library"`
	EntryPoint string `yaml:"entry_point"`
	Operation  string `yaml:"operation,omitempty"`
	Size       int    `yaml:"size,omitempty"`
	Seed       int64  `yaml:"seed"`
	Trials     int    `yaml:"trials,omitempty"`

	// MaxTrialTime is a soft budget for a single trial. A child that
	// exceeds it reports TooSlow. Zero disables the check.
	MaxTrialTime time.Duration `yaml:"max_trial_time,omitempty"`

	RunID int64 `yaml:"run_id"`
}

// String returns a compact label for logs.
func (s Spec) String() string {
	if s.Kind == KindVersion {
		return fmt.Sprintf("%s/version#%d", s.Library, s.RunID)
	}
	return fmt.Sprintf("%s/%s/%d#%d", s.Library, s.Operation, s.Size, s.RunID)
}

// Reason classifies how a trial ended.
type Reason string

const (
	ReasonSuccess           Reason = "success"
	ReasonMiscException     Reason = "misc_exception"
	ReasonReadConfigFailure Reason = "read_config_failure"
	ReasonTooSlow           Reason = "too_slow"
	ReasonOutOfMemory       Reason = "out_of_memory"
	ReasonFrozen            Reason = "frozen"
	ReasonUserRequested     Reason = "user_requested"
	ReasonReturnNotZero     Reason = "return_not_zero"

	// ReasonSkipped marks work that was never run because the same
	// operation already failed at a smaller size.
	ReasonSkipped Reason = "skipped"
)

// Reasons lists every classification, in display order.
var Reasons = []Reason{
	ReasonSuccess,
	ReasonMiscException,
	ReasonReadConfigFailure,
	ReasonTooSlow,
	ReasonOutOfMemory,
	ReasonFrozen,
	ReasonUserRequested,
	ReasonReturnNotZero,
	ReasonSkipped,
}

// IsFailure returns true for every reason except success.
func (r Reason) IsFailure() bool {
	return r != ReasonSuccess
}

// Expected returns true for failures that are a normal part of a run and
// should not be surfaced to the operator.
func (r Reason) Expected() bool {
	return r == ReasonOutOfMemory || r == ReasonSkipped
}

// Valid reports whether r is a known classification.
func (r Reason) Valid() bool {
	for _, known := range Reasons {
		if r == known {
			return true
		}
	}
	return false
}

// Outcome is the result of one trial (or one convergence search).
type Outcome struct {
	RunID  int64  `yaml:"run_id"`
	Reason Reason `yaml:"reason"`

	// Message carries detail for failures.
	Message string `yaml:"message,omitempty"`

	// TrialTimes holds the elapsed time of each completed trial.
	TrialTimes []time.Duration `yaml:"trial_times,omitempty"`

	// PeakBytes is the peak resident memory observed by the master.
	// It is never written by the child.
	PeakBytes int64 `yaml:"-"`

	// Version is the library version reported by a KindVersion job.
	Version string `yaml:"version,omitempty"`
}

// Failed builds a failure outcome.
func Failed(runID int64, reason Reason, format string, args ...any) *Outcome {
	return &Outcome{
		RunID:   runID,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// Succeeded returns true if the outcome is a success.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Reason == ReasonSuccess
}

// MeanTrialTime returns the average trial duration, or 0 with no trials.
func (o *Outcome) MeanTrialTime() time.Duration {
	if o == nil || len(o.TrialTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range o.TrialTimes {
		total += d
	}
	return total / time.Duration(len(o.TrialTimes))
}
