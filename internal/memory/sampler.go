// Package memory samples the resident memory of child processes.
//
// Sampling is best effort: a sampler runs on a tight timer next to a live
// child and must never fail the trial it observes, so every failure is
// reported as Unknown rather than as an error.
package memory

import (
	"fmt"
	"strings"
)

// Unknown is returned when a sample could not be taken.
const Unknown int64 = -1

// Sampler reads the resident memory of a process.
type Sampler interface {
	// Sample returns the resident bytes of pid, or Unknown.
	Sample(pid int) int64

	// Name identifies the strategy in logs and config.
	Name() string
}

// Strategy names accepted by New.
const (
	StrategyPs     = "ps"
	StrategyProcfs = "procfs"
)

// New returns the sampler for a strategy name.
func New(strategy string) (Sampler, error) {
	return newSampler(strategy, "")
}

// newSampler is New with an explicit procfs mount point.
func newSampler(strategy, procMount string) (Sampler, error) {
	switch strings.ToLower(strategy) {
	case StrategyPs:
		return NewPsSampler(), nil
	case StrategyProcfs, "":
		s, err := NewProcfsSampler(procMount)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown memory sampler %q (want %s or %s)", strategy, StrategyPs, StrategyProcfs)
	}
}

// BytesToMB converts bytes to whole megabytes, rounding up.
func BytesToMB(b int64) int {
	if b <= 0 {
		return 0
	}
	const mb = 1024 * 1024
	return int((b + mb - 1) / mb)
}
