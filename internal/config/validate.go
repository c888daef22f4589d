package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Plan
	libs, err := cfg.Plan()
	switch {
	case err != nil:
		add("library", "%v", err)
	case len(libs) == 0:
		add("library", "at least one library is required")
	default:
		seen := make(map[string]bool, len(libs))
		for _, l := range libs {
			if l.Name == "" {
				add("libraries", "library without a name")
				continue
			}
			if seen[l.Name] {
				add("libraries", "duplicate library %q", l.Name)
			}
			seen[l.Name] = true
		}
	}

	if len(cfg.Operations) == 0 {
		add("operations", "at least one operation is required")
	}
	for _, op := range cfg.Operations {
		if strings.TrimSpace(op) == "" {
			add("operations", "empty operation name")
		}
	}

	if len(cfg.Sizes) == 0 {
		add("sizes", "at least one size is required")
	}
	for _, s := range cfg.Sizes {
		if s < 1 {
			add("sizes", "must be positive (got %d)", s)
		}
	}

	if cfg.Trials < 1 {
		add("trials", "must be at least 1")
	}

	// Child runtime
	if !slices.Contains([]string{"self", "jvm"}, cfg.Runtime) {
		add("runtime", "must be 'self' or 'jvm' (got %q)", cfg.Runtime)
	}
	if cfg.Runtime == "jvm" && cfg.JavaPath == "" {
		add("java_path", "required for the jvm runtime")
	}
	if cfg.WorkDir == "" {
		add("work_dir", "must not be empty")
	}

	// Deadlines
	positive := []struct {
		field string
		value int64
	}{
		{"max_trial_time", int64(cfg.MaxTrialTime)},
		{"freeze_deadline", int64(cfg.FreezeDeadline)},
		{"must_be_frozen", int64(cfg.MustBeFrozen)},
		{"poll_interval", int64(cfg.PollInterval)},
		{"kill_timeout", int64(cfg.KillTimeout)},
		{"drain_timeout", int64(cfg.DrainTimeout)},
		{"sample_interval", int64(cfg.SampleInterval)},
		{"output_buffer", int64(cfg.OutputBuffer)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}
	if cfg.PollInterval > 0 && cfg.FreezeDeadline > 0 && cfg.PollInterval >= cfg.FreezeDeadline {
		add("poll_interval", "must be shorter than freeze_deadline")
	}
	if cfg.Settle < 0 || cfg.SettleJitter < 0 {
		add("settle", "must not be negative")
	}

	// Memory
	if cfg.MemoryMinMB < 1 {
		add("memory_min_mb", "must be at least 1")
	}
	if cfg.MemoryMaxMB <= cfg.MemoryMinMB {
		add("memory_max_mb", "must be greater than memory_min_mb (%d)", cfg.MemoryMinMB)
	}
	if cfg.TolerancePct <= 0 || cfg.TolerancePct >= 1 {
		add("tolerance_pct", "must be between 0 and 1 (got %v)", cfg.TolerancePct)
	}
	if cfg.MinToleranceMB < 0 {
		add("min_tolerance_mb", "must not be negative")
	}
	if cfg.MaxIterations < 1 {
		add("max_iterations", "must be at least 1")
	}
	if !slices.Contains([]string{"procfs", "ps"}, cfg.Sampler) {
		add("sampler", "must be 'procfs' or 'ps' (got %q)", cfg.Sampler)
	}

	// Observability
	if cfg.StorePath == "" {
		add("store_path", "must not be empty")
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.LogLevel)) {
		add("log_level", "must be debug, info, warn or error (got %q)", cfg.LogLevel)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
