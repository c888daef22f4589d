// Package config provides configuration management for go-matbench.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-matbench/internal/process"
)

// Config holds all configuration options for a benchmark session.
type Config struct {
	// Plan
	Libraries        []LibraryConfig `mapstructure:"libraries"`
	LibrarySpecs     []string        `mapstructure:"library"`
	Operations       []string        `mapstructure:"operations"`
	Sizes            []int           `mapstructure:"sizes"`
	Trials           int             `mapstructure:"trials"`
	Seed             int64           `mapstructure:"seed"`
	SkipAfterFailure bool            `mapstructure:"skip_after_failure"`

	// Child runtime
	Runtime   string   `mapstructure:"runtime"` // self, jvm
	JavaPath  string   `mapstructure:"java_path"`
	Classpath []string `mapstructure:"classpath"`
	WorkDir   string   `mapstructure:"work_dir"`

	// Deadlines
	MaxTrialTime   time.Duration `mapstructure:"max_trial_time"`
	FreezeDeadline time.Duration `mapstructure:"freeze_deadline"`
	MustBeFrozen   time.Duration `mapstructure:"must_be_frozen"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	KillTimeout    time.Duration `mapstructure:"kill_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`

	// Child output
	OutputBuffer int `mapstructure:"output_buffer"`

	// Memory
	MemoryMaxMB        int           `mapstructure:"memory_max_mb"`
	MemoryMinMB        int           `mapstructure:"memory_min_mb"`
	TolerancePct       float64       `mapstructure:"tolerance_pct"`
	MinToleranceMB     int           `mapstructure:"min_tolerance_mb"`
	MaxIterations      int           `mapstructure:"max_iterations"`
	Sampler            string        `mapstructure:"sampler"` // procfs, ps
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	TrackRuntimeMemory bool          `mapstructure:"track_runtime_memory"`

	// Pacing between children
	Settle       time.Duration `mapstructure:"settle"`
	SettleJitter time.Duration `mapstructure:"settle_jitter"`

	// Persistence
	StorePath string `mapstructure:"store_path"`

	// Observability
	MetricsAddr    string `mapstructure:"metrics_addr"`
	TextfilePath   string `mapstructure:"textfile_path"`
	PerUnitMetrics bool   `mapstructure:"per_unit_metrics"`
	Verbose        bool   `mapstructure:"verbose"`
	LogFormat      string `mapstructure:"log_format"` // json, text
	LogLevel       string `mapstructure:"log_level"`
	TUIEnabled     bool   `mapstructure:"tui"`

	// Diagnostics
	SkipPreflight bool `mapstructure:"skip_preflight"`
}

// LibraryConfig describes one library under test in a plan file.
type LibraryConfig struct {
	Name       string   `mapstructure:"name"`
	EntryPoint string   `mapstructure:"entry_point"`
	Dir        string   `mapstructure:"dir"`
	Classpath  []string `mapstructure:"classpath"`
}

// DefaultConfig returns a Config with sensible defaults. The default plan
// benchmarks the built-in implementations through the self runtime.
func DefaultConfig() *Config {
	return &Config{
		// Plan
		LibrarySpecs:     []string{"naive", "blocked", "parallel"},
		Operations:       []string{"add", "mult", "transpose"},
		Sizes:            []int{10, 100, 250, 500, 1000},
		Trials:           5,
		Seed:             1,
		SkipAfterFailure: true,

		// Child runtime
		Runtime:  "self",
		JavaPath: "java",
		WorkDir:  ".matbench",

		// Deadlines
		MaxTrialTime:   30 * time.Second,
		FreezeDeadline: 60 * time.Second,
		MustBeFrozen:   3 * time.Second,
		PollInterval:   500 * time.Millisecond,
		KillTimeout:    2 * time.Second,
		DrainTimeout:   5 * time.Second,

		OutputBuffer: 1000,

		// Memory
		MemoryMaxMB:    2048,
		MemoryMinMB:    50,
		TolerancePct:   0.01,
		MinToleranceMB: 5,
		MaxIterations:  30,
		Sampler:        "procfs",
		SampleInterval: 20 * time.Millisecond,

		// Pacing
		Settle:       100 * time.Millisecond,
		SettleJitter: 50 * time.Millisecond,

		StorePath: "matbench.db",

		// Observability
		MetricsAddr: "127.0.0.1:17092",
		LogFormat:   "json",
		LogLevel:    "info",
		TUIEnabled:  false,
	}
}

// Plan returns the libraries under test. Entries from the plan file take
// precedence over --library specs.
func (c *Config) Plan() ([]process.Library, error) {
	if len(c.Libraries) > 0 {
		libs := make([]process.Library, 0, len(c.Libraries))
		for _, l := range c.Libraries {
			entry := l.EntryPoint
			if entry == "" {
				entry = l.Name
			}
			libs = append(libs, process.Library{Name: l.Name, EntryPoint: entry, Dir: l.Dir, Classpath: l.Classpath})
		}
		return libs, nil
	}

	libs := make([]process.Library, 0, len(c.LibrarySpecs))
	for _, spec := range c.LibrarySpecs {
		lib, err := ParseLibrary(spec)
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

// ParseLibrary parses "name", "name=entry" or "name=entry@dir".
func ParseLibrary(spec string) (process.Library, error) {
	spec = strings.TrimSpace(spec)
	name, rest, hasEntry := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return process.Library{}, fmt.Errorf("library %q: empty name", spec)
	}

	lib := process.Library{Name: name, EntryPoint: name}
	if !hasEntry {
		return lib, nil
	}

	entry, dir, _ := strings.Cut(rest, "@")
	if entry = strings.TrimSpace(entry); entry == "" {
		return process.Library{}, fmt.Errorf("library %q: empty entry point", spec)
	}
	lib.EntryPoint = entry
	lib.Dir = strings.TrimSpace(dir)
	return lib, nil
}

// ChildRuntime returns the runtime preset. exe is this binary, used by the
// self runtime.
func (c *Config) ChildRuntime(exe string) process.Runtime {
	if c.Runtime == "jvm" {
		return process.JVMRuntime(c.JavaPath)
	}
	return process.SelfRuntime(exe)
}

// ApplyCheckMode reduces the plan to a single smallest-size trial per
// library and operation.
func ApplyCheckMode(cfg *Config) {
	if len(cfg.Sizes) > 0 {
		smallest := cfg.Sizes[0]
		for _, s := range cfg.Sizes[1:] {
			smallest = min(smallest, s)
		}
		cfg.Sizes = []int{smallest}
	}
	cfg.Trials = 1
	cfg.Verbose = true
	cfg.TUIEnabled = false
}
