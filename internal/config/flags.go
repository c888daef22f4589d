package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MATBENCH_TRIALS=3.
const EnvPrefix = "MATBENCH"

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"library":              "library",
	"operations":           "operations",
	"sizes":                "sizes",
	"trials":               "trials",
	"seed":                 "seed",
	"skip-after-failure":   "skip_after_failure",
	"runtime":              "runtime",
	"java":                 "java_path",
	"classpath":            "classpath",
	"work-dir":             "work_dir",
	"max-trial-time":       "max_trial_time",
	"freeze-deadline":      "freeze_deadline",
	"must-be-frozen":       "must_be_frozen",
	"poll-interval":        "poll_interval",
	"kill-timeout":         "kill_timeout",
	"drain-timeout":        "drain_timeout",
	"output-buffer":        "output_buffer",
	"memory-max":           "memory_max_mb",
	"memory-min":           "memory_min_mb",
	"tolerance":            "tolerance_pct",
	"min-tolerance":        "min_tolerance_mb",
	"max-iterations":       "max_iterations",
	"sampler":              "sampler",
	"sample-interval":      "sample_interval",
	"track-runtime-memory": "track_runtime_memory",
	"settle":               "settle",
	"settle-jitter":        "settle_jitter",
	"store":                "store_path",
	"metrics":              "metrics_addr",
	"textfile":             "textfile_path",
	"per-unit-metrics":     "per_unit_metrics",
	"verbose":              "verbose",
	"log-format":           "log_format",
	"log-level":            "log_level",
	"tui":                  "tui",
	"skip-preflight":       "skip_preflight",
}

// RegisterFlags adds every config flag to fs with DefaultConfig values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()

	fs.String("config", "", "Plan file (YAML)")

	// Plan
	fs.StringSlice("library", d.LibrarySpecs, `Libraries to benchmark: "name", "name=entry" or "name=entry@dir"`)
	fs.StringSlice("operations", d.Operations, "Operations to benchmark")
	fs.IntSlice("sizes", d.Sizes, "Matrix sizes, benchmarked in ascending order")
	fs.Int("trials", d.Trials, "Timed trials per child")
	fs.Int64("seed", d.Seed, "Seed for generated matrices and pacing jitter")
	fs.Bool("skip-after-failure", d.SkipAfterFailure, "Skip larger sizes once a size fails")

	// Child runtime
	fs.String("runtime", d.Runtime, `Child runtime: "self" or "jvm"`)
	fs.String("java", d.JavaPath, "Path to the java binary (jvm runtime)")
	fs.StringSlice("classpath", d.Classpath, "Extra classpath entries")
	fs.String("work-dir", d.WorkDir, "Directory for job and result files")

	// Deadlines
	fs.Duration("max-trial-time", d.MaxTrialTime, "Trials slower than this are reported as too slow")
	fs.Duration("freeze-deadline", d.FreezeDeadline, "Kill a child that has not exited after this long")
	fs.Duration("must-be-frozen", d.MustBeFrozen, "Deadline for version queries")
	fs.Duration("poll-interval", d.PollInterval, "Liveness poll interval")
	fs.Duration("kill-timeout", d.KillTimeout, "Wait for a killed child to disappear")
	fs.Duration("drain-timeout", d.DrainTimeout, "Wait for child output after exit")
	fs.Int("output-buffer", d.OutputBuffer, "Child output lines to buffer (increase if seeing drops)")

	// Memory
	fs.Int("memory-max", d.MemoryMaxMB, "Initial heap ceiling in MB")
	fs.Int("memory-min", d.MemoryMinMB, "Heap floor in MB")
	fs.Float64("tolerance", d.TolerancePct, "Convergence tolerance as a fraction of the ceiling")
	fs.Int("min-tolerance", d.MinToleranceMB, "Minimum convergence tolerance in MB")
	fs.Int("max-iterations", d.MaxIterations, "Convergence iteration cap")
	fs.String("sampler", d.Sampler, `Memory sampler: "procfs" or "ps"`)
	fs.Duration("sample-interval", d.SampleInterval, "Memory sample interval")
	fs.Bool("track-runtime-memory", d.TrackRuntimeMemory, "Sample peak memory in runtime mode")

	// Pacing
	fs.Duration("settle", d.Settle, "Pause between children")
	fs.Duration("settle-jitter", d.SettleJitter, "Random jitter added to the pause")

	// Persistence and observability
	fs.String("store", d.StorePath, "SQLite results database")
	fs.String("metrics", d.MetricsAddr, `Prometheus metrics address ("" disables)`)
	fs.String("textfile", d.TextfilePath, "Write final metrics to this node_exporter textfile")
	fs.Bool("per-unit-metrics", d.PerUnitMetrics, "Export a peak memory gauge per unit (high cardinality)")
	fs.BoolP("verbose", "v", d.Verbose, "Log every child output line")
	fs.String("log-format", d.LogFormat, `Log format: "json" or "text"`)
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.Bool("tui", d.TUIEnabled, "Enable live terminal dashboard")
	fs.Bool("skip-preflight", d.SkipPreflight, "Skip preflight checks")
}

// Load builds a Config from defaults, the plan file named by --config,
// MATBENCH_ environment variables and flags (in increasing precedence).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	setDefaults(v, d)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads a plan file on top of the defaults, without flags.
func LoadFile(path string) (*Config, error) {
	fs := pflag.NewFlagSet("matbench", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Set("config", path); err != nil {
		return nil, err
	}
	cfg, err := Load(fs)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("plan file %s not found", path)
		}
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("library", d.LibrarySpecs)
	v.SetDefault("operations", d.Operations)
	v.SetDefault("sizes", d.Sizes)
	v.SetDefault("trials", d.Trials)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("skip_after_failure", d.SkipAfterFailure)
	v.SetDefault("runtime", d.Runtime)
	v.SetDefault("java_path", d.JavaPath)
	v.SetDefault("classpath", d.Classpath)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("max_trial_time", d.MaxTrialTime)
	v.SetDefault("freeze_deadline", d.FreezeDeadline)
	v.SetDefault("must_be_frozen", d.MustBeFrozen)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("kill_timeout", d.KillTimeout)
	v.SetDefault("drain_timeout", d.DrainTimeout)
	v.SetDefault("output_buffer", d.OutputBuffer)
	v.SetDefault("memory_max_mb", d.MemoryMaxMB)
	v.SetDefault("memory_min_mb", d.MemoryMinMB)
	v.SetDefault("tolerance_pct", d.TolerancePct)
	v.SetDefault("min_tolerance_mb", d.MinToleranceMB)
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("sampler", d.Sampler)
	v.SetDefault("sample_interval", d.SampleInterval)
	v.SetDefault("track_runtime_memory", d.TrackRuntimeMemory)
	v.SetDefault("settle", d.Settle)
	v.SetDefault("settle_jitter", d.SettleJitter)
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("textfile_path", d.TextfilePath)
	v.SetDefault("per_unit_metrics", d.PerUnitMetrics)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("tui", d.TUIEnabled)
	v.SetDefault("skip_preflight", d.SkipPreflight)
}
