package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-matbench/internal/config"
	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/logging"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/slave"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "go-matbench",
		Short: "Process-isolated matrix library benchmark harness",
		Long: `go-matbench benchmarks matrix libraries with one child process per trial.

Modes:
  - runtime: time every library, operation and size
  - memory:  search for the smallest heap each unit completes in

Children that stop responding are killed after --freeze-deadline and the
session moves on to the next unit. Results are stored in SQLite.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("go-matbench {{.Version}}\n")

	root.AddCommand(
		newBenchCmd(orchestrator.ModeRuntime, "Measure trial durations for every unit"),
		newBenchCmd(orchestrator.ModeMemory, "Find the smallest heap each unit completes in"),
		newCheckCmd(),
		newVersionsCmd(),
		newSummaryCmd(),
		newPrintCmdCmd(),
		newSlaveCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads flags, environment and plan file for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// newLogger builds the session logger. The TUI owns the terminal, so logs
// are dropped while it runs.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.TUIEnabled {
		return logging.Discard()
	}
	if w == os.Stderr {
		return logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	level := cfg.LogLevel
	if cfg.Verbose {
		level = "debug"
	}
	return logging.NewLoggerWithWriter(w, cfg.LogFormat, level)
}

func newBenchCmd(mode orchestrator.Mode, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runBenchmark(cmd.Context(), cfg, mode, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one runtime trial per library and operation at the smallest size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			config.ApplyCheckMode(cfg)
			return runBenchmark(cmd.Context(), cfg, orchestrator.ModeRuntime, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Ask every library for its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runVersions(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newSummaryCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the results of the latest stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSummary(cmd.Context(), cfg, mode, cmd.OutOrStdout())
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&mode, "mode", "", `Restrict to "runtime" or "memory" sessions`)
	return cmd
}

func newPrintCmdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print-cmd",
		Short: "Print the child command line for each library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printChildCommands(cfg, cmd.OutOrStdout())
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// printChildCommands prints the command that would be run for the first
// trial of each library.
func printChildCommands(cfg *config.Config, w io.Writer) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	libs, err := cfg.Plan()
	if err != nil {
		return err
	}

	launcher := process.NewLauncher(process.Config{
		Runtime:   cfg.ChildRuntime(exe),
		Classpath: cfg.Classpath,
		Logger:    logging.Discard(),
	})
	limit := process.MemoryLimit{MinMB: cfg.MemoryMinMB, MaxMB: cfg.MemoryMaxMB}
	jobPath := filepath.Join(cfg.WorkDir, job.JobFileName)

	fmt.Fprintln(w, "# Child command for each library:")
	for _, lib := range libs {
		line, err := launcher.CommandString(process.Request{
			Library: lib,
			Limit:   limit,
			JobPath: jobPath,
			RunID:   1,
		})
		if err != nil {
			return fmt.Errorf("library %s: %w", lib.Name, err)
		}
		fmt.Fprintf(w, "\n# %s\n%s\n", lib.Name, line)
	}
	return nil
}

// newSlaveCmd is the built-in child. Its command line is produced by
// process.SelfRuntime:
//
//	go-matbench slave --heap-min=50m --heap-max=2048m <entry-point> <job-file> <run-id>
func newSlaveCmd() *cobra.Command {
	var heapMin, heapMax, classpath string
	cmd := &cobra.Command{
		Use:    "slave <entry-point> <job-file> <run-id>",
		Short:  "Run a single trial (started by the master)",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			minMB, err := slave.ParseHeapMB(heapMin)
			if err != nil {
				return err
			}
			maxMB, err := slave.ParseHeapMB(heapMax)
			if err != nil {
				return err
			}
			runID, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[2], err)
			}

			code := slave.Run(cmd.Context(), slave.Options{
				HeapMinMB:  minMB,
				HeapMaxMB:  maxMB,
				Classpath:  classpath,
				EntryPoint: args[0],
				JobPath:    args[1],
				RunID:      runID,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			if code != slave.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&heapMin, "heap-min", "", "Initial heap size (e.g. 50m)")
	cmd.Flags().StringVar(&heapMax, "heap-max", "", "Heap ceiling (e.g. 2048m)")
	cmd.Flags().StringVar(&classpath, "classpath", "", "Library classpath")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the go-matbench version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "go-matbench %s\n", version)
		},
	}
}
