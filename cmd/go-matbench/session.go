package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-matbench/internal/config"
	"github.com/randomizedcoder/go-matbench/internal/converge"
	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/logging"
	"github.com/randomizedcoder/go-matbench/internal/memory"
	"github.com/randomizedcoder/go-matbench/internal/metrics"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
	"github.com/randomizedcoder/go-matbench/internal/preflight"
	"github.com/randomizedcoder/go-matbench/internal/process"
	"github.com/randomizedcoder/go-matbench/internal/stats"
	"github.com/randomizedcoder/go-matbench/internal/store"
	"github.com/randomizedcoder/go-matbench/internal/stream"
	"github.com/randomizedcoder/go-matbench/internal/supervisor"
	"github.com/randomizedcoder/go-matbench/internal/trial"
	"github.com/randomizedcoder/go-matbench/internal/tui"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// harness holds the components shared by every command that spawns
// children.
type harness struct {
	cfg    *config.Config
	logger *slog.Logger

	libs       []process.Library
	runtime    process.Runtime
	store      *store.Store
	channel    *job.Channel
	runner     *trial.Runner
	sessionID  string
	startRunID int64
}

func newHarness(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*harness, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	libs, err := cfg.Plan()
	if err != nil {
		return nil, err
	}
	sampler, err := memory.New(cfg.Sampler)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	// Run ids keep increasing across sessions so a stale result file can
	// never match a new child.
	startRunID, err := st.MaxRunID(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	ch, err := job.NewChannel(cfg.WorkDir, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	rt := cfg.ChildRuntime(exe)
	launcher := process.NewLauncher(process.Config{
		Runtime:   rt,
		Classpath: cfg.Classpath,
		Logger:    logger,
	})
	monitor := supervisor.New(supervisor.Config{
		PollInterval: cfg.PollInterval,
		KillTimeout:  cfg.KillTimeout,
		Logger:       logger,
		Callbacks: supervisor.Callbacks{
			OnStateChange: func(from, to supervisor.State) {
				logger.Debug("child_state", "from", from.String(), "to", to.String())
			},
		},
	})

	drain := stream.DefaultConfig()
	drain.BufferSize = cfg.OutputBuffer
	drain.Logger = logger

	runner := trial.NewRunner(trial.Config{
		Launcher:       launcher,
		Channel:        ch,
		Monitor:        monitor,
		Sampler:        sampler,
		SampleInterval: cfg.SampleInterval,
		Drain:          drain,
		DrainTimeout:   cfg.DrainTimeout,
		Verbose:        cfg.Verbose,
		Logger:         logger,
	})

	return &harness{
		cfg:        cfg,
		logger:     logger,
		libs:       libs,
		runtime:    rt,
		store:      st,
		channel:    ch,
		runner:     runner,
		sessionID:  store.NewSessionID(),
		startRunID: startRunID,
	}, nil
}

// Close removes leftover job files and closes the store.
func (h *harness) Close() {
	if err := h.channel.Cleanup(context.Background()); err != nil {
		h.logger.Warn("work_dir_cleanup_failed", "error", err)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store_close_failed", "error", err)
	}
}

// noteRunID persists the run id high-water mark so the next session never
// reuses an id, whether or not the child produced a record.
func (h *harness) noteRunID(ctx context.Context, id int64) {
	if id <= h.startRunID {
		return
	}
	if err := h.store.NoteRunID(context.WithoutCancel(ctx), id); err != nil {
		h.logger.Warn("run_id_note_failed", "run_id", id, "error", err)
	}
}

func (h *harness) orchestratorConfig() orchestrator.Config {
	cfg := h.cfg
	return orchestrator.Config{
		SessionID:      h.sessionID,
		Libraries:      h.libs,
		Operations:     cfg.Operations,
		Sizes:          cfg.Sizes,
		Trials:         cfg.Trials,
		Seed:           cfg.Seed,
		MaxTrialTime:   cfg.MaxTrialTime,
		FreezeDeadline: cfg.FreezeDeadline,
		MustBeFrozen:   cfg.MustBeFrozen,
		Limit: process.MemoryLimit{
			MinMB: cfg.MemoryMinMB,
			MaxMB: cfg.MemoryMaxMB,
		},
		TrackRuntimeMemory: cfg.TrackRuntimeMemory,
		Converge: converge.Config{
			MemoryMaxMB:    cfg.MemoryMaxMB,
			MemoryMinMB:    cfg.MemoryMinMB,
			TolerancePct:   cfg.TolerancePct,
			MinToleranceMB: cfg.MinToleranceMB,
			MaxIterations:  cfg.MaxIterations,
			Logger:         h.logger,
		},
		SkipAfterFailure: cfg.SkipAfterFailure,
		StartRunID:       h.startRunID,
		Pacer:            orchestrator.NewPacerWithSeed(cfg.Settle, cfg.SettleJitter, cfg.Seed),
		Logger:           h.logger,
	}
}

// planString describes the plan for the sessions table.
func (h *harness) planString() string {
	names := make([]string, len(h.libs))
	for i, lib := range h.libs {
		names[i] = lib.Name
	}
	return fmt.Sprintf("libraries=%s operations=%s sizes=%v trials=%d",
		strings.Join(names, ","), strings.Join(h.cfg.Operations, ","), h.cfg.Sizes, h.cfg.Trials)
}

func runBenchmark(ctx context.Context, cfg *config.Config, mode orchestrator.Mode, stdout, stderr io.Writer) error {
	logger := newLogger(cfg, stderr)
	logging.SetDefault(logger)

	h, err := newHarness(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Runtime:     h.runtime,
			WorkDir:     cfg.WorkDir,
			Sampler:     cfg.Sampler,
			Libraries:   h.libs,
			MemoryMaxMB: cfg.MemoryMaxMB,
		})
		preflight.PrintResults(stderr, result)
		if !result.Passed {
			return errors.New("preflight checks failed (use --skip-preflight to override)")
		}
	}

	aggregator := stats.NewAggregator(stats.DefaultDropThreshold)
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:      version,
		SessionID:    h.sessionID,
		Mode:         string(mode),
		PerUnitPeaks: cfg.PerUnitMetrics,
	}, registry)

	var server *metrics.Server
	if cfg.MetricsAddr != "" {
		server = metrics.NewServer(cfg.MetricsAddr, registry, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics_server_shutdown_failed", "error", err)
			}
		}()
	}

	started := time.Now()
	err = h.store.BeginSession(ctx, store.Session{
		ID:      h.sessionID,
		Mode:    string(mode),
		Started: started,
		Plan:    h.planString(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ocfg := h.orchestratorConfig()
	ocfg.Recorders = []orchestrator.Recorder{h.store, aggregator, collector}
	ocfg.Callbacks = orchestrator.Callbacks{
		OnUnitStart: func(u orchestrator.Unit, index, total int) {
			aggregator.SetPlan(u, index, total)
			collector.SetPlan(u, index, total)
		},
		OnTrial: func(req trial.Request, res trial.Result) {
			h.noteRunID(ctx, req.Spec.RunID)
			aggregator.ObserveTrial(req, res)
			collector.ObserveTrial(req, res)
		},
	}

	var program *tui.Program
	if cfg.TUIEnabled {
		model := tui.New(tui.Config{
			Mode:        mode,
			SessionID:   h.sessionID,
			MetricsAddr: cfg.MetricsAddr,
			StatsSource: aggregator,
			Cancel:      cancel,
		})
		program = &tui.Program{Program: tea.NewProgram(model, tea.WithAltScreen(), tea.WithOutput(stdout))}
		ocfg.Reporter = program
	} else {
		ocfg.Reporter = tui.NewConsoleReporter(stderr)
		printBanner(stdout, cfg, mode, h.libs)
	}

	orch := orchestrator.New(ocfg, h.runner)
	if server != nil {
		server.SetReady(true)
	}

	sum, runErr := runSession(ctx, orch, mode, program, cancel)

	h.noteRunID(ctx, orch.LastRunID())
	halted := sum != nil && sum.Halted
	if err := h.store.FinishSession(context.WithoutCancel(ctx), h.sessionID, time.Now(), halted); err != nil {
		logger.Warn("session_finish_failed", "error", err)
	}
	if cfg.TextfilePath != "" {
		if err := metrics.WriteTextfile(cfg.TextfilePath, registry); err != nil {
			logger.Warn("textfile_write_failed", "path", cfg.TextfilePath, "error", err)
		}
	}

	fmt.Fprint(stdout, stats.FormatExitSummary(aggregator.Aggregate(), stats.SummaryConfig{
		SessionID:   h.sessionID,
		Mode:        string(mode),
		Duration:    time.Since(started),
		Halted:      halted,
		StorePath:   cfg.StorePath,
		MetricsAddr: cfg.MetricsAddr,
		ShowPerUnit: true,
	}))
	return runErr
}

// runSession runs the orchestrator, alongside the dashboard when one is
// configured. Quitting the dashboard cancels the session.
func runSession(ctx context.Context, orch *orchestrator.Orchestrator, mode orchestrator.Mode,
	program *tui.Program, cancel context.CancelFunc) (*orchestrator.Summary, error) {
	if program == nil {
		return orch.Run(ctx, mode)
	}

	var (
		g   errgroup.Group
		sum *orchestrator.Summary
	)
	g.Go(func() error {
		defer program.SendQuit()
		s, err := orch.Run(ctx, mode)
		sum = s
		return err
	})
	g.Go(func() error {
		defer cancel()
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	})
	err := g.Wait()
	return sum, err
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config, mode orchestrator.Mode, libs []process.Library) {
	names := make([]string, len(libs))
	for i, lib := range libs {
		names[i] = lib.Name
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                          go-matbench                              ║")
	fmt.Fprintln(w, "║        Matrix Library Benchmarks in Isolated Processes            ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Mode:        %s\n", mode)
	fmt.Fprintf(w, "  Libraries:   %s\n", strings.Join(names, ", "))
	fmt.Fprintf(w, "  Operations:  %s\n", strings.Join(cfg.Operations, ", "))
	fmt.Fprintf(w, "  Sizes:       %v\n", cfg.Sizes)
	fmt.Fprintf(w, "  Trials:      %d per child\n", cfg.Trials)
	fmt.Fprintf(w, "  Deadline:    %s\n", cfg.FreezeDeadline)
	if mode == orchestrator.ModeMemory {
		fmt.Fprintf(w, "  Heap:        %d-%d MB, tolerance %.1f%% (min %d MB)\n",
			cfg.MemoryMinMB, cfg.MemoryMaxMB, cfg.TolerancePct*100, cfg.MinToleranceMB)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}

func runVersions(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger := newLogger(cfg, stderr)
	logging.SetDefault(logger)

	h, err := newHarness(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	ocfg := h.orchestratorConfig()
	ocfg.Reporter = tui.NewConsoleReporter(stderr)
	orch := orchestrator.New(ocfg, h.runner)

	infos, runErr := orch.QueryVersions(ctx)
	h.noteRunID(ctx, orch.LastRunID())

	fmt.Fprintf(stdout, "%-20s %-16s %s\n", "LIBRARY", "VERSION", "OUTCOME")
	for _, info := range infos {
		if err := h.store.RecordVersion(context.WithoutCancel(ctx), h.sessionID, info); err != nil {
			logger.Warn("version_record_failed", "library", info.Library, "error", err)
		}
		v := info.Version
		if v == "" {
			v = "-"
		}
		reason := job.ReasonMiscException
		if info.Outcome != nil {
			reason = info.Outcome.Reason
		}
		fmt.Fprintf(stdout, "%-20s %-16s %s\n", info.Library, v, reason)
	}
	return runErr
}

func runSummary(ctx context.Context, cfg *config.Config, mode string, stdout io.Writer) error {
	if mode != "" && !orchestrator.Mode(mode).Valid() {
		return fmt.Errorf("unknown mode %q", mode)
	}

	st, err := store.Open(ctx, cfg.StorePath, logging.Discard())
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.LatestSession(ctx, mode)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(stdout, "No sessions recorded in %s\n", cfg.StorePath)
		return nil
	}
	if err != nil {
		return err
	}

	records, err := st.Records(ctx, sess.ID)
	if err != nil {
		return err
	}

	aggregator := stats.NewAggregator(stats.DefaultDropThreshold)
	var children int64
	for _, rec := range records {
		_ = aggregator.Record(ctx, rec)
		if rec.Reason() != job.ReasonSkipped {
			children += int64(max(rec.Iterations, 1))
		}
	}
	snapshot := aggregator.Aggregate()
	snapshot.TotalUnits = snapshot.CompletedUnits
	snapshot.Children = children

	var duration time.Duration
	if !sess.Finished.IsZero() {
		duration = sess.Finished.Sub(sess.Started)
	}

	fmt.Fprint(stdout, stats.FormatExitSummary(snapshot, stats.SummaryConfig{
		SessionID:   sess.ID,
		Mode:        sess.Mode,
		Duration:    duration,
		Halted:      sess.Halted,
		StorePath:   cfg.StorePath,
		ShowPerUnit: true,
	}))
	return nil
}
