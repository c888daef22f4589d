package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultPollInterval is the liveness poll period.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultKillTimeout bounds the wait for the OS to confirm a kill.
	DefaultKillTimeout = 5 * time.Second

	// DefaultMustBeFrozen is the deadline for query-only children, where
	// any delay is already anomalous.
	DefaultMustBeFrozen = 3 * time.Second
)

// ErrKillUnconfirmed is reported when a killed child was not reaped within
// the kill timeout.
var ErrKillUnconfirmed = errors.New("kill not confirmed")

// Process is the view of a child the monitor needs.
type Process interface {
	// Started returns the spawn time; the deadline is measured from it.
	Started() time.Time

	// Exited reports liveness without blocking.
	Exited() bool

	// Done is closed once the child has been reaped.
	Done() <-chan struct{}

	// Kill forcibly terminates the child and its descendants.
	Kill() error
}

// Callbacks contains optional callback functions for monitor events.
type Callbacks struct {
	// OnStateChange is called on every state transition.
	OnStateChange func(oldState, newState State)
}

// Config holds configuration for a Monitor.
type Config struct {
	PollInterval time.Duration
	KillTimeout  time.Duration
	Logger       *slog.Logger
	Callbacks    Callbacks
}

// Monitor enforces a wall-clock deadline on child processes. A Monitor is
// stateless between calls to Watch and may be reused.
type Monitor struct {
	pollInterval time.Duration
	killTimeout  time.Duration
	logger       *slog.Logger
	callbacks    Callbacks
}

// New creates a monitor. Zero durations select the defaults.
func New(cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		pollInterval: cfg.PollInterval,
		killTimeout:  cfg.KillTimeout,
		logger:       cfg.Logger,
		callbacks:    cfg.Callbacks,
	}
}

// Result is the terminal outcome of one Watch.
type Result struct {
	// State is StateExited or StateKilled.
	State State

	// Cause is CauseNone for Exited.
	Cause Cause

	// Elapsed is wall-clock time from spawn to the terminal state.
	Elapsed time.Duration

	// History lists every state entered, starting with StateRunning.
	History []State

	// KillErr is set if the kill could not be delivered or confirmed.
	KillErr error
}

// Frozen reports whether the child was killed for missing its deadline.
func (r Result) Frozen() bool {
	return r.State == StateKilled && r.Cause == CauseFrozen
}

// Cancelled reports whether the child was killed by cancellation.
func (r Result) Cancelled() bool {
	return r.State == StateKilled && r.Cause == CauseCancelled
}

// watch tracks the state machine of one Watch call.
type watch struct {
	m       *Monitor
	state   State
	history []State
}

func (w *watch) transition(to State) {
	if !canTransition(w.state, to) {
		panic(fmt.Sprintf("supervisor: illegal transition %s -> %s", w.state, to))
	}
	from := w.state
	w.state = to
	w.history = append(w.history, to)

	if w.m.callbacks.OnStateChange != nil {
		w.m.callbacks.OnStateChange(from, to)
	}
}

// Watch polls p until it exits, its deadline passes, or ctx is cancelled,
// and returns once p is in a terminal state. deadline is measured from
// p.Started(), not reset by output activity; a non-positive deadline
// disables the freeze check.
//
// attrs are added to every log line (e.g. "run_id", 7).
func (m *Monitor) Watch(ctx context.Context, p Process, deadline time.Duration, attrs ...any) Result {
	w := &watch{
		m:       m,
		state:   StateRunning,
		history: []State{StateRunning},
	}
	start := p.Started()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(time.Until(start.Add(deadline)))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if p.Exited() {
			w.transition(StateExited)
			return w.result(start, CauseNone, nil)
		}

		if ctx.Err() != nil {
			m.logger.Info("trial_cancelled", append([]any{"elapsed", time.Since(start).String()}, attrs...)...)
			w.transition(StateKilled)
			return w.result(start, CauseCancelled, m.kill(p, attrs))
		}

		if deadline > 0 && time.Since(start) >= deadline {
			m.logger.Warn("trial_frozen", append([]any{
				"deadline", deadline.String(),
				"elapsed", time.Since(start).String(),
			}, attrs...)...)
			w.transition(StateFrozen)
			err := m.kill(p, attrs)
			w.transition(StateKilled)
			return w.result(start, CauseFrozen, err)
		}

		select {
		case <-p.Done():
		case <-ctx.Done():
		case <-expired:
			expired = nil
		case <-ticker.C:
		}
	}
}

// kill terminates p and waits for the OS to confirm it.
func (m *Monitor) kill(p Process, attrs []any) error {
	var killErr error
	if err := p.Kill(); err != nil {
		killErr = fmt.Errorf("kill: %w", err)
		m.logger.Error("kill_failed", append([]any{"error", err}, attrs...)...)
	}

	timer := time.NewTimer(m.killTimeout)
	defer timer.Stop()

	select {
	case <-p.Done():
		return killErr
	case <-timer.C:
		m.logger.Error("kill_unconfirmed", append([]any{"timeout", m.killTimeout.String()}, attrs...)...)
		return errors.Join(killErr, ErrKillUnconfirmed)
	}
}

func (w *watch) result(start time.Time, cause Cause, killErr error) Result {
	return Result{
		State:   w.state,
		Cause:   cause,
		Elapsed: time.Since(start),
		History: w.history,
		KillErr: killErr,
	}
}
