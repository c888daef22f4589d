package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-matbench/internal/job"
)

// ErrFailedToStart is returned when a child cannot be spawned.
var ErrFailedToStart = errors.New("child failed to start")

// Config configures a Launcher.
type Config struct {
	Runtime Runtime

	// Classpath is the master's own classpath, inherited by every child.
	Classpath []string

	// Dir is the child's working directory.
	Dir string

	// Env is appended to the master's environment.
	Env []string

	Logger *slog.Logger
}

// Request describes a single child launch.
type Request struct {
	Library Library
	Limit   MemoryLimit
	JobPath string
	RunID   int64
}

// Launcher spawns child processes. It holds no per-child state and is safe
// for concurrent use.
type Launcher struct {
	runtime   Runtime
	classpath []string
	dir       string
	env       []string
	logger    *slog.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(cfg Config) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		runtime:   cfg.Runtime,
		classpath: cfg.Classpath,
		dir:       cfg.Dir,
		env:       cfg.Env,
		logger:    logger,
	}
}

// Runtime returns the configured runtime.
func (l *Launcher) Runtime() Runtime {
	return l.runtime
}

// BuildArgs returns the full argument vector for req, excluding the runtime
// path.
func (l *Launcher) BuildArgs(req Request) ([]string, error) {
	cp, err := BuildClasspath(l.classpath, req.Library.Dir, req.Library.Classpath)
	if err != nil {
		return nil, err
	}
	return l.runtime.BuildArgs(cp, req.Library.EntryPoint, req.Limit, req.JobPath, req.RunID), nil
}

// CommandString returns the command as a shell-style string for display.
func (l *Launcher) CommandString(req Request) (string, error) {
	args, err := l.BuildArgs(req)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(l.runtime.Path))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " "), nil
}

// Launch writes spec through ch and then starts its child. The job file is
// on disk before the process exists.
func (l *Launcher) Launch(ch *job.Channel, spec job.Spec, lib Library, limit MemoryLimit) (*Handle, error) {
	jobPath, err := ch.Write(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToStart, err)
	}
	return l.Start(Request{
		Library: lib,
		Limit:   limit,
		JobPath: jobPath,
		RunID:   spec.RunID,
	})
}

// Start spawns the child for req. Both output streams are available on the
// returned handle and must be drained by the caller.
func (l *Launcher) Start(req Request) (*Handle, error) {
	args, err := l.BuildArgs(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToStart, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrFailedToStart, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrFailedToStart, err)
	}

	cmd := exec.Command(l.runtime.Path, args...)
	cmd.Dir = l.dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if len(l.env) > 0 {
		cmd.Env = append(os.Environ(), l.env...)
	}

	// Own process group so a kill reaches any grandchildren
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		l.logger.Error("failed_to_start_process",
			"run_id", req.RunID,
			"runtime", l.runtime.Path,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrFailedToStart, err)
	}

	// Close the parent's write ends so readers see EOF when the child exits
	stdoutW.Close()
	stderrW.Close()

	h := &Handle{
		PID:       cmd.Process.Pid,
		RunID:     req.RunID,
		StartTime: startTime,
		Stdout:    stdoutR,
		Stderr:    stderrR,
		cmd:       cmd,
		done:      make(chan struct{}),
		logger:    l.logger,
	}
	go h.wait()

	l.logger.Debug("child_started",
		"run_id", req.RunID,
		"pid", h.PID,
		"library", req.Library.Name,
		"limit", req.Limit.String(),
	)

	return h, nil
}

// Handle is a running (or finished) child process.
type Handle struct {
	PID       int
	RunID     int64
	StartTime time.Time

	// Stdout and Stderr are the read ends of the child's output pipes.
	Stdout *os.File
	Stderr *os.File

	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	exitCode int
	waitErr  error
	exitTime time.Time

	closeOnce sync.Once
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitTime = time.Now()
	h.waitErr = err
	h.exitCode = extractExitCode(err)
	close(h.done)
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Started returns the time the child was spawned.
func (h *Handle) Started() time.Time {
	return h.StartTime
}

// Exited reports, without blocking, whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code; signal deaths map to 128+signal.
// Only valid after Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// WaitErr returns the error from reaping the child, if any.
func (h *Handle) WaitErr() error {
	<-h.done
	return h.waitErr
}

// Uptime returns how long the child ran, or has run so far.
func (h *Handle) Uptime() time.Duration {
	if h.Exited() {
		return h.exitTime.Sub(h.StartTime)
	}
	return time.Since(h.StartTime)
}

// Kill sends SIGKILL to the child's process group. Killing an exited child
// is a no-op.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}

	if err := unix.Kill(-h.PID, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		h.logger.Debug("process_group_kill_failed",
			"pid", h.PID,
			"error", err,
		)
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// Close releases the output pipes. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = errors.Join(h.Stdout.Close(), h.Stderr.Close())
	})
	return err
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,%+@", r)
}
