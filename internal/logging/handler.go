package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines kept per trial.
	MaxBufferedLines = 100
)

// OutputHandler receives lines a child process writes to stdout/stderr.
// It keeps the most recent lines for failure reports and logs each line at
// a level derived from its content.
type OutputHandler struct {
	trial   string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a handler for the child running trial.
func NewOutputHandler(trial string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		trial:   trial,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleLine processes a single line from the named stream.
func (h *OutputHandler) HandleLine(stream, line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	level := ClassifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "child_output",
		"trial", h.trial,
		"stream", stream,
		"line", line,
	)
}

// ClassifyLine determines the log level for a line based on content.
func ClassifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "outofmemory"),
		strings.Contains(lower, "out of memory"):
		// Expected while searching for the memory floor
		return slog.LevelDebug
	case strings.Contains(lower, "exception"),
		strings.Contains(lower, "panic:"),
		strings.Contains(lower, "fatal error"),
		strings.HasPrefix(lower, "error"):
		return slog.LevelWarn
	case strings.Contains(lower, "warning"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}
