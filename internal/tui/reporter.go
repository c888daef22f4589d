package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
)

// ConsoleReporter prints failures as styled single lines. It is used when
// the dashboard is disabled.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleReporter creates a reporter writing to w.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

// ReportFailure implements orchestrator.Reporter.
func (r *ConsoleReporter) ReportFailure(rec orchestrator.Record) {
	msg := ""
	if rec.Outcome != nil && rec.Outcome.Message != "" {
		msg = " " + mutedStyle.Render(rec.Outcome.Message)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %s %s%s\n",
		statusError.Render("✗"),
		boldStyle.Render(recordLabel(rec)),
		ReasonStyle(rec.Reason()).Render(string(rec.Reason())),
		msg,
	)
}
