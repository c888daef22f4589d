// Package main provides the go-matbench CLI entry point.
//
// go-matbench benchmarks matrix libraries. Every trial runs in its own child
// process so that a crash, a hang or an exhausted heap costs one measurement
// and never the session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-matbench
var version = "dev"

// exitInterrupted is the conventional exit code after SIGINT.
const exitInterrupted = 130

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err, stderr)
	if isUnknownCommand(err) {
		fmt.Fprint(stderr, root.UsageString())
	}
	return code
}

// isUnknownCommand reports whether err is cobra's unknown subcommand error.
// Usage is silenced for every other command error.
func isUnknownCommand(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "unknown command ")
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, orchestrator.ErrUserRequested) {
		fmt.Fprintln(stderr, "Stopped by user request.")
		return exitInterrupted
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
