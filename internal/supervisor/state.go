// Package supervisor watches a running child process and enforces its
// freeze deadline.
package supervisor

// State represents the lifecycle state of a watched child.
type State int

const (
	// StateRunning is entered when the child is spawned.
	StateRunning State = iota

	// StateExited means the child exited on its own, with any exit code.
	StateExited

	// StateFrozen means the deadline elapsed and a kill is in flight.
	StateFrozen

	// StateKilled means the child was forcibly terminated and reaped.
	StateKilled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFrozen:
		return "frozen"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for Exited and Killed.
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateKilled
}

// canTransition lists the legal edges of the state machine:
//
//	Running -> Exited
//	Running -> Frozen -> Killed
//	Running -> Killed (cancelled)
func canTransition(from, to State) bool {
	switch from {
	case StateRunning:
		return to == StateExited || to == StateFrozen || to == StateKilled
	case StateFrozen:
		return to == StateKilled
	default:
		return false
	}
}

// Cause records why a child was killed.
type Cause int

const (
	CauseNone Cause = iota
	CauseFrozen
	CauseCancelled
)

// String returns a human-readable name for the cause.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseFrozen:
		return "frozen"
	case CauseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
