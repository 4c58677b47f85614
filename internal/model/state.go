package model

import "fmt"

// ExecutionState is the lifecycle position of one execution
type ExecutionState string

const (
	StateInitializing ExecutionState = "initializing"
	StateRunning      ExecutionState = "running"
	StateCollecting   ExecutionState = "collecting"
	StateCompleted    ExecutionState = "completed"
	StateFailed       ExecutionState = "failed"
	StateTimedOut     ExecutionState = "timed_out"
)

// IsTerminal reports whether no further transition is allowed out of s.
func IsTerminal(s ExecutionState) bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// TerminalState maps a reported status onto its terminal lifecycle state
func TerminalState(status ExecutionStatus) ExecutionState {
	switch status {
	case ExecutionStatusCompleted:
		return StateCompleted
	case ExecutionStatusTimedOut:
		return StateTimedOut
	default:
		return StateFailed
	}
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Materialization failures and early cancellation go straight from
// initializing to failed without ever reaching running.
func CanTransition(from, to ExecutionState) bool {
	switch from {
	case StateInitializing:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateCollecting
	case StateCollecting:
		return IsTerminal(to)
	default:
		return false
	}
}

// ValidateTransition returns an error describing an illegal transition
func ValidateTransition(from, to ExecutionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	return nil
}
