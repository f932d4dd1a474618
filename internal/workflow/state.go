package workflow

import (
	"errors"
	"fmt"
)

// State is the engine's workflow state
type State int

const (
	StateIdle State = iota
	StatePairing
	StatePaired
	StateTransferring

	// StateFailed prints as ERROR but is never entered: every failure
	// resets the engine to StateIdle or StatePaired.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePairing:
		return "PAIRING"
	case StatePaired:
		return "PAIRED"
	case StateTransferring:
		return "TRANSFERRING"
	case StateFailed:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	ErrChannel         = errors.New("channel error")
	ErrTimeout         = errors.New("pairing timed out")
	ErrCancelled       = errors.New("operation cancelled")
	ErrClosed          = errors.New("engine closed")
)

// StateError reports an operation refused because of the state the engine
// was observed in. It matches ErrInvalidState.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed in %s state", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
