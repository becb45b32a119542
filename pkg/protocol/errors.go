package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine packages.
var (
	// ErrTurnActive is returned by StartTurn while a turn is running and its
	// stdin no longer accepts input.
	ErrTurnActive = errors.New("turn already active")

	// ErrUnknownRequest is returned when resolving a permission request that
	// is not pending.
	ErrUnknownRequest = errors.New("unknown permission request")

	// ErrNoCheckpoint is returned when a checkpoint id cannot be resolved.
	ErrNoCheckpoint = errors.New("checkpoint not found")
)

// SpawnError represents a failure to start the agent process.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError represents an agent process that exited non-zero without being
// asked to stop.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent exited with code %d", e.Code)
}
