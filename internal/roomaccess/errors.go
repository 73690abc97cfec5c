package roomaccess

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRoom is returned when the controller has never seen the room.
	ErrUnknownRoom = errors.New("unknown room")

	// ErrActuatorFailure is returned when a door command failed after every retry.
	ErrActuatorFailure = errors.New("door actuator failure")
)

// ActuatorError carries the room, the command and the last underlying failure.
type ActuatorError struct {
	RoomID   string
	Command  LockState
	Attempts int
	Err      error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("%s: room %s, %s after %d attempt(s): %v", ErrActuatorFailure, e.RoomID, e.Command, e.Attempts, e.Err)
}

func (e *ActuatorError) Unwrap() []error { return []error{ErrActuatorFailure, e.Err} }
