package lifecycle

import "errors"

var (
	// ErrInvalidRequest is returned when an open request cannot describe a valid session.
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrNotFound is returned for unknown sessions and for closing a session that is already closed.
	ErrNotFound = errors.New("session not found")
)
