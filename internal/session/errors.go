package session

import "errors"

var (
	// ErrNotFound is returned when no session with the id is held by the store.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned when a mutation targets a session that is no longer open.
	ErrClosed = errors.New("session closed")

	// ErrExists is returned when opening a session whose id is already taken.
	ErrExists = errors.New("session already exists")

	// ErrStaleSequence is returned when a token does not advance the session's sequence.
	ErrStaleSequence = errors.New("stale token sequence")

	// ErrNoActiveToken is returned when the session has no token yet.
	ErrNoActiveToken = errors.New("no active token")

	// ErrStillOpen is returned when evicting a session that has not been closed.
	ErrStillOpen = errors.New("session still open")

	// ErrNoRecord is returned when overriding a student that has no record.
	ErrNoRecord = errors.New("attendance record not found")

	// ErrNotCorrectable is returned when a record is not a rejection awaiting its one correction.
	ErrNotCorrectable = errors.New("attendance record not correctable")
)
