package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidReference is returned when an event references a call or chat
	// that does not exist.
	ErrInvalidReference = errors.New("storage: invalid reference")

	// ErrAlreadyAccepted is returned when a second reader tries to accept a
	// call that already left the pending state.
	ErrAlreadyAccepted = errors.New("storage: call already accepted")

	// ErrCallEnded is returned when an operation targets a call that has
	// already ended. Ended is terminal.
	ErrCallEnded = errors.New("storage: call already ended")

	// ErrInvalidTransition is returned for any other illegal status change.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)
