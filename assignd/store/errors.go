package store

import "errors"

var (
	// ErrNotFound is returned when a booking or roster entity is missing.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by CommitAssignment when the commit-time
	// conflict recheck finds the interpreter already booked on an
	// overlapping interval.
	ErrConflict = errors.New("store: interpreter conflict")

	// ErrAlreadyCommitted is returned when a booking already carries a
	// committed interpreter or has left the waiting status.
	ErrAlreadyCommitted = errors.New("store: booking already committed")

	// ErrVersionConflict is returned when an optimistic version check
	// fails; the caller must reload and decide again.
	ErrVersionConflict = errors.New("store: version conflict")
)
