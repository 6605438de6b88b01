package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a referenced event does not exist.
	// No partial commit happens in that case.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose unique key
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConflict is returned when an operation contradicts existing match
	// state, e.g. marking an already-linked movement as having no match.
	ErrConflict = errors.New("conflicting match state")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
