package store

import "errors"

var (
	// ErrNotFound indicates a missing or unauthorized resource lookup.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a uniqueness violation, e.g. a duplicate email.
	ErrConflict = errors.New("record already exists")
)
