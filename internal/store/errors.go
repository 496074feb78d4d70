package store

import "errors"

var (
	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a uniqueness or immutability violation.
	ErrConflict = errors.New("conflict")
)
