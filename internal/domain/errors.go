package domain

import "errors"

var (
	// ErrValidation marks malformed or missing caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups for records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks mutations rejected by a state precondition.
	ErrConflict = errors.New("conflict")
)
