package history

import "errors"

var (
	// ErrSessionAlreadyResolved indicates a Record after a candidate was accepted.
	ErrSessionAlreadyResolved = errors.New("session already resolved")
	// ErrInvalidOutcome indicates an outcome outside shown/accepted/rejected/skipped.
	ErrInvalidOutcome = errors.New("invalid history outcome")
	// ErrEmptyCandidate indicates a Record without a candidate id.
	ErrEmptyCandidate = errors.New("empty candidate id")
)
