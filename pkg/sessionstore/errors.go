package sessionstore

import "errors"

var (
	// ErrNotFound indicates no session with the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict indicates the stored version moved since Load.
	ErrVersionConflict = errors.New("session version conflict")
	ErrEmptySessionID  = errors.New("empty session id")
	ErrInvalidVersion  = errors.New("invalid session version")
	// ErrEmptyTag is returned for a tag preference without attribute or value.
	ErrEmptyTag          = errors.New("empty tag")
	ErrInvalidPreference = errors.New("preference must be within [-1, 1]")
)
