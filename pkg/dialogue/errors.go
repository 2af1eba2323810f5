package dialogue

import "errors"

var (
	// ErrNoViableRecommendation marks a session closed without a pick.
	ErrNoViableRecommendation = errors.New("no viable recommendation")
	// ErrUserUnresponsive marks a session closed after repeated no-op turns.
	ErrUserUnresponsive = errors.New("user unresponsive")
	// ErrSessionClosed marks a turn sent to an already closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionConflict is returned when optimistic saves keep losing.
	ErrSessionConflict = errors.New("session conflict")
	// ErrSessionOwner is returned when a session is used by another user id.
	ErrSessionOwner = errors.New("session belongs to another user")
	ErrNilSession   = errors.New("nil session")
	// ErrChoicesNotSaved is returned when a closed session's choices could
	// not be added to the user's log.
	ErrChoicesNotSaved = errors.New("user choices not saved")
)
