package constraints

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownAttribute indicates a slot outside the attribute domain.
	ErrUnknownAttribute = errors.New("unknown constraint attribute")
	// ErrInvalidSlot indicates a slot whose operator/polarity/value shape is unusable.
	ErrInvalidSlot = errors.New("invalid constraint slot")
	// ErrConflictingConstraint indicates an include that contradicts an active exclude.
	ErrConflictingConstraint = errors.New("conflicting constraint")
	// ErrNoRelaxableConstraint indicates relax found nothing it may remove.
	ErrNoRelaxableConstraint = errors.New("no relaxable constraint")
)

// ConflictError carries the held-back includes of a conflicting update.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s vs %s", c.Incoming, c.Existing))
	}
	return ErrConflictingConstraint.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ConflictError) Unwrap() error { return ErrConflictingConstraint }
