package dialogue

import (
	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/policy"
	"github.com/dotsetgreg/recdm/pkg/resolver"
)

// Intent is a user intent label produced by NLU.
type Intent string

const (
	IntentInform          Intent = "inform"
	IntentAccept          Intent = "accept"
	IntentReject          Intent = "reject"
	IntentRejectAll       Intent = "reject_all"
	IntentQuit            Intent = "quit"
	IntentRestart         Intent = "restart"
	IntentAffirm          Intent = "affirm"
	IntentDeny            Intent = "deny"
	IntentRemove          Intent = "remove"
	IntentRecommend       Intent = "recommend"
	IntentIncludeRejected Intent = "include_rejected"
	IntentRetry           Intent = "retry"
)

// UserAct is the structured form of one user utterance.
type UserAct struct {
	Intents      []Intent           `json:"intents,omitempty"`
	Slots        []constraints.Slot `json:"slots,omitempty"`
	CandidateIDs []string           `json:"candidate_ids,omitempty"`
	TurnIndex    int                `json:"turn_index,omitempty"`
	// Unparsed marks input NLU could not interpret.
	Unparsed bool `json:"unparsed,omitempty"`
}

func (a UserAct) Has(i Intent) bool {
	for _, got := range a.Intents {
		if got == i {
			return true
		}
	}
	return false
}

// Empty reports whether the act carries nothing the dialogue can use.
func (a UserAct) Empty() bool {
	return a.Unparsed || (len(a.Intents) == 0 && len(a.Slots) == 0 && len(a.CandidateIDs) == 0)
}

// Reason explains why an act was emitted.
type Reason string

const (
	ReasonConflictingConstraint Reason = "conflicting_constraint"
	ReasonTooManyResults        Reason = "too_many_results"
	ReasonAmbiguousFeedback     Reason = "ambiguous_feedback"
	ReasonRelaxationExhausted   Reason = "relaxation_exhausted"
	ReasonNoRelaxableConstraint Reason = "no_relaxable_constraint"
	ReasonResolverUnavailable   Reason = "resolver_unavailable"
	ReasonUserUnresponsive      Reason = "user_unresponsive"
	ReasonUserQuit              Reason = "user_quit"
	ReasonAccepted              Reason = "accepted"
	ReasonUnknownAttribute      Reason = "unknown_attribute"
	ReasonSessionClosed         Reason = "session_closed"
)

// SystemAct is the structured act handed to NLG.
type SystemAct struct {
	Type       policy.ActType           `json:"type"`
	Candidates []resolver.Candidate     `json:"candidates,omitempty"`
	Hints      []constraints.Attribute  `json:"hints,omitempty"`
	Reason     Reason                   `json:"reason,omitempty"`
	Conflicts  []constraints.Conflict   `json:"conflicts,omitempty"`
	Relaxed    []constraints.Constraint `json:"relaxed,omitempty"`
}

// Reply is everything one turn emitted, in order.
type Reply struct {
	SessionID string       `json:"session_id"`
	Turn      int          `json:"turn"`
	State     policy.State `json:"state"`
	Acts      []SystemAct  `json:"acts"`
	// Repeated is set when the turn re-emitted the previous act.
	Repeated bool `json:"repeated,omitempty"`
	Closed   bool `json:"closed,omitempty"`
}

// Final returns the act NLG must answer with.
func (r Reply) Final() SystemAct {
	if len(r.Acts) == 0 {
		return SystemAct{}
	}
	return r.Acts[len(r.Acts)-1]
}

// Err maps a closing reply onto the matching sentinel, nil otherwise.
func (r Reply) Err() error {
	if !r.Closed {
		return nil
	}
	switch r.Final().Reason {
	case ReasonRelaxationExhausted, ReasonNoRelaxableConstraint, ReasonResolverUnavailable:
		return ErrNoViableRecommendation
	case ReasonUserUnresponsive:
		return ErrUserUnresponsive
	case ReasonSessionClosed:
		return ErrSessionClosed
	}
	return nil
}
