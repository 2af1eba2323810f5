package dialogue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
	"github.com/dotsetgreg/recdm/pkg/policy"
	"github.com/dotsetgreg/recdm/pkg/resolver"
)

// PendingConflict is an update held back until the user settles a conflict.
type PendingConflict struct {
	Update    constraints.Update     `json:"update"`
	Conflicts []constraints.Conflict `json:"conflicts"`
}

// Session is one conversation. Turns on a session are serialised by its
// mutex; the exported fields must only be touched by the engine or before
// the session is shared.
type Session struct {
	mu sync.Mutex

	ID          string
	UserID      string
	State       policy.State
	Constraints *constraints.Set
	History     *history.Tracker
	Turn        int
	LastAct     *SystemAct
	Terminated  bool
	CloseReason Reason

	Repeats          int
	RelaxAttempts    int
	ResolverFailures int
	Presented        []resolver.Candidate
	Pending          *PendingConflict
	PendingAccept    string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession starts a conversation in Greeting. An empty id gets a uuid.
func NewSession(id, userID string, multiValued []constraints.Attribute, past []history.Entry) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		UserID:      userID,
		State:       policy.Greeting,
		Constraints: constraints.NewSet(multiValued),
		History:     history.NewTracker(id, past),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Snapshot is the serialised form of a session.
type Snapshot struct {
	SessionID        string                `json:"session_id"`
	UserID           string                `json:"user_id,omitempty"`
	PolicyState      policy.State          `json:"policy_state"`
	Constraints      constraints.Snapshot  `json:"constraints"`
	History          []history.Entry       `json:"history,omitempty"`
	PastHistory      []history.Entry       `json:"past_history,omitempty"`
	TurnCounter      int                   `json:"turn_counter"`
	LastAct          *SystemAct            `json:"last_act,omitempty"`
	Terminated       bool                  `json:"terminated"`
	CloseReason      Reason                `json:"close_reason,omitempty"`
	Repeats          int                   `json:"repeats,omitempty"`
	RelaxAttempts    int                   `json:"relax_attempts,omitempty"`
	ResolverFailures int                   `json:"resolver_failures,omitempty"`
	Presented        []resolver.Candidate  `json:"presented,omitempty"`
	Pending          *PendingConflict      `json:"pending,omitempty"`
	PendingAccept    string                `json:"pending_accept,omitempty"`
	Version          int64                 `json:"version"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Snapshot copies the session. It waits for an in-flight turn.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:        s.ID,
		UserID:           s.UserID,
		PolicyState:      s.State,
		Constraints:      s.Constraints.Snapshot(),
		History:          s.History.Entries(),
		PastHistory:      s.History.Past(),
		TurnCounter:      s.Turn,
		Terminated:       s.Terminated,
		CloseReason:      s.CloseReason,
		Repeats:          s.Repeats,
		RelaxAttempts:    s.RelaxAttempts,
		ResolverFailures: s.ResolverFailures,
		Presented:        append([]resolver.Candidate(nil), s.Presented...),
		PendingAccept:    s.PendingAccept,
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.LastAct != nil {
		act := cloneAct(*s.LastAct)
		snap.LastAct = &act
	}
	if s.Pending != nil {
		p := clonePending(*s.Pending)
		snap.Pending = &p
	}
	return snap
}

// restoreLocked rewinds the session to snap.
func (s *Session) restoreLocked(snap Snapshot, multiValued []constraints.Attribute) {
	if s.Constraints == nil {
		s.Constraints = constraints.NewSet(multiValued)
	}
	s.Constraints.Restore(snap.Constraints)
	s.History = history.NewTracker(snap.SessionID, snap.PastHistory)
	s.History.Restore(snap.History)

	s.ID = snap.SessionID
	s.UserID = snap.UserID
	s.State = snap.PolicyState
	s.Turn = snap.TurnCounter
	s.LastAct = nil
	if snap.LastAct != nil {
		act := cloneAct(*snap.LastAct)
		s.LastAct = &act
	}
	s.Terminated = snap.Terminated
	s.CloseReason = snap.CloseReason
	s.Repeats = snap.Repeats
	s.RelaxAttempts = snap.RelaxAttempts
	s.ResolverFailures = snap.ResolverFailures
	s.Presented = append([]resolver.Candidate(nil), snap.Presented...)
	s.Pending = nil
	if snap.Pending != nil {
		p := clonePending(*snap.Pending)
		s.Pending = &p
	}
	s.PendingAccept = snap.PendingAccept
	s.Version = snap.Version
	s.CreatedAt = snap.CreatedAt
	s.UpdatedAt = snap.UpdatedAt
}

// RestoreSession rebuilds a session from its snapshot.
func RestoreSession(snap Snapshot, multiValued []constraints.Attribute) (*Session, error) {
	if snap.SessionID == "" {
		return nil, fmt.Errorf("restore session: empty session id")
	}
	if !snap.PolicyState.Valid() {
		return nil, fmt.Errorf("restore session %s: invalid state %d", snap.SessionID, int(snap.PolicyState))
	}
	s := &Session{}
	s.restoreLocked(snap, multiValued)
	return s, nil
}

// EncodeSnapshot returns the JSON payload persisted by session stores.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	return snap, nil
}

// Flags are coarse dialogue-state features for analytics and downstream
// policies.
type Flags struct {
	IsBeginning      bool `json:"is_beginning"`
	ReqFilled        bool `json:"req_filled"`
	CanLookup        bool `json:"can_lookup"`
	MadePartialOffer bool `json:"made_partial_offer"`
	MadeOffer        bool `json:"made_offer"`
	OfferNoResults   bool `json:"offer_no_results"`
	AtTerminalState  bool `json:"at_terminal_state"`
}

func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last SystemAct
	if s.LastAct != nil {
		last = *s.LastAct
	}
	return Flags{
		IsBeginning:      s.State == policy.Greeting,
		ReqFilled:        len(s.Constraints.Includes()) > 0,
		CanLookup:        s.Constraints.Len() > 0,
		MadePartialOffer: last.Type == policy.ActAskClarifyingQuestion && last.Reason == ReasonTooManyResults,
		MadeOffer:        len(s.Presented) > 0 && (s.State == policy.AwaitingFeedback || s.State == policy.Confirming),
		OfferNoResults:   last.Type == policy.ActNoViableRecommendation,
		AtTerminalState:  s.State.Terminal(),
	}
}

func cloneAct(a SystemAct) SystemAct {
	a.Candidates = append([]resolver.Candidate(nil), a.Candidates...)
	a.Hints = append([]constraints.Attribute(nil), a.Hints...)
	a.Conflicts = append([]constraints.Conflict(nil), a.Conflicts...)
	a.Relaxed = append([]constraints.Constraint(nil), a.Relaxed...)
	return a
}

func clonePending(p PendingConflict) PendingConflict {
	p.Update.Slots = append([]constraints.Slot(nil), p.Update.Slots...)
	p.Conflicts = append([]constraints.Conflict(nil), p.Conflicts...)
	return p
}
