// Package sessionstore persists dialogue session snapshots with optimistic
// versioning, plus the per-user log of accepted and rejected candidates that
// outlives single sessions.
package sessionstore

import (
	"context"
	"sort"
	"time"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
)

// Record is one persisted session. Payload is the encoded snapshot; the other
// fields are indexed copies for listing and pruning.
type Record struct {
	SessionID  string
	UserID     string
	State      string
	Terminated bool
	Version    int64
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is implemented by MemoryStore and SQLiteStore.
//
// Save is a compare-and-swap on Version: version 1 inserts and fails if the
// session exists, version n updates only a stored version n-1. A lost race
// returns ErrVersionConflict.
type Store interface {
	Close() error
	Load(ctx context.Context, sessionID string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context, userID string, limit int) ([]Record, error)
	PruneIdle(ctx context.Context, cutoff time.Time) (int, error)
	AppendChoices(ctx context.Context, userID string, entries []history.Entry) error
	ListChoices(ctx context.Context, userID string) ([]history.Entry, error)
	// SetTagPreference stores an explicit preference that overrides the one
	// computed from choices.
	SetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string, pref float64) error
	GetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string) (float64, bool, error)
	ListTagPreferences(ctx context.Context, userID string) ([]TagPreference, error)
}

// ChoiceSummary aggregates a user's cross-session choices.
type ChoiceSummary struct {
	UserID   string `json:"user_id"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	// Preferences is the summed preference weight per candidate.
	Preferences map[string]float64 `json:"preferences,omitempty"`
}

// TopPreferred returns up to n candidate ids with positive weight, best first.
func (c ChoiceSummary) TopPreferred(n int) []string {
	var ids []string
	for id, w := range c.Preferences {
		if w > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if c.Preferences[ids[i]] != c.Preferences[ids[j]] {
			return c.Preferences[ids[i]] > c.Preferences[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Summarize loads the user's choices and folds them into a ChoiceSummary.
func Summarize(ctx context.Context, st Store, userID string) (ChoiceSummary, error) {
	entries, err := st.ListChoices(ctx, userID)
	if err != nil {
		return ChoiceSummary{}, err
	}
	sum := ChoiceSummary{UserID: userID, Preferences: map[string]float64{}}
	for _, e := range entries {
		switch e.Outcome {
		case history.Accepted:
			sum.Accepted++
		case history.Rejected:
			sum.Rejected++
		}
		sum.Preferences[e.CandidateID] += history.Preference(e.Outcome)
	}
	return sum, nil
}

func validRecord(rec Record) error {
	if rec.SessionID == "" {
		return ErrEmptySessionID
	}
	if rec.Version < 1 {
		return ErrInvalidVersion
	}
	return nil
}
