// Package history tracks which candidates a user has seen and how they
// reacted, for the current session and (read-only) for earlier ones.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Outcome is the recorded reaction to a candidate.
type Outcome string

const (
	Shown    Outcome = "shown"
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	Skipped  Outcome = "skipped"
)

func (o Outcome) Valid() bool {
	switch o {
	case Shown, Accepted, Rejected, Skipped:
		return true
	}
	return false
}

// Preference converts an outcome into a signed preference weight.
func Preference(o Outcome) float64 {
	switch o {
	case Accepted:
		return 1
	case Rejected:
		return -1
	default:
		return 0
	}
}

// Entry is one recorded outcome.
type Entry struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	Outcome     Outcome   `json:"outcome"`
	Turn        int       `json:"turn"`
	SessionID   string    `json:"session_id"`
	At          time.Time `json:"at"`
}

// Tracker holds the entries of one session. It is confined to its session
// and not safe for concurrent use.
type Tracker struct {
	sessionID string
	entries   []Entry
	past      []Entry
	now       func() time.Time
}

// NewTracker creates a tracker for sessionID. past holds choices from
// earlier sessions of the same user; only accepted/rejected ones matter.
func NewTracker(sessionID string, past []Entry) *Tracker {
	t := &Tracker{sessionID: sessionID, now: time.Now}
	t.SetPast(past)
	return t
}

// SetPast replaces the read-only past-session entries.
func (t *Tracker) SetPast(past []Entry) {
	t.past = t.past[:0]
	for _, e := range past {
		if e.Outcome == Accepted || e.Outcome == Rejected {
			t.past = append(t.past, e)
		}
	}
}

// Record appends an outcome for candidateID at turn.
func (t *Tracker) Record(candidateID string, outcome Outcome, turn int) error {
	if candidateID == "" {
		return ErrEmptyCandidate
	}
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if t.Resolved() {
		return fmt.Errorf("%w: %s", ErrSessionAlreadyResolved, candidateID)
	}
	t.entries = append(t.entries, Entry{
		ID:          uuid.NewString(),
		CandidateID: candidateID,
		Outcome:     outcome,
		Turn:        turn,
		SessionID:   t.sessionID,
		At:          t.now().UTC(),
	})
	return nil
}

// Resolved reports whether a candidate was accepted in this session.
func (t *Tracker) Resolved() bool {
	for _, e := range t.entries {
		if e.Outcome == Accepted {
			return true
		}
	}
	return false
}

// Accepted returns the accepted candidate id, if any.
func (t *Tracker) Accepted() (string, bool) {
	for _, e := range t.entries {
		if e.Outcome == Accepted {
			return e.CandidateID, true
		}
	}
	return "", false
}

// Outcome returns the effective outcome for a candidate in this session:
// accepted wins over rejected, which wins over the latest shown/skipped.
func (t *Tracker) Outcome(candidateID string) (Outcome, bool) {
	var (
		latest Outcome
		found  bool
		reject bool
	)
	for _, e := range t.entries {
		if e.CandidateID != candidateID {
			continue
		}
		switch e.Outcome {
		case Accepted:
			return Accepted, true
		case Rejected:
			reject = true
		default:
			latest = e.Outcome
		}
		found = true
	}
	if reject {
		return Rejected, true
	}
	return latest, found
}

// ExcludedSet returns ids that must not be presented (forShowing) or the ids
// that already count as a result for the user (!forShowing). The result is
// sorted and free of duplicates.
func (t *Tracker) ExcludedSet(forShowing bool) []string {
	seen := map[string]bool{}
	for _, e := range t.entries {
		if e.Outcome == Accepted || (forShowing && e.Outcome == Rejected) {
			seen[e.CandidateID] = true
		}
	}
	if forShowing {
		for _, e := range t.past {
			seen[e.CandidateID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rejected returns the ids rejected in this session, in first-rejection order.
func (t *Tracker) Rejected() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range t.entries {
		if e.Outcome == Rejected && !seen[e.CandidateID] {
			seen[e.CandidateID] = true
			out = append(out, e.CandidateID)
		}
	}
	return out
}

// Choices returns the accepted and rejected entries of this session, the part
// worth keeping across sessions.
func (t *Tracker) Choices() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if e.Outcome == Accepted || e.Outcome == Rejected {
			out = append(out, e)
		}
	}
	return out
}

func (t *Tracker) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Tracker) Past() []Entry {
	out := make([]Entry, len(t.past))
	copy(out, t.past)
	return out
}

// Restore replaces the session entries, e.g. after loading a snapshot.
func (t *Tracker) Restore(entries []Entry) {
	t.entries = make([]Entry, len(entries))
	copy(t.entries, entries)
}

