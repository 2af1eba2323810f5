package sessionstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
)

// MemoryStore keeps everything in process. Useful for tests and the chat REPL.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Record
	choices  map[string][]history.Entry
	prefs    map[string]map[string]TagPreference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]Record{},
		choices:  map[string][]history.Entry{},
		prefs:    map[string]map[string]TagPreference{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := validRecord(rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.sessions[rec.SessionID]
	switch {
	case rec.Version == 1 && exists:
		return fmt.Errorf("%w: %s already exists", ErrVersionConflict, rec.SessionID)
	case rec.Version > 1 && (!exists || cur.Version != rec.Version-1):
		return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, rec.SessionID, rec.Version-1)
	}
	if exists && !cur.CreatedAt.IsZero() {
		rec.CreatedAt = cur.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.sessions[rec.SessionID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// List returns sessions newest first; an empty userID lists every user.
func (m *MemoryStore) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	m.mu.RLock()
	var out []Record
	for _, rec := range m.sessions {
		if userID == "" || rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.sessions {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendChoices(ctx context.Context, userID string, entries []history.Entry) error {
	if userID == "" || len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, e := range m.choices[userID] {
		seen[e.ID] = true
	}
	for _, e := range entries {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		m.choices[userID] = append(m.choices[userID], e)
	}
	return nil
}

func (m *MemoryStore) ListChoices(ctx context.Context, userID string) ([]history.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]history.Entry(nil), m.choices[userID]...), nil
}

func copyRecord(rec Record) Record {
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}

func (m *MemoryStore) SetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string, pref float64) error {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return err
	}
	if err := validPreference(pref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs[userID] == nil {
		m.prefs[userID] = map[string]TagPreference{}
	}
	m.prefs[userID][tagKey(attr, value)] = TagPreference{Attribute: attr, Value: value, Preference: pref}
	return nil
}

func (m *MemoryStore) GetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string) (float64, bool, error) {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[userID][tagKey(attr, value)]
	return p.Preference, ok, nil
}

func (m *MemoryStore) ListTagPreferences(ctx context.Context, userID string) ([]TagPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TagPreference, 0, len(m.prefs[userID]))
	for _, p := range m.prefs[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attribute != out[j].Attribute {
			return out[i].Attribute < out[j].Attribute
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}
