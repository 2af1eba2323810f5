package dialogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/recdm/pkg/history"
	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/metrics"
	"github.com/dotsetgreg/recdm/pkg/sessionstore"
)

const choiceRetryDelay = 20 * time.Millisecond

type ManagerConfig struct {
	// ConflictRetries bounds reload-and-retry rounds after a lost save.
	ConflictRetries int
}

// Manager runs turns against persisted sessions. Every turn loads the
// latest snapshot, applies the act and saves version+1; a concurrent writer
// makes the save fail and the turn is replayed on the fresh state.
type Manager struct {
	engine  *Engine
	store   sessionstore.Store
	retries int
}

func NewManager(engine *Engine, store sessionstore.Store, cfg ManagerConfig) *Manager {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &Manager{engine: engine, store: store, retries: cfg.ConflictRetries}
}

func (m *Manager) Engine() *Engine { return m.engine }

func (m *Manager) Store() sessionstore.Store { return m.store }

// HandleTurn applies act to the session sessionID, creating it when it does
// not exist. An empty sessionID starts a new session; the reply carries its
// id. When the closed session's choices cannot be logged the saved reply is
// returned together with an ErrChoicesNotSaved error.
func (m *Manager) HandleTurn(ctx context.Context, sessionID, userID string, act UserAct) (Reply, error) {
	for attempt := 0; attempt <= m.retries; attempt++ {
		s, err := m.open(ctx, sessionID, userID)
		if err != nil {
			return Reply{}, err
		}
		sessionID = s.ID
		wasClosed := s.Terminated
		loaded := s.Version

		reply, err := m.engine.HandleTurn(ctx, s, act)
		if err != nil {
			return Reply{}, err
		}
		if wasClosed {
			return reply, nil
		}

		s.Version = loaded + 1
		err = m.save(ctx, s)
		if errors.Is(err, sessionstore.ErrVersionConflict) {
			metrics.SessionConflicts.Inc()
			logger.WarnCF("dialogue", "Session save lost a race, retrying", map[string]interface{}{
				"session_id": sessionID,
				"version":    s.Version,
				"attempt":    attempt + 1,
			})
			continue
		}
		if err != nil {
			return Reply{}, err
		}

		if s.Terminated && s.UserID != "" {
			if err := m.appendChoices(ctx, s); err != nil {
				return reply, err
			}
		}
		return reply, nil
	}
	return Reply{}, fmt.Errorf("%w: %s after %d retries", ErrSessionConflict, sessionID, m.retries)
}

// appendChoices logs the choices of a closed session for its user. The
// session is already saved as closed, so the write is retried here. Stores
// ignore entries they already hold.
func (m *Manager) appendChoices(ctx context.Context, s *Session) error {
	choices := s.History.Choices()
	var err error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrChoicesNotSaved, s.ID, ctx.Err())
			case <-time.After(time.Duration(attempt) * choiceRetryDelay):
			}
		}
		if err = m.store.AppendChoices(ctx, s.UserID, choices); err == nil {
			return nil
		}
		logger.WarnCF("dialogue", "Failed to persist user choices", map[string]interface{}{
			"session_id": s.ID,
			"user_id":    s.UserID,
			"attempt":    attempt + 1,
			"error":      err.Error(),
		})
	}
	return fmt.Errorf("%w: %s: %v", ErrChoicesNotSaved, s.ID, err)
}

// Session loads a persisted session without running a turn.
func (m *Manager) Session(ctx context.Context, sessionID string) (*Session, error) {
	rec, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.decode(rec)
}

// Prune deletes sessions idle for longer than idle.
func (m *Manager) Prune(ctx context.Context, idle time.Duration) (int, error) {
	n, err := m.store.PruneIdle(ctx, time.Now().Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("prune idle sessions: %w", err)
	}
	metrics.SessionsPruned.Add(float64(n))
	if n > 0 {
		logger.InfoCF("dialogue", "Pruned idle sessions", map[string]interface{}{
			"count": n,
			"idle":  idle.String(),
		})
	}
	return n, nil
}

func (m *Manager) open(ctx context.Context, sessionID, userID string) (*Session, error) {
	if sessionID != "" {
		rec, err := m.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			s, err := m.decode(rec)
			if err != nil {
				return nil, err
			}
			if userID != "" && s.UserID != "" && s.UserID != userID {
				return nil, fmt.Errorf("%w: %s", ErrSessionOwner, sessionID)
			}
			return s, nil
		case !errors.Is(err, sessionstore.ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	var past []history.Entry
	if userID != "" {
		var err error
		past, err = m.store.ListChoices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load user choices: %w", err)
		}
	}
	s := NewSession(sessionID, userID, m.engine.opts.MultiValued, past)
	logger.InfoCF("dialogue", "Session started", map[string]interface{}{
		"session_id":   s.ID,
		"user_id":      userID,
		"past_choices": len(past),
	})
	return s, nil
}

func (m *Manager) decode(rec sessionstore.Record) (*Session, error) {
	snap, err := DecodeSnapshot(rec.Payload)
	if err != nil {
		return nil, err
	}
	snap.Version = rec.Version
	return RestoreSession(snap, m.engine.opts.MultiValued)
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	snap := s.Snapshot()
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = m.store.Save(ctx, sessionstore.Record{
		SessionID:  snap.SessionID,
		UserID:     snap.UserID,
		State:      snap.PolicyState.String(),
		Terminated: snap.Terminated,
		Version:    snap.Version,
		Payload:    payload,
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.UpdatedAt,
	})
	if err != nil && !errors.Is(err, sessionstore.ErrVersionConflict) {
		return fmt.Errorf("save session: %w", err)
	}
	return err
}
