package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			terminated INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_ms);`,
		`CREATE TABLE IF NOT EXISTS user_choices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			candidate_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			turn INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_choices_user ON user_choices(user_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS tag_preferences (
			user_id TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			preference REAL NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, attribute, value)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, state, terminated, version, payload, created_at_ms, updated_at_ms
FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if err := validRecord(rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	now := nowMS()
	updated := now
	if !rec.UpdatedAt.IsZero() {
		updated = rec.UpdatedAt.UnixMilli()
	}
	created := updated
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixMilli()
	}

	if rec.Version == 1 {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, user_id, state, terminated, version, payload, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`,
			rec.SessionID, rec.UserID, rec.State, boolInt(rec.Terminated), rec.Payload, created, updated)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return expectOne(res, rec)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET user_id = ?, state = ?, terminated = ?, version = ?, payload = ?, updated_at_ms = ?
WHERE session_id = ? AND version = ?`,
		rec.UserID, rec.State, boolInt(rec.Terminated), rec.Version, rec.Payload, updated,
		rec.SessionID, rec.Version-1)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return expectOne(res, rec)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
SELECT session_id, user_id, state, terminated, version, payload, created_at_ms, updated_at_ms
FROM sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at_ms DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendChoices(ctx context.Context, userID string, entries []history.Entry) error {
	if userID == "" || len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		at := e.At.UnixMilli()
		if e.At.IsZero() {
			at = nowMS()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO user_choices (id, user_id, session_id, candidate_id, outcome, turn, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
			e.ID, userID, e.SessionID, e.CandidateID, string(e.Outcome), e.Turn, at); err != nil {
			return fmt.Errorf("insert choice: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit choices: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChoices(ctx context.Context, userID string) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, candidate_id, outcome, turn, created_at_ms
FROM user_choices
WHERE user_id = ?
ORDER BY created_at_ms ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list choices: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e       history.Entry
			outcome string
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CandidateID, &outcome, &e.Turn, &at); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		e.Outcome = history.Outcome(outcome)
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list choices: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string, pref float64) error {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return err
	}
	if err := validPreference(pref); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tag_preferences (user_id, attribute, value, preference, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id, attribute, value) DO UPDATE SET
	preference = excluded.preference,
	updated_at_ms = excluded.updated_at_ms`,
		userID, string(attr), value, pref, nowMS())
	if err != nil {
		return fmt.Errorf("set tag preference: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string) (float64, bool, error) {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return 0, false, err
	}
	var pref float64
	err = s.db.QueryRowContext(ctx, `
SELECT preference FROM tag_preferences
WHERE user_id = ? AND attribute = ? AND value = ?`, userID, string(attr), value).Scan(&pref)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get tag preference: %w", err)
	}
	return pref, true, nil
}

func (s *SQLiteStore) ListTagPreferences(ctx context.Context, userID string) ([]TagPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT attribute, value, preference FROM tag_preferences
WHERE user_id = ?
ORDER BY attribute ASC, value ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tag preferences: %w", err)
	}
	defer rows.Close()

	out := []TagPreference{}
	for rows.Next() {
		var (
			p    TagPreference
			attr string
		)
		if err := rows.Scan(&attr, &p.Value, &p.Preference); err != nil {
			return nil, fmt.Errorf("scan tag preference: %w", err)
		}
		p.Attribute = constraints.Attribute(attr)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tag preferences: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		terminated int
		created    int64
		updated    int64
	)
	if err := row.Scan(&rec.SessionID, &rec.UserID, &rec.State, &terminated, &rec.Version, &rec.Payload, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.Terminated = terminated != 0
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func expectOne(res sql.Result, rec Record) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s version %d", ErrVersionConflict, rec.SessionID, rec.Version)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowMS() int64 { return time.Now().UnixMilli() }
