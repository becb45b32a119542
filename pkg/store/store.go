// Package store persists the session index and checkpoint history in a
// SQLite database shared by every workspace.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"pilot/pkg/checkpoint"
	"pilot/pkg/protocol"
)

// Store wraps the pilot state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// openDB opens a SQLite database at path with WAL journaling and a
// 5-second busy timeout, and verifies the connection with a ping.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord is one row of the session index.
type SessionRecord struct {
	ID        string
	Totals    protocol.Totals
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionIndex is the session index scoped to one workspace.
type SessionIndex struct {
	db        *sql.DB
	workspace string
}

// Sessions returns the index for workspace.
func (s *Store) Sessions(workspace string) *SessionIndex {
	return &SessionIndex{db: s.db, workspace: workspace}
}

// SaveSession upserts the totals of session id.
func (x *SessionIndex) SaveSession(ctx context.Context, id string, t protocol.Totals) error {
	if id == "" {
		return nil
	}
	_, err := x.db.ExecContext(ctx, `
INSERT INTO sessions (id, workspace, input_tokens, output_tokens, cost, requests, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (workspace, id) DO UPDATE SET
    input_tokens = excluded.input_tokens,
    output_tokens = excluded.output_tokens,
    cost = excluded.cost,
    requests = excluded.requests,
    updated_at = excluded.updated_at`,
		id, x.workspace, t.InputTokens, t.OutputTokens, t.Cost, t.Requests, now(), now())
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

// LastSession returns the most recently updated session, or an empty id
// when the workspace has none.
func (x *SessionIndex) LastSession(ctx context.Context) (string, protocol.Totals, error) {
	var (
		id string
		t  protocol.Totals
	)
	err := x.db.QueryRowContext(ctx, `
SELECT id, input_tokens, output_tokens, cost, requests FROM sessions
WHERE workspace = ? ORDER BY updated_at DESC, rowid DESC LIMIT 1`, x.workspace).
		Scan(&id, &t.InputTokens, &t.OutputTokens, &t.Cost, &t.Requests)
	if errors.Is(err, sql.ErrNoRows) {
		return "", protocol.Totals{}, nil
	}
	if err != nil {
		return "", protocol.Totals{}, fmt.Errorf("last session: %w", err)
	}
	return id, t, nil
}

// List returns every session of the workspace, most recent first.
func (x *SessionIndex) List(ctx context.Context) ([]SessionRecord, error) {
	rows, err := x.db.QueryContext(ctx, `
SELECT id, input_tokens, output_tokens, cost, requests, created_at, updated_at FROM sessions
WHERE workspace = ? ORDER BY updated_at DESC, rowid DESC`, x.workspace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var (
			r                  SessionRecord
			created, updated string
		)
		if err := rows.Scan(&r.ID, &r.Totals.InputTokens, &r.Totals.OutputTokens, &r.Totals.Cost,
			&r.Totals.Requests, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CheckpointLog is the checkpoint history of one workspace. It implements
// checkpoint.Log.
type CheckpointLog struct {
	db        *sql.DB
	workspace string
}

// Checkpoints returns the checkpoint log for workspace.
func (s *Store) Checkpoints(workspace string) *CheckpointLog {
	return &CheckpointLog{db: s.db, workspace: workspace}
}

// Append implements checkpoint.Log.
func (l *CheckpointLog) Append(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workspace, commit_id, message, created_at) VALUES (?, ?, ?, ?)`,
		l.workspace, cp.ID, cp.Message, cp.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// List implements checkpoint.Log, oldest first.
func (l *CheckpointLog) List(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT commit_id, message, created_at FROM checkpoints WHERE workspace = ? ORDER BY seq`, l.workspace)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var (
			cp checkpoint.Checkpoint
			ts string
		)
		if err := rows.Scan(&cp.ID, &cp.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Timestamp = parseTime(ts)
		out = append(out, cp)
	}
	return out, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ checkpoint.Log = (*CheckpointLog)(nil)
