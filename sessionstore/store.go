// Package sessionstore persists per-context session state in SQLite: the
// lifecycle state of the latest task, the RPC thread id and whether a CLI
// session exists. Callers treat every write as best effort.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bazelment/yoloswe/taskengine/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	context_id  TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	thread_id   TEXT NOT NULL DEFAULT '',
	cli_session TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_cli_session ON sessions(cli_session);
`

// StateRunning marks a context whose latest task has not finished.
const StateRunning event.State = "running"

// Session is one stored row.
type Session struct {
	UpdatedAt  time.Time   `json:"updatedAt"`
	ContextID  string      `json:"contextId"`
	TaskID     string      `json:"taskId"`
	State      event.State `json:"state"`
	ThreadID   string      `json:"threadId,omitempty"`
	CLISession string      `json:"cliSession,omitempty"`
}

// Store is a SQLite-backed session store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path with WAL journaling and a
// busy timeout, then applies the schema. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) upsert(ctx context.Context, contextID, column, value string, extra ...string) error {
	if contextID == "" {
		return errors.New("sessionstore: empty context id")
	}
	cols := []string{column}
	vals := []any{value}
	for i := 0; i+1 < len(extra); i += 2 {
		cols = append(cols, extra[i])
		vals = append(vals, extra[i+1])
	}

	q := "INSERT INTO sessions (context_id, updated_at"
	placeholders := "?, ?"
	set := "updated_at = excluded.updated_at"
	for _, c := range cols {
		q += ", " + c
		placeholders += ", ?"
		set += ", " + c + " = excluded." + c
	}
	q += ") VALUES (" + placeholders + ") ON CONFLICT(context_id) DO UPDATE SET " + set

	args := append([]any{contextID, s.now().UnixMilli()}, vals...)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update session %s: %w", contextID, err)
	}
	return nil
}

// MarkRunning records that taskID started in contextID.
func (s *Store) MarkRunning(ctx context.Context, contextID, taskID string) error {
	return s.upsert(ctx, contextID, "state", string(StateRunning), "task_id", taskID)
}

// MarkFinished records the terminal state of taskID. A later task in the
// same context is not overwritten by an earlier one finishing.
func (s *Store) MarkFinished(ctx context.Context, contextID, taskID string, state event.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE context_id = ? AND task_id = ?`,
		string(state), s.now().UnixMilli(), contextID, taskID)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", contextID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.upsert(ctx, contextID, "state", string(state), "task_id", taskID)
	}
	return nil
}

// LookupThread returns the stored RPC thread id, or "" when none.
func (s *Store) LookupThread(ctx context.Context, contextID string) (string, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM sessions WHERE context_id = ?`, contextID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup thread %s: %w", contextID, err)
	}
	return threadID, nil
}

// SaveThread stores the RPC thread id for contextID.
func (s *Store) SaveThread(ctx context.Context, contextID, threadID string) error {
	return s.upsert(ctx, contextID, "thread_id", threadID)
}

// HasSession reports whether the CLI session id was recorded.
func (s *Store) HasSession(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE cli_session = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup cli session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// SaveSession records the CLI session id used for contextID.
func (s *Store) SaveSession(ctx context.Context, sessionID, contextID string) error {
	return s.upsert(ctx, contextID, "cli_session", sessionID)
}

// Get returns the row for contextID.
func (s *Store) Get(ctx context.Context, contextID string) (Session, bool, error) {
	rows, err := s.query(ctx, `WHERE context_id = ?`, contextID)
	if err != nil || len(rows) == 0 {
		return Session{}, false, err
	}
	return rows[0], true, nil
}

// List returns all rows, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	return s.query(ctx, `ORDER BY updated_at DESC, context_id`)
}

func (s *Store) query(ctx context.Context, clause string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, task_id, state, thread_id, cli_session, updated_at FROM sessions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			state   string
			updated int64
		)
		if err := rows.Scan(&sess.ContextID, &sess.TaskID, &state, &sess.ThreadID, &sess.CLISession, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.State = event.State(state)
		sess.UpdatedAt = time.UnixMilli(updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}
