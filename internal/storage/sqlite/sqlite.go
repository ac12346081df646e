package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const sessionColumns = `id, title, kind, status, provider, model, profile, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Kind == "" {
		sess.Kind = storage.KindREPL
	}
	if sess.Status == "" {
		sess.Status = storage.StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Kind, sess.Status, sess.Provider, sess.Model, sess.Profile,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	// Initialize empty messages row
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages) VALUES (?, '[]')`,
		sess.ID,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	// Try exact match first, then prefix match
	sess, err := s.getSessionExact(ctx, id)
	if err == nil {
		return sess, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q matches %d sessions", id, len(matches))
	}
}

func (s *SQLiteStore) getSessionExact(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *storage.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, status = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.Status, sess.UpdatedAt.Format(time.RFC3339Nano), sess.ID,
	)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	// Resolve prefix first
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM executions WHERE session_id = ?`,
		`DELETE FROM session_messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sess.ID); err != nil {
			return fmt.Errorf("deleting session %s: %w", sess.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	changed, err := json.Marshal(e.Changed)
	if err != nil {
		return fmt.Errorf("marshaling changed names: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM executions WHERE session_id = ?`,
		e.SessionID).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("numbering execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, seq, code, mode, stdout, stderr, display, error, error_kind, changed, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, e.Code, e.Mode, e.Stdout, e.Stderr, e.Display,
		e.Error, e.ErrorKind, string(changed), int64(e.Duration), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		e.CreatedAt.Format(time.RFC3339Nano), e.SessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, sessionID string) ([]storage.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, code, mode, stdout, stderr, display, error, error_kind, changed, duration_ns, created_at
		FROM executions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []storage.Execution
	for rows.Next() {
		var e storage.Execution
		var changed, createdAt string
		var duration int64
		err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Code, &e.Mode, &e.Stdout, &e.Stderr,
			&e.Display, &e.Error, &e.ErrorKind, &changed, &duration, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		if err := json.Unmarshal([]byte(changed), &e.Changed); err != nil {
			return nil, fmt.Errorf("unmarshaling changed names: %w", err)
		}
		e.Duration = time.Duration(duration)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(data), now,
	)
	return err
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT messages FROM session_messages WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*storage.Session, error) {
	var sess storage.Session
	var createdAt, updatedAt string
	err := s.Scan(&sess.ID, &sess.Title, &sess.Kind, &sess.Status, &sess.Provider,
		&sess.Model, &sess.Profile, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}
