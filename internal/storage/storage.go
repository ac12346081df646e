package storage

import (
	"context"
	"time"

	"github.com/michaelbrown/rlm/internal/llm"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// SessionKind tells a bare REPL session from a model-driven run.
type SessionKind string

const (
	KindREPL SessionKind = "repl"
	KindRLM  SessionKind = "rlm"
)

// Session is the metadata for one environment's lifetime. Only the audit
// trail is stored; the namespace itself lives in memory.
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Kind      SessionKind   `json:"kind"`
	Status    SessionStatus `json:"status"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Profile   string        `json:"profile"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Execution records one Execute call.
type Execution struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Seq       int           `json:"seq"`
	Code      string        `json:"code"`
	Mode      string        `json:"mode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Display   string        `json:"display,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Changed   []string      `json:"changed,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	Status SessionStatus
	Kind   SessionKind
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions, their executions, and
// model transcripts.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID or ID prefix.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// UpdateSession updates mutable fields (title, status, updated_at).
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session with its executions and messages.
	DeleteSession(ctx context.Context, id string) error

	// AppendExecution stores e, assigning its sequence number and timestamp.
	AppendExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns a session's executions in order.
	ListExecutions(ctx context.Context, sessionID string) ([]Execution, error)

	// SaveMessages overwrites the model transcript for a session.
	SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error

	// LoadMessages returns the model transcript for a session.
	LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Close releases resources.
	Close() error
}
