// Package store is the durable home of cases, messages, proposals, runs,
// executions, portal tasks, and the activity stream. It speaks plain
// database/sql with numbered placeholders and supports both Postgres and
// SQLite via standard drivers; SQLite is the lite-mode path used by dev
// and tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by all entity groups.
var (
	ErrNotFound = errors.New("store: not found")
	// ErrStale is returned by compare-and-set updates that matched no
	// row: another worker got there first.
	ErrStale = errors.New("store: stale update")
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting every store method run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a SQL database. The zero value is not usable; construct
// with New or Open and call Init once.
type Store struct {
	db *sql.DB
	q  querier
}

// New wraps an already opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// Open connects by URL. postgres:// and postgresql:// URLs use the pq
// driver; anything else is treated as a SQLite path (":memory:" works).
func Open(databaseURL string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return New(db), nil
}

// DB exposes the underlying handle for components that own their own
// tables (caselock, waitpoint).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	substatus TEXT NOT NULL DEFAULT '',
	autopilot_mode TEXT NOT NULL DEFAULT 'MANUAL',
	requires_human INTEGER NOT NULL DEFAULT 0,
	pause_reason TEXT NOT NULL DEFAULT '',
	agency_name TEXT NOT NULL DEFAULT '',
	agency_email TEXT NOT NULL DEFAULT '',
	portal_url TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	request_body TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	deadline_date TIMESTAMP,
	send_date TIMESTAMP,
	closed_at TIMESTAMP,
	fee_quote TEXT,
	scope_items TEXT,
	constraints TEXT,
	research_notes TEXT NOT NULL DEFAULT '',
	last_portal_status TEXT NOT NULL DEFAULT '',
	outcome_type TEXT NOT NULL DEFAULT '',
	outcome_summary TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL,
	from_addr TEXT NOT NULL DEFAULT '',
	to_addr TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body_text TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	in_reply_to TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP,
	sent_at TIMESTAMP,
	processed_at TIMESTAMP,
	processed_run_id TEXT NOT NULL DEFAULT '',
	response_analysis TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_case ON messages(case_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_message_id);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	blob_address TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	trigger_message_id TEXT NOT NULL DEFAULT '',
	action_type TEXT NOT NULL,
	status TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	risk_flags TEXT,
	warnings TEXT,
	reasoning TEXT,
	gate_options TEXT,
	draft_subject TEXT NOT NULL DEFAULT '',
	draft_body_text TEXT NOT NULL DEFAULT '',
	draft_body_html TEXT NOT NULL DEFAULT '',
	proposal_key TEXT NOT NULL UNIQUE,
	waitpoint_token TEXT NOT NULL DEFAULT '',
	execution_key TEXT,
	human_decision TEXT,
	parent_proposal_id TEXT NOT NULL DEFAULT '',
	adjustment_count INTEGER NOT NULL DEFAULT 0,
	email_job_id TEXT NOT NULL DEFAULT '',
	executed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_execution_key
	ON proposals(execution_key) WHERE execution_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_proposals_case_status ON proposals(case_id, status);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	error TEXT NOT NULL DEFAULT '',
	thread_ref TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	proposal_id TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_case_status ON agent_runs(case_id, status);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	case_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	provider_message_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_proposal ON executions(proposal_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_case ON activity_log(case_id, created_at);

CREATE TABLE IF NOT EXISTS portal_tasks (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	proposal_id TEXT NOT NULL DEFAULT '',
	portal_url TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	instructions TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	confirmation_number TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_portal_tasks_case ON portal_tasks(case_id, status);

CREATE TABLE IF NOT EXISTS dispatch_keys (
	key TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// Init creates all tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn with a Store bound to one transaction, committing on
// nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		// Already inside a transaction; nest flatly.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonText marshals v for a TEXT column, mapping empty values to NULL.
func jsonText(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// fromJSON unmarshals a TEXT column into out, tolerating NULL.
func fromJSON(col sql.NullString, out any) {
	if !col.Valid || col.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(col.String), out)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
