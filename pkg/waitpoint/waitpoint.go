// Package waitpoint provides single-use durable tokens that suspend an
// agent run until a human decision arrives. A waitpoint is a row, not a
// blocked thread: the run parks, the token is handed to the outside
// world, and the first Complete wins a transactional compare-and-set on
// completed_at. Everyone who loses the race sees ErrAlreadyCompleted.
package waitpoint

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// DefaultTTL is how long a gate stays open without a decision.
const DefaultTTL = 14 * 24 * time.Hour

var (
	// ErrNotFound means no waitpoint carries the presented token.
	ErrNotFound = errors.New("waitpoint: not found")
	// ErrAlreadyCompleted means another caller won the completion race.
	ErrAlreadyCompleted = errors.New("waitpoint: already completed")
)

// Manager mints and completes waitpoints on the shared database.
type Manager struct {
	db    *sql.DB
	clock func() time.Time
}

// NewManager creates a waitpoint manager.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, clock: time.Now}
}

// WithClock replaces the time source for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

const schema = `
CREATE TABLE IF NOT EXISTS waitpoints (
	token TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	completion_payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_waitpoints_case ON waitpoints(case_id);
CREATE INDEX IF NOT EXISTS idx_waitpoints_open ON waitpoints(expires_at) WHERE completed_at IS NULL;
`

// Init creates the waitpoint table. Idempotent.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Create mints an unguessable token and persists the open waitpoint.
func (m *Manager) Create(ctx context.Context, caseID, proposalID string, ttl time.Duration) (*contracts.Waitpoint, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("waitpoint token entropy: %w", err)
	}
	now := m.clock().UTC()
	wp := &contracts.Waitpoint{
		Token:      hex.EncodeToString(buf),
		CaseID:     caseID,
		ProposalID: proposalID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO waitpoints (token, case_id, proposal_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		wp.Token, wp.CaseID, wp.ProposalID, wp.CreatedAt, wp.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create waitpoint: %w", err)
	}
	return wp, nil
}

// Get fetches a waitpoint by token.
func (m *Manager) Get(ctx context.Context, token string) (*contracts.Waitpoint, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT token, case_id, proposal_id, created_at, expires_at, completed_at, completion_payload
		FROM waitpoints WHERE token = $1`, token)
	return scanWaitpoint(row)
}

// Complete resolves the waitpoint with the given payload. Exactly one
// caller wins; the rest get ErrAlreadyCompleted. The winner receives
// the waitpoint with its payload recorded so it can resume the run.
func (m *Manager) Complete(ctx context.Context, token string, payload contracts.CompletionPayload) (*contracts.Waitpoint, error) {
	now := m.clock().UTC()
	body := jsonString(payload)
	res, err := m.db.ExecContext(ctx, `
		UPDATE waitpoints SET completed_at = $1, completion_payload = $2
		WHERE token = $3 AND completed_at IS NULL`,
		now, body, token)
	if err != nil {
		return nil, fmt.Errorf("complete waitpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := m.Get(ctx, token); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyCompleted
	}
	return m.Get(ctx, token)
}

// ListExpired returns open waitpoints past their deadline, oldest first.
func (m *Manager) ListExpired(ctx context.Context, limit int) ([]*contracts.Waitpoint, error) {
	return m.list(ctx, `
		SELECT token, case_id, proposal_id, created_at, expires_at, completed_at, completion_payload
		FROM waitpoints
		WHERE completed_at IS NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, m.clock().UTC(), limit)
}

// ListOpenByCase returns the case's open waitpoints.
func (m *Manager) ListOpenByCase(ctx context.Context, caseID string) ([]*contracts.Waitpoint, error) {
	return m.list(ctx, `
		SELECT token, case_id, proposal_id, created_at, expires_at, completed_at, completion_payload
		FROM waitpoints
		WHERE completed_at IS NULL AND case_id = $1
		ORDER BY created_at`, caseID)
}

// RevokeForCase completes every open waitpoint on the case with a
// DISMISS payload. Used by case reset; returns the revoked waitpoints.
func (m *Manager) RevokeForCase(ctx context.Context, caseID string) ([]*contracts.Waitpoint, error) {
	open, err := m.ListOpenByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	payload := contracts.CompletionPayload{
		Action: contracts.DecisionDismiss,
		Reason: contracts.ReasonCaseReset,
	}
	var revoked []*contracts.Waitpoint
	for _, wp := range open {
		done, err := m.Complete(ctx, wp.Token, payload)
		if errors.Is(err, ErrAlreadyCompleted) {
			// A decision slipped in between list and revoke; theirs stands.
			continue
		}
		if err != nil {
			return revoked, err
		}
		revoked = append(revoked, done)
	}
	return revoked, nil
}

// OpenCount returns the number of open waitpoints, for metrics.
func (m *Manager) OpenCount(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM waitpoints WHERE completed_at IS NULL`).Scan(&n)
	return n, err
}

func (m *Manager) list(ctx context.Context, query string, args ...any) ([]*contracts.Waitpoint, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []*contracts.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func jsonString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsonDecode(s string, out any) error {
	return json.Unmarshal([]byte(s), out)
}

func scanWaitpoint(row rowScanner) (*contracts.Waitpoint, error) {
	var wp contracts.Waitpoint
	var completedAt sql.NullTime
	var payload sql.NullString
	err := row.Scan(&wp.Token, &wp.CaseID, &wp.ProposalID, &wp.CreatedAt,
		&wp.ExpiresAt, &completedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		wp.CompletedAt = &t
	}
	if payload.Valid && payload.String != "" {
		var p contracts.CompletionPayload
		if err := jsonDecode(payload.String, &p); err == nil {
			wp.CompletionPayload = &p
		}
	}
	return &wp, nil
}
