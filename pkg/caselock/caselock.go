// Package caselock provides the per-case advisory lock that serializes
// every multi-step read-modify-write against a case. A lock is a row
// keyed by (case_id, operation) with a TTL; acquisition is an upsert
// that only wins when the existing row is absent or expired, so a
// crashed holder never wedges a case for longer than the TTL.
//
// Each successful acquisition increments a fence counter. Downstream
// writers can compare fences to reject work from a holder whose lock
// already lapsed and was re-granted.
package caselock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/retry"
)

// Well-known operation names. Anything per-case and multi-step gets its
// own operation so a long reset cannot starve ordinary transitions.
const (
	OpRun        = "run"
	OpTransition = "transition"
	OpReset      = "reset_to_last_inbound"
)

var (
	// ErrLockContention means another holder owns the lock and its TTL
	// has not lapsed. Retryable.
	ErrLockContention = errors.New("caselock: contention")
	// ErrNotHeld means the presented token no longer owns the lock.
	ErrNotHeld = errors.New("caselock: not held")
)

// Lock is a granted lease. Token proves ownership; Fence increases by
// one for every grant of the same (case, operation) row.
type Lock struct {
	CaseID    string
	Operation string
	Token     string
	Fence     int64
	ExpiresAt time.Time
}

// Manager grants and releases case locks.
type Manager struct {
	db    *sql.DB
	clock func() time.Time
	rp    retry.Policy
}

// NewManager creates a lock manager on the shared database handle.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:    db,
		clock: time.Now,
		rp: retry.Policy{
			Base:        50 * time.Millisecond,
			Max:         time.Second,
			MaxJitter:   50 * time.Millisecond,
			MaxAttempts: 5,
		},
	}
}

// WithClock replaces the time source for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

const schema = `
CREATE TABLE IF NOT EXISTS case_locks (
	case_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	token TEXT NOT NULL,
	holder_run_id TEXT NOT NULL DEFAULT '',
	fence BIGINT NOT NULL DEFAULT 1,
	acquired_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (case_id, operation)
);
`

// Init creates the lock table. Idempotent.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Acquire attempts one grant. On contention it returns ErrLockContention
// immediately; use AcquireWithRetry for the backoff loop.
func (m *Manager) Acquire(ctx context.Context, caseID, operation, holderRunID string, ttl time.Duration) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	expires := now.Add(ttl)

	query := `
		INSERT INTO case_locks (case_id, operation, token, holder_run_id, fence, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (case_id, operation) DO UPDATE SET
			token = $3, holder_run_id = $4, fence = case_locks.fence + 1,
			acquired_at = $5, expires_at = $6
		WHERE case_locks.expires_at < $5
	`
	res, err := m.db.ExecContext(ctx, query, caseID, operation, token, holderRunID, now, expires)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrLockContention
	}

	lock := &Lock{CaseID: caseID, Operation: operation, Token: token, ExpiresAt: expires}
	err = m.db.QueryRowContext(ctx,
		`SELECT fence FROM case_locks WHERE case_id = $1 AND operation = $2 AND token = $3`,
		caseID, operation, token).Scan(&lock.Fence)
	if err != nil {
		// Row gone or re-granted between the upsert and the read. The
		// grant is void either way.
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLockContention
		}
		return nil, err
	}
	return lock, nil
}

// AcquireWithRetry runs the backoff loop and gives up with
// ErrLockContention after the policy's attempt budget.
func (m *Manager) AcquireWithRetry(ctx context.Context, caseID, operation, holderRunID string, ttl time.Duration) (*Lock, error) {
	key := caseID + ":" + operation
	for attempt := 0; attempt < m.rp.MaxAttempts; attempt++ {
		lock, err := m.Acquire(ctx, caseID, operation, holderRunID, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockContention) {
			return nil, err
		}
		if attempt == m.rp.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.Backoff(key, attempt, m.rp)):
		}
	}
	return nil, ErrLockContention
}

// Release drops the lock if the token still owns it. A mismatched token
// is a no-op: the lease lapsed and someone else holds it now.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM case_locks WHERE case_id = $1 AND operation = $2 AND token = $3`,
		lock.CaseID, lock.Operation, lock.Token)
	return err
}

// Refresh extends the lease. Reentrancy is only possible this way.
func (m *Manager) Refresh(ctx context.Context, lock *Lock, ttl time.Duration) error {
	if lock == nil {
		return ErrNotHeld
	}
	expires := m.clock().UTC().Add(ttl)
	res, err := m.db.ExecContext(ctx, `
		UPDATE case_locks SET expires_at = $1
		WHERE case_id = $2 AND operation = $3 AND token = $4`,
		expires, lock.CaseID, lock.Operation, lock.Token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	lock.ExpiresAt = expires
	return nil
}

// SweepExpired deletes lapsed lock rows. The upsert path already treats
// them as free; sweeping keeps the table small and the metrics honest.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM case_locks WHERE expires_at < $1`, m.clock().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
