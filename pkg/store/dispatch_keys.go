package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PutDispatchKey claims an idempotency key for a run. The upsert wins if
// the key is new or its previous claim has expired; otherwise the run id
// of the live claim comes back and inserted is false.
func (s *Store) PutDispatchKey(ctx context.Context, key, runID string, ttl time.Duration) (bool, string, error) {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO dispatch_keys (key, run_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET run_id = $2, expires_at = $3
		WHERE dispatch_keys.expires_at < $4`,
		key, runID, now.Add(ttl), now)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return true, runID, nil
	}
	var existing string
	err = s.q.QueryRowContext(ctx,
		`SELECT run_id FROM dispatch_keys WHERE key = $1`, key).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		// Claim raced a delete; treat as contention and let the caller retry.
		return false, "", ErrStale
	}
	if err != nil {
		return false, "", err
	}
	return false, existing, nil
}

// DeleteExpiredDispatchKeys drops spent idempotency claims.
func (s *Store) DeleteExpiredDispatchKeys(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM dispatch_keys WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
