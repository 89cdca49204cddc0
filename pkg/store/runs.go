package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const runColumns = `id, case_id, trigger_type, status, started_at, ended_at, error,
	thread_ref, message_id, proposal_id, metadata, created_at`

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, r *contracts.AgentRun) error {
	query := `
		INSERT INTO agent_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.q.ExecContext(ctx, query,
		r.ID, r.CaseID, r.TriggerType, r.Status, nullTime(r.StartedAt), nullTime(r.EndedAt),
		r.Error, r.ThreadRef, r.MessageID, r.ProposalID, jsonText(r.Metadata), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*contracts.AgentRun, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetActiveRun returns the single queued, running, or waiting run on a
// case, or ErrNotFound. More than one active run is a reconciliation
// signal; the newest is returned so callers can still make progress.
func (s *Store) GetActiveRun(ctx context.Context, caseID string) (*contracts.AgentRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM agent_runs
		WHERE case_id = $1 AND status IN ('queued', 'running', 'waiting')
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := s.q.QueryRowContext(ctx, query, caseID)
	return scanRun(row)
}

// CountActiveRuns counts runs occupying a case.
func (s *Store) CountActiveRuns(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE case_id = $1 AND status IN ('queued', 'running', 'waiting')`,
		caseID).Scan(&n)
	return n, err
}

func (s *Store) casRun(ctx context.Context, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// MarkRunQueued moves created to queued.
func (s *Store) MarkRunQueued(ctx context.Context, runID string) error {
	return s.casRun(ctx,
		`UPDATE agent_runs SET status = 'queued' WHERE id = $1 AND status = 'created'`, runID)
}

// MarkRunRunning claims a queued or parked run for a worker.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	return s.casRun(ctx, `
		UPDATE agent_runs SET status = 'running', started_at = COALESCE(started_at, $1)
		WHERE id = $2 AND status IN ('queued', 'waiting')`,
		time.Now().UTC(), runID)
}

// MarkRunWaiting parks a running run on a waitpoint. ThreadRef carries
// the continuation reference the resume task needs.
func (s *Store) MarkRunWaiting(ctx context.Context, runID, threadRef string) error {
	return s.casRun(ctx, `
		UPDATE agent_runs SET status = 'waiting', thread_ref = $1
		WHERE id = $2 AND status = 'running'`,
		threadRef, runID)
}

// CompleteRun finishes a run cleanly.
func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	return s.casRun(ctx, `
		UPDATE agent_runs SET status = 'completed', ended_at = $1
		WHERE id = $2 AND status IN ('running', 'waiting')`,
		time.Now().UTC(), runID)
}

// FailRun finishes a run with an error.
func (s *Store) FailRun(ctx context.Context, runID, runErr string) error {
	return s.casRun(ctx, `
		UPDATE agent_runs SET status = 'failed', error = $1, ended_at = $2
		WHERE id = $3 AND status IN ('created', 'queued', 'running', 'waiting')`,
		runErr, time.Now().UTC(), runID)
}

// CancelRun cancels one run with a reason.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) error {
	return s.casRun(ctx, `
		UPDATE agent_runs SET status = 'cancelled', error = $1, ended_at = $2
		WHERE id = $3 AND status IN ('created', 'queued', 'running', 'waiting')`,
		reason, time.Now().UTC(), runID)
}

// CancelActiveRuns cancels everything occupying a case, returning the
// count. Reason is recorded on each run's error column.
func (s *Store) CancelActiveRuns(ctx context.Context, caseID, reason string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'cancelled', error = $1, ended_at = $2
		WHERE case_id = $3 AND status IN ('created', 'queued', 'running', 'waiting')`,
		reason, time.Now().UTC(), caseID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetRunMetadata replaces a run's metadata document. The dispatcher
// keeps the pending task spec here so queued work survives a restart.
func (s *Store) SetRunMetadata(ctx context.Context, runID string, metadata map[string]any) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE agent_runs SET metadata = $1 WHERE id = $2`,
		jsonText(metadata), runID)
	return err
}

// SetRunRefs links the message and proposal a run worked on.
func (s *Store) SetRunRefs(ctx context.Context, runID, messageID, proposalID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE agent_runs SET
			message_id = CASE WHEN $1 = '' THEN message_id ELSE $1 END,
			proposal_id = CASE WHEN $2 = '' THEN proposal_id ELSE $2 END
		WHERE id = $3`,
		messageID, proposalID, runID)
	return err
}

// ListStaleRunning returns runs that have been running since before the
// cutoff. Parked runs are in waiting and do not show up here.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*contracts.AgentRun, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE status = 'running' AND started_at < $1`,
		cutoff.UTC())
}

// ListQueuedRuns returns queued runs oldest-first, for boot recovery.
func (s *Store) ListQueuedRuns(ctx context.Context) ([]*contracts.AgentRun, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE status = 'queued'
		ORDER BY created_at ASC`)
}

func (s *Store) listRuns(ctx context.Context, query string, args ...any) ([]*contracts.AgentRun, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*contracts.AgentRun, error) {
	var (
		r         contracts.AgentRun
		startedAt sql.NullTime
		endedAt   sql.NullTime
		metadata  sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.CaseID, &r.TriggerType, &r.Status, &startedAt, &endedAt, &r.Error,
		&r.ThreadRef, &r.MessageID, &r.ProposalID, &metadata, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.StartedAt = timePtr(startedAt)
	r.EndedAt = timePtr(endedAt)
	fromJSON(metadata, &r.Metadata)
	return &r, nil
}
