package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const portalTaskColumns = `id, case_id, proposal_id, portal_url, provider, instructions,
	status, confirmation_number, error, created_at, started_at, completed_at`

// CreatePortalTask inserts a fresh submission task for the portal worker.
func (s *Store) CreatePortalTask(ctx context.Context, t *contracts.PortalTask) error {
	query := `
		INSERT INTO portal_tasks (` + portalTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.q.ExecContext(ctx, query,
		t.ID, t.CaseID, t.ProposalID, t.PortalURL, t.Provider, t.Instructions,
		t.Status, t.ConfirmationNumber, t.Error,
		t.CreatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert portal task: %w", err)
	}
	return nil
}

// GetPortalTask loads one portal task.
func (s *Store) GetPortalTask(ctx context.Context, id string) (*contracts.PortalTask, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+portalTaskColumns+` FROM portal_tasks WHERE id = $1`, id)
	return scanPortalTask(row)
}

// ClaimPortalTask moves PENDING to RUNNING for the worker that owns it.
func (s *Store) ClaimPortalTask(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE portal_tasks SET status = 'RUNNING', started_at = $1
		WHERE id = $2 AND status = 'PENDING'`,
		time.Now().UTC(), id)
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

// FinishPortalTask records the worker result on a running or pending
// task. Cancelled tasks refuse late results.
func (s *Store) FinishPortalTask(ctx context.Context, id string, status contracts.PortalTaskStatus, confirmation, taskErr string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE portal_tasks SET status = $1, confirmation_number = $2, error = $3, completed_at = $4
		WHERE id = $5 AND status IN ('PENDING', 'RUNNING')`,
		status, confirmation, taskErr, time.Now().UTC(), id)
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

// CancelOpenPortalTasks cancels every in-flight submission on a case. A
// superseding approval calls this before minting its own task.
func (s *Store) CancelOpenPortalTasks(ctx context.Context, caseID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE portal_tasks SET status = 'CANCELLED', completed_at = $1
		WHERE case_id = $2 AND status IN ('PENDING', 'RUNNING')`,
		time.Now().UTC(), caseID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListOverduePortalTasks returns unfinished tasks created before the
// cutoff, oldest first.
func (s *Store) ListOverduePortalTasks(ctx context.Context, cutoff time.Time) ([]*contracts.PortalTask, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+portalTaskColumns+` FROM portal_tasks
		WHERE status IN ('PENDING', 'RUNNING') AND created_at < $1
		ORDER BY created_at ASC`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PortalTask
	for rows.Next() {
		t, err := scanPortalTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// HasPortalSubmission reports whether the case has ever completed a
// portal submission.
func (s *Store) HasPortalSubmission(ctx context.Context, caseID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portal_tasks WHERE case_id = $1 AND status = 'SUCCESS'`,
		caseID).Scan(&n)
	return n > 0, err
}

func scanPortalTask(row rowScanner) (*contracts.PortalTask, error) {
	var (
		t           contracts.PortalTask
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.CaseID, &t.ProposalID, &t.PortalURL, &t.Provider, &t.Instructions,
		&t.Status, &t.ConfirmationNumber, &t.Error,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}
