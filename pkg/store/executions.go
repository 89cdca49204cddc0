package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const executionColumns = `id, proposal_id, case_id, kind, provider_message_id,
	status, started_at, completed_at, error`

// AppendExecution writes a STARTED entry to the side-effect log before
// the provider call goes out. The log is append-only; rows are finished,
// never rewritten.
func (s *Store) AppendExecution(ctx context.Context, e *contracts.Execution) error {
	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.q.ExecContext(ctx, query,
		e.ID, e.ProposalID, e.CaseID, e.Kind, e.ProviderMessageID,
		e.Status, e.StartedAt.UTC(), nullTime(e.CompletedAt), e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// CompleteExecution records the provider's answer on a started entry.
func (s *Store) CompleteExecution(ctx context.Context, executionID, providerMessageID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE executions SET status = 'COMPLETED', provider_message_id = $1, completed_at = $2
		WHERE id = $3 AND status = 'STARTED'`,
		providerMessageID, time.Now().UTC(), executionID)
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

// FailExecution closes a started entry with an error.
func (s *Store) FailExecution(ctx context.Context, executionID, execErr string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE executions SET status = 'FAILED', error = $1, completed_at = $2
		WHERE id = $3 AND status = 'STARTED'`,
		execErr, time.Now().UTC(), executionID)
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

// ListExecutionsByProposal returns the side-effect history of one
// proposal oldest-first.
func (s *Store) ListExecutionsByProposal(ctx context.Context, proposalID string) ([]*contracts.Execution, error) {
	return s.listExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE proposal_id = $1 ORDER BY started_at ASC`, proposalID)
}

// ListOpenExecutions returns STARTED entries older than the cutoff: side
// effects whose outcome never landed, the reaper's reconciliation input.
func (s *Store) ListOpenExecutions(ctx context.Context, cutoff time.Time) ([]*contracts.Execution, error) {
	return s.listExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = 'STARTED' AND started_at < $1`, cutoff.UTC())
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]*contracts.Execution, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Execution
	for rows.Next() {
		var (
			e           contracts.Execution
			completedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.CaseID, &e.Kind, &e.ProviderMessageID,
			&e.Status, &e.StartedAt, &completedAt, &e.Error); err != nil {
			return nil, err
		}
		e.CompletedAt = timePtr(completedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetExecution loads one execution entry.
func (s *Store) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	var (
		e           contracts.Execution
		completedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id).
		Scan(&e.ID, &e.ProposalID, &e.CaseID, &e.Kind, &e.ProviderMessageID,
			&e.Status, &e.StartedAt, &completedAt, &e.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.CompletedAt = timePtr(completedAt)
	return &e, nil
}
