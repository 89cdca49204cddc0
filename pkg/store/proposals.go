package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const proposalColumns = `id, case_id, run_id, trigger_message_id, action_type, status,
	confidence, risk_flags, warnings, reasoning, gate_options,
	draft_subject, draft_body_text, draft_body_html, proposal_key,
	waitpoint_token, execution_key, human_decision, parent_proposal_id,
	adjustment_count, email_job_id, executed_at, created_at, updated_at`

// CreateProposal inserts idempotently on proposal_key: a conflicting key
// returns the existing row with created=false instead of a twin.
func (s *Store) CreateProposal(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, bool, error) {
	query := `
		INSERT INTO proposals (` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (proposal_key) DO NOTHING
	`
	res, err := s.q.ExecContext(ctx, query,
		p.ID, p.CaseID, p.RunID, p.TriggerMessageID, p.ActionType, p.Status,
		p.Confidence, jsonText(p.RiskFlags), jsonText(p.Warnings), jsonText(p.Reasoning),
		jsonText(p.GateOptions), p.DraftSubject, p.DraftBodyText, p.DraftBodyHTML,
		p.ProposalKey, p.WaitpointToken, nullString(p.ExecutionKey),
		jsonText(p.HumanDecision), p.ParentProposalID, p.AdjustmentCount,
		p.EmailJobID, nullTime(p.ExecutedAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := s.GetProposalByKey(ctx, p.ProposalKey)
		return existing, false, err
	}
	return p, true, nil
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	return scanProposal(row)
}

// GetProposalByKey loads one proposal by its dedupe key.
func (s *Store) GetProposalByKey(ctx context.Context, key string) (*contracts.Proposal, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_key = $1`, key)
	return scanProposal(row)
}

// GetOpenProposal returns the single pending or blocked proposal on a
// case, or ErrNotFound.
func (s *Store) GetOpenProposal(ctx context.Context, caseID string) (*contracts.Proposal, error) {
	query := `
		SELECT ` + proposalColumns + ` FROM proposals
		WHERE case_id = $1 AND status IN ('PENDING_APPROVAL', 'BLOCKED')
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := s.q.QueryRowContext(ctx, query, caseID)
	return scanProposal(row)
}

// CountOpenProposals counts pending or blocked proposals on a case.
func (s *Store) CountOpenProposals(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals WHERE case_id = $1 AND status IN ('PENDING_APPROVAL', 'BLOCKED')`,
		caseID).Scan(&n)
	return n, err
}

// ListProposalsByCase returns all proposals newest-first.
func (s *Store) ListProposalsByCase(ctx context.Context, caseID string) ([]*contracts.Proposal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListExecutingOlderThan returns proposals stuck in the transient
// EXECUTING claim, for reaper reconciliation against the execution log.
func (s *Store) ListExecutingOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.Proposal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = 'EXECUTING' AND updated_at < $1`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// casProposal runs one compare-and-set update and maps a zero-row result
// to ErrStale.
func (s *Store) casProposal(ctx context.Context, query string, args ...any) error {
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

// SetWaitpointToken stamps the waitpoint onto a gated proposal.
func (s *Store) SetWaitpointToken(ctx context.Context, proposalID, token string) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET waitpoint_token = $1, updated_at = $2
		WHERE id = $3 AND status IN ('PENDING_APPROVAL', 'BLOCKED')`,
		token, time.Now().UTC(), proposalID)
}

// SetProposalRun links the run that owns this proposal.
func (s *Store) SetProposalRun(ctx context.Context, proposalID, runID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE proposals SET run_id = $1, updated_at = $2 WHERE id = $3`,
		runID, time.Now().UTC(), proposalID)
	return err
}

// MarkDecisionReceived moves PENDING_APPROVAL to DECISION_RECEIVED and
// records the decision. ErrStale means the proposal was not pending.
func (s *Store) MarkDecisionReceived(ctx context.Context, proposalID string, decision *contracts.HumanDecision) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'DECISION_RECEIVED', human_decision = $1, updated_at = $2
		WHERE id = $3 AND status = 'PENDING_APPROVAL'`,
		jsonText(decision), time.Now().UTC(), proposalID)
}

// RollbackToPending undoes a decision after a dispatch or execution
// failure: status back to PENDING_APPROVAL, decision and execution key
// cleared. A proposal is never left stranded mid-pipeline.
func (s *Store) RollbackToPending(ctx context.Context, proposalID string) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'PENDING_APPROVAL', human_decision = NULL,
			execution_key = NULL, waitpoint_token = '', updated_at = $1
		WHERE id = $2 AND status IN ('DECISION_RECEIVED', 'APPROVED', 'EXECUTING', 'PENDING_PORTAL')`,
		time.Now().UTC(), proposalID)
}

// ApproveProposal assigns the execution key and moves to APPROVED. The
// fromStatus guard keeps the transition forward-only.
func (s *Store) ApproveProposal(ctx context.Context, proposalID, executionKey string, fromStatus contracts.ProposalStatus) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'APPROVED', execution_key = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		executionKey, time.Now().UTC(), proposalID, fromStatus)
}

// ClaimExecuting is the executor's single-flight gate: exactly one
// worker wins the APPROVED row for a given execution key.
func (s *Store) ClaimExecuting(ctx context.Context, proposalID, executionKey string) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'EXECUTING', updated_at = $1
		WHERE id = $2 AND status = 'APPROVED' AND execution_key = $3`,
		time.Now().UTC(), proposalID, executionKey)
}

// MarkExecuted finishes the claim.
func (s *Store) MarkExecuted(ctx context.Context, proposalID string, at time.Time) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'EXECUTED', executed_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'EXECUTING'`,
		at.UTC(), time.Now().UTC(), proposalID)
}

// MarkExecutedFromPortal finishes a proposal whose side effect ran
// through the portal worker rather than the executor claim.
func (s *Store) MarkExecutedFromPortal(ctx context.Context, proposalID string, at time.Time) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'EXECUTED', executed_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'PENDING_PORTAL'`,
		at.UTC(), time.Now().UTC(), proposalID)
}

// MarkPendingPortal parks an approved portal proposal on the worker.
func (s *Store) MarkPendingPortal(ctx context.Context, proposalID string) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'PENDING_PORTAL', updated_at = $1
		WHERE id = $2 AND status IN ('PENDING_APPROVAL', 'DECISION_RECEIVED', 'APPROVED', 'EXECUTING')`,
		time.Now().UTC(), proposalID)
}

// DismissProposal finalizes a proposal without executing it.
func (s *Store) DismissProposal(ctx context.Context, proposalID string, decision *contracts.HumanDecision) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'DISMISSED', human_decision = $1, updated_at = $2
		WHERE id = $3 AND status IN ('PENDING_APPROVAL', 'BLOCKED', 'DECISION_RECEIVED', 'PENDING_PORTAL')`,
		jsonText(decision), time.Now().UTC(), proposalID)
}

// MarkAdjustmentRequested closes a proposal that the human sent back for
// rework; the planner mints a successor carrying the lineage.
func (s *Store) MarkAdjustmentRequested(ctx context.Context, proposalID string, decision *contracts.HumanDecision) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'ADJUSTMENT_REQUESTED', human_decision = $1, updated_at = $2
		WHERE id = $3 AND status IN ('PENDING_APPROVAL', 'DECISION_RECEIVED')`,
		jsonText(decision), time.Now().UTC(), proposalID)
}

// BlockProposal parks a proposal that policy refuses to let through as
// drafted.
func (s *Store) BlockProposal(ctx context.Context, proposalID string) error {
	return s.casProposal(ctx, `
		UPDATE proposals SET status = 'BLOCKED', updated_at = $1
		WHERE id = $2 AND status = 'PENDING_APPROVAL'`,
		time.Now().UTC(), proposalID)
}

// WithdrawOpenProposals closes every open proposal on a case, returning
// how many were withdrawn. Used when a newer inbound supersedes the
// pending decision.
func (s *Store) WithdrawOpenProposals(ctx context.Context, caseID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET status = 'WITHDRAWN', updated_at = $1
		WHERE case_id = $2 AND status IN ('PENDING_APPROVAL', 'BLOCKED')`,
		time.Now().UTC(), caseID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanProposal(row rowScanner) (*contracts.Proposal, error) {
	var (
		p            contracts.Proposal
		riskFlags    sql.NullString
		warnings     sql.NullString
		reasoning    sql.NullString
		gateOptions  sql.NullString
		executionKey sql.NullString
		decision     sql.NullString
		executedAt   sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.CaseID, &p.RunID, &p.TriggerMessageID, &p.ActionType, &p.Status,
		&p.Confidence, &riskFlags, &warnings, &reasoning, &gateOptions,
		&p.DraftSubject, &p.DraftBodyText, &p.DraftBodyHTML, &p.ProposalKey,
		&p.WaitpointToken, &executionKey, &decision, &p.ParentProposalID,
		&p.AdjustmentCount, &p.EmailJobID, &executedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.ExecutionKey = executionKey.String
	fromJSON(riskFlags, &p.RiskFlags)
	fromJSON(warnings, &p.Warnings)
	fromJSON(reasoning, &p.Reasoning)
	fromJSON(gateOptions, &p.GateOptions)
	fromJSON(decision, &p.HumanDecision)
	p.ExecutedAt = timePtr(executedAt)
	return &p, nil
}
