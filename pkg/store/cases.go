package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const caseColumns = `id, owner_id, status, substatus, autopilot_mode, requires_human,
	pause_reason, agency_name, agency_email, portal_url, subject, request_body,
	thread_id, deadline_date, send_date, closed_at, fee_quote, scope_items,
	constraints, research_notes, last_portal_status, outcome_type, outcome_summary,
	created_at, updated_at`

// CreateCase inserts a new case row.
func (s *Store) CreateCase(ctx context.Context, c *contracts.Case) error {
	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`
	_, err := s.q.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.Status, c.Substatus, c.AutopilotMode, boolInt(c.RequiresHuman),
		c.PauseReason, c.AgencyName, c.AgencyEmail, c.PortalURL, c.Subject, c.RequestBody,
		c.ThreadID, nullTime(c.DeadlineDate), nullTime(c.SendDate), nullTime(c.ClosedAt),
		jsonText(c.FeeQuote), jsonText(c.ScopeItems), jsonText(c.Constraints),
		c.ResearchNotes, c.LastPortalStatus, c.OutcomeType, c.OutcomeSummary,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// GetCase loads one case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*contracts.Case, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	return scanCase(row)
}

// UpdateCase writes every mutable column back. Callers are expected to
// hold the case lock; the store does not re-check guards.
func (s *Store) UpdateCase(ctx context.Context, c *contracts.Case) error {
	query := `
		UPDATE cases SET
			owner_id = $1, status = $2, substatus = $3, autopilot_mode = $4,
			requires_human = $5, pause_reason = $6, agency_name = $7,
			agency_email = $8, portal_url = $9, subject = $10, request_body = $11,
			thread_id = $12, deadline_date = $13, send_date = $14, closed_at = $15,
			fee_quote = $16, scope_items = $17, constraints = $18,
			research_notes = $19, last_portal_status = $20, outcome_type = $21,
			outcome_summary = $22, updated_at = $23
		WHERE id = $24
	`
	res, err := s.q.ExecContext(ctx, query,
		c.OwnerID, c.Status, c.Substatus, c.AutopilotMode,
		boolInt(c.RequiresHuman), c.PauseReason, c.AgencyName,
		c.AgencyEmail, c.PortalURL, c.Subject, c.RequestBody,
		c.ThreadID, nullTime(c.DeadlineDate), nullTime(c.SendDate), nullTime(c.ClosedAt),
		jsonText(c.FeeQuote), jsonText(c.ScopeItems), jsonText(c.Constraints),
		c.ResearchNotes, c.LastPortalStatus, c.OutcomeType,
		c.OutcomeSummary, time.Now().UTC(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOutcomeSummary is the one mutation terminal cases still accept.
func (s *Store) SetOutcomeSummary(ctx context.Context, caseID, summary string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE cases SET outcome_summary = $1, updated_at = $2 WHERE id = $3`,
		summary, time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("set outcome summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCasesPastDeadline returns non-terminal cases whose statutory
// deadline passed before cutoff and which are not already paused.
func (s *Store) ListCasesPastDeadline(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Case, error) {
	query := `
		SELECT ` + caseColumns + ` FROM cases
		WHERE deadline_date IS NOT NULL AND deadline_date < $1
			AND status IN ('sent', 'awaiting_response')
			AND requires_human = 0
		ORDER BY deadline_date ASC
		LIMIT $2
	`
	return s.listCases(ctx, query, cutoff.UTC(), limit)
}

// ListReviewCases returns cases parked in a needs_* status, for the
// orphan sweep.
func (s *Store) ListReviewCases(ctx context.Context, limit int) ([]*contracts.Case, error) {
	query := `
		SELECT ` + caseColumns + ` FROM cases
		WHERE status IN ('needs_human_review', 'needs_phone_call',
			'needs_contact_info', 'needs_human_fee_approval')
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return s.listCases(ctx, query, limit)
}

func (s *Store) listCases(ctx context.Context, query string, args ...any) ([]*contracts.Case, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cases []*contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*contracts.Case, error) {
	var (
		c             contracts.Case
		requiresHuman int
		deadline      sql.NullTime
		sendDate      sql.NullTime
		closedAt      sql.NullTime
		feeQuote      sql.NullString
		scopeItems    sql.NullString
		constraints   sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Status, &c.Substatus, &c.AutopilotMode, &requiresHuman,
		&c.PauseReason, &c.AgencyName, &c.AgencyEmail, &c.PortalURL, &c.Subject, &c.RequestBody,
		&c.ThreadID, &deadline, &sendDate, &closedAt, &feeQuote, &scopeItems,
		&constraints, &c.ResearchNotes, &c.LastPortalStatus, &c.OutcomeType, &c.OutcomeSummary,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.RequiresHuman = requiresHuman == 1
	c.DeadlineDate = timePtr(deadline)
	c.SendDate = timePtr(sendDate)
	c.ClosedAt = timePtr(closedAt)
	fromJSON(feeQuote, &c.FeeQuote)
	fromJSON(scopeItems, &c.ScopeItems)
	fromJSON(constraints, &c.Constraints)
	return &c, nil
}
