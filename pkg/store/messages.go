package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

const messageColumns = `id, case_id, thread_id, direction, from_addr, to_addr, subject,
	body_text, body_html, in_reply_to, provider_message_id, message_type,
	received_at, sent_at, processed_at, processed_run_id, response_analysis, created_at`

// CreateMessage inserts a message row. Attachments are stored separately.
func (s *Store) CreateMessage(ctx context.Context, m *contracts.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.q.ExecContext(ctx, query,
		m.ID, m.CaseID, m.ThreadID, m.Direction, m.From, m.To, m.Subject,
		m.BodyText, m.BodyHTML, m.InReplyTo, m.ProviderMessageID, m.MessageType,
		nullTime(m.ReceivedAt), nullTime(m.SentAt), nullTime(m.ProcessedAt),
		m.ProcessedRunID, jsonText(m.ResponseAnalysis), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id, attachments included.
func (s *Store) GetMessage(ctx context.Context, id string) (*contracts.Message, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	m.Attachments, err = s.ListAttachments(ctx, m.ID)
	return m, err
}

// GetMessageByProviderID resolves threading headers to a prior message.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerID string) (*contracts.Message, error) {
	if providerID == "" {
		return nil, ErrNotFound
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1 LIMIT 1`, providerID)
	return scanMessage(row)
}

// AttachMessage binds an unmatched inbound message to a case and thread.
func (s *Store) AttachMessage(ctx context.Context, messageID, caseID, threadID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE messages SET case_id = $1, thread_id = $2 WHERE id = $3 AND case_id = ''`,
		caseID, threadID, messageID)
	if err != nil {
		return fmt.Errorf("attach message: %w", err)
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

// MarkMessageProcessed stamps processed_at exactly once; a second stamp
// is a stale update.
func (s *Store) MarkMessageProcessed(ctx context.Context, messageID, runID string, analysis *contracts.Analysis) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET processed_at = $1, processed_run_id = $2, response_analysis = $3
		WHERE id = $4 AND processed_at IS NULL`,
		time.Now().UTC(), runID, jsonText(analysis), messageID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
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

// MarkMessageUnmatched tags an inbound message that matched no case so
// ingestion does not retry it forever.
func (s *Store) MarkMessageUnmatched(ctx context.Context, messageID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE messages SET message_type = 'unmatched' WHERE id = $1 AND case_id = ''`,
		messageID)
	return err
}

// ClearMessageProcessed makes an inbound message eligible for
// reprocessing. Used by reset-to-last-inbound.
func (s *Store) ClearMessageProcessed(ctx context.Context, messageID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE messages SET processed_at = NULL, processed_run_id = '' WHERE id = $1`,
		messageID)
	return err
}

// LatestInbound returns the most recent inbound message on a case, by
// provider receive time with creation time as fallback.
func (s *Store) LatestInbound(ctx context.Context, caseID string) (*contracts.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE case_id = $1 AND direction = 'inbound'
		ORDER BY COALESCE(received_at, created_at) DESC
		LIMIT 1
	`
	row := s.q.QueryRowContext(ctx, query, caseID)
	return scanMessage(row)
}

// ListThread returns all of a case's messages oldest-first, the shape the
// classifier wants.
func (s *Store) ListThread(ctx context.Context, caseID string) ([]*contracts.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE case_id = $1
		ORDER BY COALESCE(received_at, sent_at, created_at) ASC
	`
	rows, err := s.q.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*contracts.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountOutbound counts messages we have sent on a case.
func (s *Store) CountOutbound(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE case_id = $1 AND direction = 'outbound'`,
		caseID).Scan(&n)
	return n, err
}

// FindCaseBySubject matches a stripped subject line against prior
// traffic. rawSubject and stripped are both tried because agencies are
// inconsistent about reply prefixes.
func (s *Store) FindCaseBySubject(ctx context.Context, rawSubject, stripped string) (string, error) {
	var caseID string
	err := s.q.QueryRowContext(ctx, `
		SELECT case_id FROM messages
		WHERE subject IN ($1, $2) AND case_id <> ''
		ORDER BY created_at DESC
		LIMIT 1`,
		rawSubject, stripped).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return caseID, err
}

// ListCasesByAgencyDomain returns open cases whose agency mail domain
// matches. Used as the last-resort attachment heuristic; the caller only
// attaches when exactly one candidate comes back.
func (s *Store) ListCasesByAgencyDomain(ctx context.Context, domain string) ([]*contracts.Case, error) {
	query := `
		SELECT ` + caseColumns + ` FROM cases
		WHERE agency_email LIKE '%@' || $1
			AND status NOT IN ('completed', 'cancelled', 'draft')
	`
	return s.listCases(ctx, query, domain)
}

func scanMessage(row rowScanner) (*contracts.Message, error) {
	var (
		m           contracts.Message
		receivedAt  sql.NullTime
		sentAt      sql.NullTime
		processedAt sql.NullTime
		analysis    sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.CaseID, &m.ThreadID, &m.Direction, &m.From, &m.To, &m.Subject,
		&m.BodyText, &m.BodyHTML, &m.InReplyTo, &m.ProviderMessageID, &m.MessageType,
		&receivedAt, &sentAt, &processedAt, &m.ProcessedRunID, &analysis, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.ReceivedAt = timePtr(receivedAt)
	m.SentAt = timePtr(sentAt)
	m.ProcessedAt = timePtr(processedAt)
	fromJSON(analysis, &m.ResponseAnalysis)
	return &m, nil
}

// CreateAttachment records one attachment row for a stored message.
func (s *Store) CreateAttachment(ctx context.Context, a *contracts.Attachment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, filename, content_type, size, blob_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.MessageID, a.Filename, a.ContentType, a.Size, a.BlobAddress, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// ListAttachments returns a message's attachments in insertion order.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]contracts.Attachment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, message_id, filename, content_type, size, blob_address, created_at
		FROM attachments WHERE message_id = $1 ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Attachment
	for rows.Next() {
		var a contracts.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.Size, &a.BlobAddress, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindFilledPDF locates the most recent generated request PDF on a case.
func (s *Store) FindFilledPDF(ctx context.Context, caseID string) (*contracts.Attachment, error) {
	query := `
		SELECT a.id, a.message_id, a.filename, a.content_type, a.size, a.blob_address, a.created_at
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.case_id = $1 AND a.filename LIKE 'filled\_%.pdf' ESCAPE '\'
		ORDER BY a.created_at DESC
		LIMIT 1
	`
	var a contracts.Attachment
	err := s.q.QueryRowContext(ctx, query, caseID).Scan(
		&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.Size, &a.BlobAddress, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
