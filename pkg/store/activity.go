package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// AppendActivity writes one audit entry. The stream is append-only and
// every state transition lands here.
func (s *Store) AppendActivity(ctx context.Context, caseID, eventType, description string, metadata map[string]any) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO activity_log (id, case_id, event_type, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), caseID, eventType, description, jsonText(metadata), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns a case's audit stream newest-first.
func (s *Store) ListActivity(ctx context.Context, caseID string, limit int) ([]*contracts.ActivityEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, case_id, event_type, description, metadata, created_at
		FROM activity_log
		WHERE case_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		caseID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ActivityEntry
	for rows.Next() {
		var (
			e    contracts.ActivityEntry
			meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.EventType, &e.Description, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		fromJSON(meta, &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}
