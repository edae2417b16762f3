package store

import (
	"context"
	"database/sql"
	"fmt"
)

// appendAudit writes one audit event inside the caller's transaction so the
// event commits or rolls back with the mutation it records.
func (s *Store) appendAudit(tx *sql.Tx, kind, id, event, detail string) error {
	_, err := tx.Exec(
		`INSERT INTO audit_events (entity_kind, entity_id, event, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, id, event, detail, timeToMs(s.now()),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// AuditTrail returns the audit events for one entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, kind, id string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_kind, entity_id, event, detail, created_at
		   FROM audit_events WHERE entity_kind = ? AND entity_id = ? ORDER BY id`,
		kind, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ms int64
		if err := rows.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.Event, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.CreatedAt = msToTime(ms)
		events = append(events, e)
	}
	return events, rows.Err()
}
