package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/prerender/internal/domain"
)

// EventRepo handles persistence for BuildEvent records.
type EventRepo struct{}

// AppendTx inserts a build event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.BuildEvent) error {
	const q = `INSERT INTO build_events (build_id, seq_no, phase, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.BuildID,
		event.SeqNo,
		string(event.Phase),
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Append inserts a build event in its own transaction.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, event domain.BuildEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.AppendTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByBuild returns events for a build with sequence numbers greater than
// sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByBuild(ctx context.Context, db *sql.DB, buildID string, sinceSeq int64) ([]domain.BuildEvent, error) {
	const q = `SELECT id, build_id, seq_no, phase, event_type, payload_json, created_at
FROM build_events
WHERE build_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, buildID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.BuildEvent
	for rows.Next() {
		var e domain.BuildEvent
		var phase string
		if err := rows.Scan(&e.ID, &e.BuildID, &e.SeqNo, &phase, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Phase = domain.BuildPhase(phase)
		events = append(events, e)
	}
	return events, rows.Err()
}
