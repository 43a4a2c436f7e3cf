package postgres

import (
	"context"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

// AppendEvent records a diagnostic event for a run. Events are append-only.
func (s *Store) AppendEvent(ctx context.Context, runID uuid.UUID, level store.EventLevel, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, level, message) VALUES ($1, $2, $3)
	`, runID, level, message)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", runID, err)
	}
	return nil
}

// ListEvents returns up to limit events with ID greater than afterID,
// oldest first, for tailing.
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]store.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, level, message
		FROM run_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []store.RunEvent
	for rows.Next() {
		var ev store.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Timestamp, &ev.Level, &ev.Message); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
