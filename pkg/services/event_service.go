package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruleiq/orchestrator/pkg/events"
)

// EventService reads and prunes the run_events table. It backs WebSocket
// catchup as the events.CatchupQuerier implementation and gives the
// retention sweeper its pruning hook.
type EventService struct {
	pool *pgxpool.Pool
}

// NewEventService wraps the shared connection pool.
func NewEventService(pool *pgxpool.Pool) *EventService {
	return &EventService{pool: pool}
}

// GetEventsSince returns stored events on a channel with id greater than
// sinceID, oldest first.
func (s *EventService) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload FROM run_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var evt events.CatchupEvent
		if err := rows.Scan(&evt.ID, &evt.Payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading event rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes events stored before cutoff, across all channels.
// Returns the number of rows deleted.
func (s *EventService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
