package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-lms/internal/db"
)

// PGStore writes events to the domain_events table.
type PGStore struct {
	DB db.DBTX
}

// Insert implements Store.
func (s PGStore) Insert(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error) {
	const q = `INSERT INTO domain_events (topic, aggregate_id, payload)
VALUES ($1, $2, $3)
RETURNING id, topic, aggregate_id, payload, occurred_at`

	var ev Event
	err := s.DB.QueryRow(ctx, q, topic, aggregateID, payload).
		Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	return ev, nil
}

// ListByAggregate returns the events recorded for an aggregate, oldest first.
func (s PGStore) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	const q = `SELECT id, topic, aggregate_id, payload, occurred_at
FROM domain_events WHERE aggregate_id = $1 ORDER BY occurred_at, id`

	rows, err := s.DB.Query(ctx, q, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list domain events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
