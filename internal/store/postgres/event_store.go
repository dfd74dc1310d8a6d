package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

var _ domain.EventLog = (*EventStore)(nil)

// EventStore implements domain.EventLog on the events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts ev and returns it with the sequence number the database
// assigned.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const query = `
		INSERT INTO events (stream, type, payload, recorded_at)
		VALUES ($1, $2, $3, $4)
		RETURNING seq`
	err := s.pool.QueryRow(ctx, query, ev.Stream, ev.Type, payload, int64(ev.RecordedAt)).Scan(&ev.Seq)
	if err != nil {
		return domain.Event{}, fmt.Errorf("postgres: append %s/%s: %w", ev.Stream, ev.Type, err)
	}
	return ev, nil
}

// Load returns every event of stream in sequence order.
func (s *EventStore) Load(ctx context.Context, stream string) ([]domain.Event, error) {
	return s.List(ctx, domain.ListOpts{Stream: stream})
}

// List returns events in sequence order filtered by opts. Until is exclusive.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT seq, stream, type, payload, recorded_at FROM events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Stream != "" {
		query += fmt.Sprintf(" AND stream = $%d", argIdx)
		args = append(args, opts.Stream)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND recorded_at >= $%d", argIdx)
		args = append(args, opts.Since.UnixNano())
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND recorded_at < $%d", argIdx)
		args = append(args, opts.Until.UnixNano())
		argIdx++
	}

	query += " ORDER BY seq"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			ev      domain.Event
			payload []byte
			at      int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Stream, &ev.Type, &payload, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.RecordedAt = domain.Timestamp(at)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}
