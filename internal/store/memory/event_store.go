// Package memory provides an in-process EventLog for tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

var _ domain.EventLog = (*EventStore)(nil)

// EventStore keeps the log in a slice. FailNext makes a later Append fail,
// which tests use to check that rejected appends leave state untouched.
type EventStore struct {
	mu        sync.RWMutex
	events    []domain.Event
	failNext  error
	failAfter int
}

// NewEventStore returns an empty store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// FailNext makes the next Append return err.
func (s *EventStore) FailNext(err error) {
	s.FailNextAfter(0, err)
}

// FailNextAfter lets n more appends succeed, then fails one with err.
func (s *EventStore) FailNextAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
	s.failAfter = n
}

// Append assigns the next sequence number and stores ev.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil && s.failAfter > 0 {
		s.failAfter--
	} else if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return domain.Event{}, fmt.Errorf("memory: append: %w", err)
	}
	ev.Seq = uint64(len(s.events)) + 1
	ev.Payload = append([]byte(nil), ev.Payload...)
	s.events = append(s.events, ev)
	return ev, nil
}

// Load returns every event of stream in sequence order.
func (s *EventStore) Load(ctx context.Context, stream string) ([]domain.Event, error) {
	return s.List(ctx, domain.ListOpts{Stream: stream})
}

// List returns events across streams in sequence order, filtered by opts.
func (s *EventStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, 0)
	skipped := 0
	for _, ev := range s.events {
		if !matches(ev, opts) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(ev domain.Event, opts domain.ListOpts) bool {
	if opts.Stream != "" && ev.Stream != opts.Stream {
		return false
	}
	at := ev.RecordedAt.Time()
	if opts.Since != nil && at.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !at.Before(*opts.Until) {
		return false
	}
	return true
}
