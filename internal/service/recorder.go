package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Publisher receives committed events for fan-out to sinks.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Authorizer resolves caller roles.
type Authorizer interface {
	RequireCaller(p domain.Principal) error
	RequireAdmin(p domain.Principal) error
	RequireAdminOr(p domain.Principal, allowed ...domain.Principal) error
}

// recorder appends one service's events to its stream. It is only used while
// the owning service holds its writer lock.
type recorder struct {
	stream string
	log    domain.EventLog
	pub    Publisher
	clock  domain.Clock
	last   domain.Timestamp
}

func newRecorder(stream string, log domain.EventLog, pub Publisher, clock domain.Clock) *recorder {
	if clock == nil {
		clock = time.Now
	}
	return &recorder{stream: stream, log: log, pub: pub, clock: clock}
}

// now returns a timestamp strictly greater than every timestamp this stream
// has recorded.
func (r *recorder) now() domain.Timestamp {
	ts := domain.TimestampOf(r.clock())
	if ts <= r.last {
		ts = r.last + 1
	}
	return ts
}

// record appends a typed payload. Nothing is written when ctx is already
// done.
func (r *recorder) record(ctx context.Context, typ string, ts domain.Timestamp, payload any) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	ev, err := r.log.Append(ctx, domain.Event{
		Stream:     r.stream,
		Type:       typ,
		Payload:    raw,
		RecordedAt: ts,
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s: %w", typ, err)
	}
	r.observe(ev)
	return ev, nil
}

// observe advances the monotonic clock past ev.
func (r *recorder) observe(ev domain.Event) {
	if ev.RecordedAt > r.last {
		r.last = ev.RecordedAt
	}
}

func (r *recorder) publish(ctx context.Context, evs ...domain.Event) {
	if r.pub == nil {
		return
	}
	for _, ev := range evs {
		r.pub.Publish(ctx, ev)
	}
}

// replay loads the stream and passes every event to apply in order.
func (r *recorder) replay(ctx context.Context, apply func(domain.Event) error) (int, error) {
	events, err := r.log.Load(ctx, r.stream)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", r.stream, err)
	}
	for _, ev := range events {
		if err := apply(ev); err != nil {
			return 0, fmt.Errorf("apply %s #%d %s: %w", r.stream, ev.Seq, ev.Type, err)
		}
		r.observe(ev)
	}
	return len(events), nil
}

func decode[T any](ev domain.Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	return v, nil
}

// Replayer rebuilds in-memory state from the event log.
type Replayer interface {
	Replay(ctx context.Context) error
}

// ReplayAll replays every aggregate in order, stopping at the first error.
func ReplayAll(ctx context.Context, rs ...Replayer) error {
	for _, r := range rs {
		if err := r.Replay(ctx); err != nil {
			return err
		}
	}
	return nil
}

// paginate applies ListOpts offset and limit to items.
func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
