package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

const defaultDispatchBuffer = 1024

// Dispatcher fans committed events out to sinks on its own goroutine so a
// slow sink never holds a service lock. Sink failures are logged only.
type Dispatcher struct {
	mu     sync.RWMutex
	sinks  []domain.EventSink
	queue  chan domain.Event
	onFail func(sink string)
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given queue size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...domain.EventSink) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan domain.Event, buffer),
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// AddSink registers another sink.
func (d *Dispatcher) AddSink(s domain.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// OnSinkFailure sets a hook called with the sink name on each failed
// delivery. Set it before Run.
func (d *Dispatcher) OnSinkFailure(fn func(sink string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFail = fn
}

// Publish enqueues ev. When the queue is full the event is dropped; the event
// log stays the source of truth.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.Event) {
	select {
	case d.queue <- ev:
	default:
		d.logger.WarnContext(ctx, "dispatch queue full, dropping event",
			slog.String("stream", ev.Stream),
			slog.String("type", ev.Type),
			slog.Uint64("seq", ev.Seq),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.Event) {
	d.mu.RLock()
	sinks, onFail := d.sinks, d.onFail
	d.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Handle(ctx, ev); err != nil {
			d.logger.ErrorContext(ctx, "event sink failed",
				slog.String("sink", s.Name()),
				slog.String("stream", ev.Stream),
				slog.String("type", ev.Type),
				slog.String("error", err.Error()),
			)
			if onFail != nil {
				onFail(s.Name())
			}
		}
	}
}
