package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// EventsStream is the durable stream every committed event is appended to.
const EventsStream = "treasury:events"

// ChannelFor returns the Pub/Sub channel events of stream are published on.
func ChannelFor(stream string) string {
	return "treasury:" + stream
}

var _ domain.EventSink = (*BusSink)(nil)

// BusSink forwards committed events to a SignalBus.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a sink publishing to bus.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// Name identifies the sink in logs.
func (s *BusSink) Name() string { return "redis_bus" }

// Handle appends ev to EventsStream and publishes it on its stream channel.
func (s *BusSink) Handle(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event %d: %w", ev.Seq, err)
	}
	if err := s.bus.StreamAppend(ctx, EventsStream, data); err != nil {
		return err
	}
	return s.bus.Publish(ctx, ChannelFor(ev.Stream), data)
}
