package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

type fakeBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
	err       error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusSink_Handle(t *testing.T) {
	bus := newFakeBus()
	sink := NewBusSink(bus)
	ev := domain.Event{Seq: 7, Stream: domain.StreamVault, Type: "bond_deposited", Payload: json.RawMessage(`{"id":1}`)}

	require.NoError(t, sink.Handle(context.Background(), ev))

	require.Len(t, bus.streamed[EventsStream], 1)
	require.Len(t, bus.published["treasury:vault"], 1)

	var got domain.Event
	require.NoError(t, json.Unmarshal(bus.published["treasury:vault"][0], &got))
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "bond_deposited", got.Type)
}

func TestBusSink_StreamFailureSkipsPublish(t *testing.T) {
	bus := newFakeBus()
	bus.err = errors.New("down")
	sink := NewBusSink(bus)

	err := sink.Handle(context.Background(), domain.Event{Stream: domain.StreamLedger})
	require.Error(t, err)
	assert.Empty(t, bus.published)
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("treasury:*"))
	assert.False(t, hasPattern(ChannelFor(domain.StreamFallback)))
}
