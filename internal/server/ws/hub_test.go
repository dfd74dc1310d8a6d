package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, bus domain.SignalBus) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_HelloThenEvents(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, srv, "")

	hello := readJSON(t, conn)
	assert.Equal(t, "hello", hello["type"])

	require.NoError(t, hub.Handle(context.Background(), domain.Event{
		Seq: 7, Stream: domain.StreamVault, Type: "bond_created", Payload: json.RawMessage(`{}`),
	}))
	ev := readJSON(t, conn)
	assert.Equal(t, float64(7), ev["seq"])
	assert.Equal(t, "vault", ev["stream"])
}

func TestHub_StreamFilter(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, srv, "?streams=fallback")
	readJSON(t, conn)

	ctx := context.Background()
	require.NoError(t, hub.Handle(ctx, domain.Event{Seq: 1, Stream: domain.StreamVault, Type: "bond_created", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, hub.Handle(ctx, domain.Event{Seq: 2, Stream: domain.StreamFallback, Type: "paused", Payload: json.RawMessage(`{}`)}))

	ev := readJSON(t, conn)
	assert.Equal(t, float64(2), ev["seq"])
}

type chanBus struct {
	domain.SignalBus
	ch       chan []byte
	retained []domain.StreamMessage

	mu    sync.Mutex
	reads []string
}

func (b *chanBus) readLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reads...)
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *chanBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	b.reads = append(b.reads, stream+"@"+lastID)
	b.mu.Unlock()
	if len(b.retained) > count {
		return b.retained[:count], nil
	}
	return b.retained, nil
}

func TestHub_ForwardsBusMessages(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	_, srv := newTestHub(t, bus)
	conn := dial(t, srv, "")
	readJSON(t, conn)

	bus.ch <- []byte(`{"seq":3,"stream":"ledger","type":"minted","payload":{}}`)
	ev := readJSON(t, conn)
	assert.Equal(t, "ledger", ev["stream"])
}

func TestHub_BackfillSince(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1), retained: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"seq":1,"stream":"vault","type":"bond_deposited","payload":{}}`)},
		{ID: "2-0", Payload: []byte(`{"seq":2,"stream":"ledger","type":"minted","payload":{}}`)},
		{ID: "3-0", Payload: []byte(`{"seq":3,"stream":"vault","type":"bond_withdrawn","payload":{}}`)},
	}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "test", BackfillStream: "treasury:events"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	conn := dial(t, srv, "?streams=vault&since=0")
	assert.Equal(t, "hello", readJSON(t, conn)["type"])
	assert.Equal(t, float64(1), readJSON(t, conn)["seq"])
	assert.Equal(t, float64(3), readJSON(t, conn)["seq"], "other streams are filtered")

	bus.ch <- []byte(`{"seq":4,"stream":"vault","type":"bond_deposited","payload":{}}`)
	assert.Equal(t, float64(4), readJSON(t, conn)["seq"])
	assert.Equal(t, []string{"treasury:events@0"}, bus.readLog())
}

func TestHub_NoBackfillWithoutSince(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1), retained: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"seq":1,"stream":"vault","type":"bond_deposited","payload":{}}`)},
	}}
	_, srv := newTestHub(t, bus)
	conn := dial(t, srv, "?since=0")
	readJSON(t, conn)

	bus.ch <- []byte(`{"seq":9,"stream":"vault","type":"bond_deposited","payload":{}}`)
	assert.Equal(t, float64(9), readJSON(t, conn)["seq"], "no backfill stream configured")
	assert.Empty(t, bus.readLog())
}

func TestParseStreams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty means all", "", []string{AllStreams}},
		{"known streams", "vault, splitter", []string{"vault", "splitter"}},
		{"unknown dropped", "vault,nope", []string{"vault"}},
		{"only unknown", "nope", []string{AllStreams}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseStreams(tt.raw))
		})
	}
}
