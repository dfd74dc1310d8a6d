package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// AllStreams subscribes a client to every stream.
	AllStreams = "*"

	// BusPattern matches every per-stream channel published by the Redis
	// bus sink.
	BusPattern = "treasury:*"

	defaultBackfillLimit = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var _ domain.EventSink = (*Hub)(nil)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is sent by clients to change their stream selection, e.g.
// {"action":"subscribe","streams":["vault","fallback"]}.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

type broadcastMsg struct {
	stream string
	data   []byte
}

// Hub fans committed events out to websocket clients. Events arrive either
// from a SignalBus subscription (multi-instance deployments) or directly
// through Handle when the hub is registered as a dispatcher sink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time

	backfillStream string
	backfillLimit  int
}

// Config captures metadata sent to clients on connect. BackfillStream names
// the durable bus stream replayed to clients that connect with ?since=; empty
// disables backfill.
type Config struct {
	Mode           string
	StartedAt      time.Time
	BackfillStream string
	BackfillLimit  int
}

// NewHub creates a hub. bus may be nil, in which case events only arrive
// through Handle.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.BackfillLimit <= 0 || cfg.BackfillLimit >= sendBufferSize {
		cfg.BackfillLimit = defaultBackfillLimit
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       cfg.Mode,
		startedAt:  cfg.StartedAt,

		backfillStream: cfg.BackfillStream,
		backfillLimit:  cfg.BackfillLimit,
	}
}

// Name identifies the hub when registered as a sink.
func (h *Hub) Name() string { return "ws_hub" }

// Handle queues ev for broadcast. A full queue drops the event.
func (h *Hub) Handle(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.enqueue(broadcastMsg{stream: ev.Stream, data: data})
	return nil
}

func (h *Hub) enqueue(msg broadcastMsg) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("broadcast queue full, dropping event", slog.String("stream", msg.stream))
	}
}

// Run drives the hub until ctx is cancelled. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		if err := h.subscribe(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.stream) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards bus messages into the broadcast queue.
func (h *Hub) subscribe(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, BusPattern)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscribed to bus", slog.String("pattern", BusPattern))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-msgs:
				if !ok {
					h.logger.Warn("bus subscription closed")
					return
				}
				var head struct {
					Stream string `json:"stream"`
				}
				if err := json.Unmarshal(data, &head); err != nil {
					h.logger.Warn("ignoring malformed bus message", slog.String("error", err.Error()))
					continue
				}
				h.enqueue(broadcastMsg{stream: head.Stream, data: data})
			}
		}
	}()
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. The optional
// "streams" query parameter (comma separated) sets the initial selection;
// the default is every stream. "since" takes a bus stream ID ("0" for the
// oldest retained entry) and replays what followed it before live events.
// GET /v1/ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	streams := parseStreams(r.URL.Query().Get("streams"))
	for _, s := range streams {
		c.subs[s] = true
	}

	c.sendHello(streams)
	if since := r.URL.Query().Get("since"); since != "" {
		c.backfill(r.Context(), since)
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func parseStreams(raw string) []string {
	if raw == "" {
		return []string{AllStreams}
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == AllStreams || slices.Contains(domain.Streams, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{AllStreams}
	}
	return out
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range msg.Streams {
		switch msg.Action {
		case "subscribe":
			c.subs[s] = true
		case "unsubscribe":
			delete(c.subs, s)
		}
	}
}

func (c *client) sendHello(streams []string) {
	uptime := max(int64(time.Since(c.hub.startedAt).Seconds()), 0)
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"streams":        streams,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// backfill queues retained bus entries after since. Events committed between
// the read and registration may arrive twice; clients dedupe on seq.
func (c *client) backfill(ctx context.Context, since string) {
	h := c.hub
	if h.bus == nil || h.backfillStream == "" {
		return
	}
	msgs, err := h.bus.StreamRead(ctx, h.backfillStream, since, h.backfillLimit)
	if err != nil {
		h.logger.WarnContext(ctx, "backfill read failed", slog.String("since", since), slog.String("error", err.Error()))
		return
	}
	var sent int
	for _, m := range msgs {
		var head struct {
			Stream string `json:"stream"`
		}
		if json.Unmarshal(m.Payload, &head) != nil || !c.isSubscribed(head.Stream) {
			continue
		}
		select {
		case c.send <- m.Payload:
			sent++
		default:
		}
	}
	h.logger.DebugContext(ctx, "backfill sent", slog.String("since", since), slog.Int("events", sent))
}

func (c *client) isSubscribed(stream string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[AllStreams] || c.subs[stream]
}

// writePump sends queued events as text frames plus periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
