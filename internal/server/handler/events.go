package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// EventsHandler exposes the committed event log.
type EventsHandler struct {
	log    domain.EventLog
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(log domain.EventLog, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{log: log, logger: logger.With(slog.String("handler", "events"))}
}

// List returns committed events in sequence order.
// GET /v1/events?stream=vault&since=...&until=...&limit=...
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if s := r.URL.Query().Get("stream"); s != "" {
		if !slices.Contains(domain.Streams, s) {
			WriteError(w, r, h.logger, fmt.Errorf("stream %q: %w", s, domain.ErrInvalidParameter))
			return
		}
		opts.Stream = s
	}
	events, err := h.log.List(r.Context(), opts)
	if err != nil {
		WriteError(w, r, h.logger, fmt.Errorf("list events: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, list("events", events))
}
