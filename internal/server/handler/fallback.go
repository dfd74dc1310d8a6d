package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// FallbackService defines the emergency subsystem operations the handler
// requires.
type FallbackService interface {
	Check(ctx context.Context) (domain.SystemStatus, error)
	PauseSystem(ctx context.Context, caller domain.Principal, reason string) (domain.EmergencyAction, error)
	ResumeSystem(ctx context.Context, caller domain.Principal) (domain.EmergencyAction, error)
	UpdateConversionRate(ctx context.Context, caller domain.Principal, rate float64) error
	UpdateEmergencyThreshold(ctx context.Context, caller domain.Principal, threshold float64) error
	GetStats(ctx context.Context) domain.FallbackStats
	ListConversions(ctx context.Context, opts domain.ListOpts) []domain.Conversion
	ListEmergencyActions(ctx context.Context, opts domain.ListOpts) []domain.EmergencyAction
}

// FallbackHandler serves the health monitor and pause controls.
type FallbackHandler struct {
	fallback FallbackService
	logger   *slog.Logger
}

// NewFallbackHandler creates a FallbackHandler.
func NewFallbackHandler(fallback FallbackService, logger *slog.Logger) *FallbackHandler {
	return &FallbackHandler{fallback: fallback, logger: logger.With(slog.String("handler", "fallback"))}
}

// Check runs one health evaluation immediately.
// POST /v1/fallback/check
func (h *FallbackHandler) Check(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	status, err := h.fallback.Check(r.Context())
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"system_status": status})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// Pause halts every mutating operation.
// POST /v1/fallback/pause
func (h *FallbackHandler) Pause(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[pauseRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	action, err := h.fallback.PauseSystem(r.Context(), p, req.Reason)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// Resume lifts a pause.
// POST /v1/fallback/resume
func (h *FallbackHandler) Resume(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	action, err := h.fallback.ResumeSystem(r.Context(), p)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type rateRequest struct {
	Rate float64 `json:"rate"`
}

// UpdateConversionRate sets the emergency conversion rate.
// PUT /v1/fallback/conversion-rate
func (h *FallbackHandler) UpdateConversionRate(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[rateRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.fallback.UpdateConversionRate(r.Context(), p, req.Rate); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.fallback.GetStats(r.Context()))
}

type thresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// UpdateEmergencyThreshold sets the ratio that triggers emergency status.
// PUT /v1/fallback/emergency-threshold
func (h *FallbackHandler) UpdateEmergencyThreshold(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[thresholdRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.fallback.UpdateEmergencyThreshold(r.Context(), p, req.Threshold); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.fallback.GetStats(r.Context()))
}

// Stats returns the fallback aggregates.
// GET /v1/fallback/stats
func (h *FallbackHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.fallback.GetStats(r.Context()))
}

// ListConversions lists emergency conversions.
// GET /v1/fallback/conversions
func (h *FallbackHandler) ListConversions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list("conversions", h.fallback.ListConversions(r.Context(), opts)))
}

// ListActions lists the emergency audit log.
// GET /v1/fallback/actions
func (h *FallbackHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list("actions", h.fallback.ListEmergencyActions(r.Context(), opts)))
}
