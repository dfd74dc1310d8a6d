package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// SplitterService defines the revenue splitter operations the handler requires.
type SplitterService interface {
	AddRecipient(ctx context.Context, caller, identity domain.Principal, pct float64, role domain.RecipientRole) (domain.Recipient, error)
	UpdateRecipient(ctx context.Context, caller, identity domain.Principal, pct float64, role domain.RecipientRole) (domain.Recipient, error)
	RemoveRecipient(ctx context.Context, caller, identity domain.Principal) error
	DistributeRevenue(ctx context.Context, caller domain.Principal, amount uint64) (domain.Distribution, error)
	Claim(ctx context.Context, caller domain.Principal) (uint64, error)
	UpdatePriorityShare(ctx context.Context, caller domain.Principal, bps uint64) error
	GetRecipients(ctx context.Context) []domain.Recipient
	GetDistribution(ctx context.Context, id uint64) (domain.Distribution, error)
	ListDistributions(ctx context.Context, opts domain.ListOpts) []domain.Distribution
	PendingClaim(ctx context.Context, identity domain.Principal) uint64
	PriorityShareBps(ctx context.Context) uint64
	GetStats(ctx context.Context) domain.SplitterStats
}

// SplitterHandler serves the revenue splitter endpoints.
type SplitterHandler struct {
	splitter SplitterService
	logger   *slog.Logger
}

// NewSplitterHandler creates a SplitterHandler.
func NewSplitterHandler(splitter SplitterService, logger *slog.Logger) *SplitterHandler {
	return &SplitterHandler{splitter: splitter, logger: logger.With(slog.String("handler", "splitter"))}
}

type recipientRequest struct {
	Identity   string               `json:"identity"`
	Percentage float64              `json:"percentage"`
	Role       domain.RecipientRole `json:"role"`
}

// AddRecipient registers a revenue recipient.
// POST /v1/splitter/recipients
func (h *SplitterHandler) AddRecipient(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[recipientRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	identity, err := principalParam("identity", req.Identity)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	rec, err := h.splitter.AddRecipient(r.Context(), p, identity, req.Percentage, req.Role)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecipient changes a recipient's share or role.
// PUT /v1/splitter/recipients/{identity}
func (h *SplitterHandler) UpdateRecipient(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	identity, err := pathPrincipal(r, "identity")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[recipientRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	rec, err := h.splitter.UpdateRecipient(r.Context(), p, identity, req.Percentage, req.Role)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RemoveRecipient drops a recipient from the registry.
// DELETE /v1/splitter/recipients/{identity}
func (h *SplitterHandler) RemoveRecipient(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	identity, err := pathPrincipal(r, "identity")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.splitter.RemoveRecipient(r.Context(), p, identity); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRecipients returns the registry in registration order.
// GET /v1/splitter/recipients
func (h *SplitterHandler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list("recipients", h.splitter.GetRecipients(r.Context())))
}

type distributeRequest struct {
	Amount uint64 `json:"amount"`
}

// Distribute splits revenue across the registry. A failed allocation is
// answered with 422 and the recorded distribution.
// POST /v1/splitter/distributions
func (h *SplitterHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[distributeRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	dist, err := h.splitter.DistributeRevenue(r.Context(), p, req.Amount)
	if errors.Is(err, domain.ErrAllocationMismatch) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":        err.Error(),
			"code":         domain.ErrorCode(err),
			"distribution": dist,
		})
		return
	}
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dist)
}

// ListDistributions returns the distribution history.
// GET /v1/splitter/distributions
func (h *SplitterHandler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list("distributions", h.splitter.ListDistributions(r.Context(), opts)))
}

// GetDistribution returns one distribution.
// GET /v1/splitter/distributions/{id}
func (h *SplitterHandler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	dist, err := h.splitter.GetDistribution(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// Claim pays out the caller's accrued balance.
// POST /v1/splitter/claims
func (h *SplitterHandler) Claim(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	amount, err := h.splitter.Claim(r.Context(), p)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": p, "amount": amount})
}

// PendingClaim returns an identity's unclaimed balance.
// GET /v1/splitter/claims/{identity}
func (h *SplitterHandler) PendingClaim(w http.ResponseWriter, r *http.Request) {
	identity, err := pathPrincipal(r, "identity")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"amount":   h.splitter.PendingClaim(r.Context(), identity),
	})
}

type priorityShareRequest struct {
	Bps uint64 `json:"bps"`
}

// UpdatePriorityShare sets the developer tranche in basis points.
// PUT /v1/splitter/priority-share
func (h *SplitterHandler) UpdatePriorityShare(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[priorityShareRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.splitter.UpdatePriorityShare(r.Context(), p, req.Bps); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"bps": h.splitter.PriorityShareBps(r.Context())})
}

// Stats returns the splitter aggregates.
// GET /v1/splitter/stats
func (h *SplitterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.splitter.GetStats(r.Context()))
}
