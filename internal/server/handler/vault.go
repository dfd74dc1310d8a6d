package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// VaultService defines the vault operations the handler requires.
type VaultService interface {
	DepositBond(ctx context.Context, caller domain.Principal, amount uint64, ratio float64) (domain.Bond, error)
	WithdrawBond(ctx context.Context, caller domain.Principal, id uint64) (domain.Bond, error)
	LiquidateBond(ctx context.Context, caller domain.Principal, id uint64) (domain.Bond, error)
	UpdateBondRatio(ctx context.Context, caller domain.Principal, id uint64, ratio float64) (domain.Bond, error)
	UpdateMinCollateralRatio(ctx context.Context, caller domain.Principal, ratio float64) error
	GetBond(ctx context.Context, id uint64) (domain.Bond, error)
	GetFounderBonds(ctx context.Context, owner domain.Principal) []domain.Bond
	ListBonds(ctx context.Context, status domain.BondStatus, opts domain.ListOpts) []domain.Bond
	GetMinCollateralRatio(ctx context.Context) float64
	GetVaultStats(ctx context.Context) domain.VaultStats
}

// VaultHandler serves the bond vault endpoints.
type VaultHandler struct {
	vault  VaultService
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(vault VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{vault: vault, logger: logger.With(slog.String("handler", "vault"))}
}

type depositRequest struct {
	Amount          uint64  `json:"amount"`
	CollateralRatio float64 `json:"collateral_ratio"`
}

type ratioRequest struct {
	CollateralRatio float64 `json:"collateral_ratio"`
}

// Deposit records a new bond for the caller.
// POST /v1/vault/bonds
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[depositRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	bond, err := h.vault.DepositBond(r.Context(), p, req.Amount, req.CollateralRatio)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, bond)
}

// Withdraw returns a bond to its owner.
// POST /v1/vault/bonds/{id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.vault.WithdrawBond)
}

// Liquidate force-closes a bond.
// POST /v1/vault/bonds/{id}/liquidate
func (h *VaultHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.vault.LiquidateBond)
}

func (h *VaultHandler) transition(w http.ResponseWriter, r *http.Request,
	op func(context.Context, domain.Principal, uint64) (domain.Bond, error),
) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	bond, err := op(r.Context(), p, id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bond)
}

// UpdateRatio re-marks a bond's collateral ratio.
// PUT /v1/vault/bonds/{id}/ratio
func (h *VaultHandler) UpdateRatio(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[ratioRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	bond, err := h.vault.UpdateBondRatio(r.Context(), p, id, req.CollateralRatio)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bond)
}

// UpdateMinRatio sets the vault's deposit floor.
// PUT /v1/vault/min-ratio
func (h *VaultHandler) UpdateMinRatio(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[ratioRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := h.vault.UpdateMinCollateralRatio(r.Context(), p, req.CollateralRatio); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"min_collateral_ratio": h.vault.GetMinCollateralRatio(r.Context())})
}

// ListBonds lists bonds, optionally filtered by status or owner.
// GET /v1/vault/bonds?status=active&owner=0x...
func (h *VaultHandler) ListBonds(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("owner"); raw != "" {
		owner, err := principalParam("owner", raw)
		if err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, list("bonds", h.vault.GetFounderBonds(r.Context(), owner)))
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	status := domain.BondStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, list("bonds", h.vault.ListBonds(r.Context(), status, opts)))
}

// GetBond returns one bond.
// GET /v1/vault/bonds/{id}
func (h *VaultHandler) GetBond(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	bond, err := h.vault.GetBond(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bond)
}

// Stats returns the vault aggregates.
// GET /v1/vault/stats
func (h *VaultHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.vault.GetVaultStats(r.Context()))
}
