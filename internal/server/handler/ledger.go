package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// LedgerService defines the token ledger operations the handler requires.
type LedgerService interface {
	Mint(ctx context.Context, caller, to domain.Principal, amount uint64) (domain.TokenHolder, error)
	Transfer(ctx context.Context, caller, to domain.Principal, amount uint64) (domain.TokenHolder, error)
	Delegate(ctx context.Context, caller, to domain.Principal) (domain.TokenHolder, error)
	GetHolder(ctx context.Context, identity domain.Principal) (domain.TokenHolder, error)
	ListHolders(ctx context.Context, opts domain.ListOpts) []domain.TokenHolder
	VotingPower(ctx context.Context, identity domain.Principal) uint64
}

// LedgerHandler serves the governance token ledger endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger.With(slog.String("handler", "ledger"))}
}

type tokenMoveRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Mint issues new tokens.
// POST /v1/ledger/mint
func (h *LedgerHandler) Mint(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledger.Mint)
}

// Transfer moves tokens from the caller.
// POST /v1/ledger/transfers
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledger.Transfer)
}

func (h *LedgerHandler) move(w http.ResponseWriter, r *http.Request,
	op func(context.Context, domain.Principal, domain.Principal, uint64) (domain.TokenHolder, error),
) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[tokenMoveRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	to, err := principalParam("to", req.To)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	holder, err := op(r.Context(), p, to, req.Amount)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, holder)
}

type delegateRequest struct {
	Delegate string `json:"delegate"`
}

// Delegate points the caller's voting power at another identity. An empty
// delegate undelegates.
// POST /v1/ledger/delegate
func (h *LedgerHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[delegateRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	var to domain.Principal
	if strings.TrimSpace(req.Delegate) != "" {
		if to, err = principalParam("delegate", req.Delegate); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
	}
	holder, err := h.ledger.Delegate(r.Context(), p, to)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, holder)
}

// ListHolders lists token holders.
// GET /v1/ledger/holders
func (h *LedgerHandler) ListHolders(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list("holders", h.ledger.ListHolders(r.Context(), opts)))
}

// GetHolder returns one holder with its voting power.
// GET /v1/ledger/holders/{identity}
func (h *LedgerHandler) GetHolder(w http.ResponseWriter, r *http.Request) {
	identity, err := pathPrincipal(r, "identity")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	holder, err := h.ledger.GetHolder(r.Context(), identity)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holder":       holder,
		"voting_power": h.ledger.VotingPower(r.Context(), identity),
	})
}
