package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// GovernanceService defines the governance operations the handler requires.
type GovernanceService interface {
	CreateProposal(ctx context.Context, caller domain.Principal, title, description string, typ domain.ProposalType, payload *domain.ExecutionPayload) (domain.Proposal, error)
	Vote(ctx context.Context, caller domain.Principal, id uint64, choice domain.VoteChoice) (domain.VoteRecord, error)
	Resolve(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error)
	Execute(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error)
	Cancel(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error)
	UpdateMinProposalPower(ctx context.Context, caller domain.Principal, power uint64) error
	UpdateQuorum(ctx context.Context, caller domain.Principal, bps uint64) error
	GetProposal(ctx context.Context, id uint64) (domain.Proposal, error)
	ListProposals(ctx context.Context, status domain.ProposalStatus, opts domain.ListOpts) []domain.Proposal
	GetVotes(ctx context.Context, id uint64) ([]domain.VoteRecord, error)
	GetVotingPower(ctx context.Context, identity domain.Principal) uint64
	GetGovernanceStats(ctx context.Context) domain.GovernanceStats
}

// GovernanceHandler serves the proposal and voting endpoints.
type GovernanceHandler struct {
	gov    GovernanceService
	logger *slog.Logger
}

// NewGovernanceHandler creates a GovernanceHandler.
func NewGovernanceHandler(gov GovernanceService, logger *slog.Logger) *GovernanceHandler {
	return &GovernanceHandler{gov: gov, logger: logger.With(slog.String("handler", "governance"))}
}

type proposalRequest struct {
	Title       string                   `json:"title"`
	Description string                   `json:"description"`
	Type        domain.ProposalType      `json:"type"`
	Payload     *domain.ExecutionPayload `json:"payload,omitempty"`
}

// CreateProposal opens a proposal.
// POST /v1/governance/proposals
func (h *GovernanceHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[proposalRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	prop, err := h.gov.CreateProposal(r.Context(), p, req.Title, req.Description, req.Type, req.Payload)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, prop)
}

type voteRequest struct {
	Choice domain.VoteChoice `json:"choice"`
}

// Vote casts the caller's ballot.
// POST /v1/governance/proposals/{id}/votes
func (h *GovernanceHandler) Vote(w http.ResponseWriter, r *http.Request) {
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
	req, err := decodeBody[voteRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	rec, err := h.gov.Vote(r.Context(), p, id, req.Choice)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Resolve settles a proposal whose voting window closed.
// POST /v1/governance/proposals/{id}/resolve
func (h *GovernanceHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.gov.Resolve)
}

// Execute applies a passed proposal.
// POST /v1/governance/proposals/{id}/execute
func (h *GovernanceHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.gov.Execute)
}

// Cancel withdraws an active proposal.
// POST /v1/governance/proposals/{id}/cancel
func (h *GovernanceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.gov.Cancel)
}

func (h *GovernanceHandler) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(context.Context, domain.Principal, uint64) (domain.Proposal, error),
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
	prop, err := op(r.Context(), p, id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

type valueRequest struct {
	Value uint64 `json:"value"`
}

// UpdateMinProposalPower sets the power needed to open a proposal.
// PUT /v1/governance/min-proposal-power
func (h *GovernanceHandler) UpdateMinProposalPower(w http.ResponseWriter, r *http.Request) {
	h.setting(w, r, h.gov.UpdateMinProposalPower)
}

// UpdateQuorum sets the participation quorum in basis points.
// PUT /v1/governance/quorum
func (h *GovernanceHandler) UpdateQuorum(w http.ResponseWriter, r *http.Request) {
	h.setting(w, r, h.gov.UpdateQuorum)
}

func (h *GovernanceHandler) setting(w http.ResponseWriter, r *http.Request,
	op func(context.Context, domain.Principal, uint64) error,
) {
	p, err := caller(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req, err := decodeBody[valueRequest](r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := op(r.Context(), p, req.Value); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.gov.GetGovernanceStats(r.Context()))
}

// ListProposals lists proposals, optionally by effective status.
// GET /v1/governance/proposals?status=active
func (h *GovernanceHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	status := domain.ProposalStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, list("proposals", h.gov.ListProposals(r.Context(), status, opts)))
}

// GetProposal returns one proposal.
// GET /v1/governance/proposals/{id}
func (h *GovernanceHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	prop, err := h.gov.GetProposal(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// ListVotes returns the ballots cast on a proposal.
// GET /v1/governance/proposals/{id}/votes
func (h *GovernanceHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	votes, err := h.gov.GetVotes(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list("votes", votes))
}

// VotingPower returns an identity's current voting power.
// GET /v1/governance/voting-power/{identity}
func (h *GovernanceHandler) VotingPower(w http.ResponseWriter, r *http.Request) {
	identity, err := pathPrincipal(r, "identity")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     identity,
		"voting_power": h.gov.GetVotingPower(r.Context(), identity),
	})
}

// Stats returns the governance aggregates.
// GET /v1/governance/stats
func (h *GovernanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gov.GetGovernanceStats(r.Context()))
}
