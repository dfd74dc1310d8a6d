package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Governance event types.
const (
	evProposalCreated   = "proposal_created"
	evVoteCast          = "vote_cast"
	evProposalResolved  = "proposal_resolved"
	evProposalExecuted  = "proposal_executed"
	evProposalCancelled = "proposal_cancelled"
	evMinPowerUpdated   = "min_proposal_power_updated"
	evQuorumUpdated     = "quorum_updated"
)

const (
	defaultVotingWindow = 24 * time.Hour
	defaultQuorumBps    = 1000
)

type proposalStatusChanged struct {
	ID     uint64                `json:"id"`
	Status domain.ProposalStatus `json:"status"`
	By     domain.Principal      `json:"by,omitempty"`
}

type governanceParam struct {
	Value uint64           `json:"value"`
	By    domain.Principal `json:"by"`
}

// ParameterExecutor applies a passed proposal's payload.
type ParameterExecutor interface {
	ExecuteParameter(ctx context.Context, payload domain.ExecutionPayload) error
}

// GovernanceConfig holds the governance tunables.
type GovernanceConfig struct {
	MinProposalPower uint64
	VotingWindow     time.Duration
	QuorumBps        uint64
}

// GovernanceService runs proposal voting against the token ledger.
type GovernanceService struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	rec      *recorder
	authz    Authorizer
	ledger   VotingPowerReader
	executor ParameterExecutor
	window   time.Duration
	logger   *slog.Logger

	proposals map[uint64]*domain.Proposal
	order     []uint64
	votes     map[uint64][]domain.VoteRecord
	voted     map[uint64]map[domain.Principal]struct{}
	counted   map[uint64]map[domain.Principal]struct{}
	minPower  uint64
	quorumBps uint64
}

// NewGovernanceService creates a GovernanceService. The executor may be set
// later with SetExecutor.
func NewGovernanceService(
	log domain.EventLog,
	pub Publisher,
	authz Authorizer,
	ledger VotingPowerReader,
	cfg GovernanceConfig,
	clock domain.Clock,
	logger *slog.Logger,
) *GovernanceService {
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = defaultVotingWindow
	}
	if cfg.QuorumBps == 0 {
		cfg.QuorumBps = defaultQuorumBps
	}
	return &GovernanceService{
		rec:       newRecorder(domain.StreamGovernance, log, pub, clock),
		authz:     authz,
		ledger:    ledger,
		window:    cfg.VotingWindow,
		logger:    logger.With(slog.String("component", "governance")),
		proposals: make(map[uint64]*domain.Proposal),
		votes:     make(map[uint64][]domain.VoteRecord),
		voted:     make(map[uint64]map[domain.Principal]struct{}),
		counted:   make(map[uint64]map[domain.Principal]struct{}),
		minPower:  cfg.MinProposalPower,
		quorumBps: cfg.QuorumBps,
	}
}

// SetExecutor installs the payload executor.
func (s *GovernanceService) SetExecutor(e ParameterExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = e
}

// Replay rebuilds proposals and votes from the governance stream.
func (s *GovernanceService) Replay(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rec.replay(ctx, s.apply)
	if err != nil {
		return fmt.Errorf("governance: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "governance replayed", slog.Int("events", n), slog.Int("proposals", len(s.order)))
	return nil
}

// CreateProposal opens a proposal for voting. The proposer needs at least
// MinProposalPower and the payload must match the proposal type.
func (s *GovernanceService) CreateProposal(
	ctx context.Context,
	caller domain.Principal,
	title, description string,
	typ domain.ProposalType,
	payload *domain.ExecutionPayload,
) (domain.Proposal, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: create proposal: %w", err)
	}
	if title == "" {
		return domain.Proposal{}, fmt.Errorf("governance: create proposal: title: %w", domain.ErrInvalidParameter)
	}
	payload, err := normalizePayload(typ, payload)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: create proposal: %w", err)
	}

	s.mu.Lock()
	power := s.ledger.VotingPower(ctx, caller)
	if minPower := s.params().minPower; power < minPower {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "proposer below threshold",
			slog.String("proposer", string(caller)),
			slog.Uint64("power", power),
			slog.Uint64("min", minPower),
		)
		return domain.Proposal{}, fmt.Errorf("governance: create proposal: power %d below %d: %w", power, minPower, domain.ErrInsufficientVotingPower)
	}
	now := s.rec.now()
	p := domain.Proposal{
		ID:               uint64(len(s.order)) + 1,
		Proposer:         caller,
		Title:            title,
		Description:      description,
		Type:             typ,
		CreatedAt:        now,
		VotingDeadline:   now + domain.Timestamp(s.window),
		Status:           domain.ProposalActive,
		TotalVotingPower: s.ledger.TotalVotingPower(ctx),
		Payload:          payload,
	}
	ev, err := s.rec.record(ctx, evProposalCreated, now, p)
	if err == nil {
		err = s.apply(ev)
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.ErrorContext(ctx, "governance append failed", slog.String("type", evProposalCreated), slog.String("error", err.Error()))
		return domain.Proposal{}, fmt.Errorf("governance: create proposal: %w", err)
	}

	s.logger.InfoContext(ctx, "proposal created",
		slog.Uint64("id", p.ID),
		slog.String("proposer", string(caller)),
		slog.String("type", string(typ)),
		slog.Uint64("snapshot", p.TotalVotingPower),
	)
	s.rec.publish(ctx, ev)
	return p, nil
}

// Vote casts caller's current voting power on an Active proposal.
func (s *GovernanceService) Vote(ctx context.Context, caller domain.Principal, id uint64, choice domain.VoteChoice) (domain.VoteRecord, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, err)
	}
	if !choice.Valid() {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: choice %q: %w", id, choice, domain.ErrInvalidParameter)
	}

	s.mu.Lock()
	var evs []domain.Event
	defer func() {
		s.mu.Unlock()
		s.rec.publish(ctx, evs...)
	}()

	p, err := s.proposal(id)
	if err != nil {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, err)
	}
	now := s.rec.now()
	ev, err := s.resolveIfExpired(ctx, p, now)
	if err != nil {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, err)
	}
	if ev != nil {
		evs = append(evs, *ev)
	}
	if p.Status != domain.ProposalActive {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, domain.ErrProposalNotActive)
	}
	if s.hasVoted(id, caller) {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, domain.ErrAlreadyVoted)
	}
	power, counted := s.uncountedPower(ctx, *p, caller)
	if power == 0 {
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, domain.ErrInsufficientVotingPower)
	}

	vote := domain.VoteRecord{Voter: caller, ProposalID: id, Choice: choice, Power: power, Timestamp: now, Counted: counted}
	vev, err := s.rec.record(ctx, evVoteCast, now, vote)
	if err == nil {
		err = s.apply(vev)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "governance append failed", slog.String("type", evVoteCast), slog.String("error", err.Error()))
		return domain.VoteRecord{}, fmt.Errorf("governance: vote on %d: %w", id, err)
	}
	evs = append(evs, vev)

	s.logger.InfoContext(ctx, "vote cast",
		slog.Uint64("proposal", id),
		slog.String("voter", string(caller)),
		slog.String("choice", string(choice)),
		slog.Uint64("power", power),
	)
	return vote, nil
}

// Resolve settles an expired Active proposal. Already-resolved proposals are
// returned unchanged; proposals still open for voting are rejected.
func (s *GovernanceService) Resolve(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: resolve %d: %w", id, err)
	}

	s.mu.Lock()
	p, err := s.proposal(id)
	if err != nil {
		s.mu.Unlock()
		return domain.Proposal{}, fmt.Errorf("governance: resolve %d: %w", id, err)
	}
	now := s.rec.now()
	if p.Status == domain.ProposalActive && now < p.VotingDeadline {
		s.mu.Unlock()
		return domain.Proposal{}, fmt.Errorf("governance: resolve %d: voting still open: %w", id, domain.ErrInvalidParameter)
	}
	ev, err := s.resolveIfExpired(ctx, p, now)
	out := s.proposalCopy(id)
	s.mu.Unlock()
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: resolve %d: %w", id, err)
	}
	if ev != nil {
		s.rec.publish(ctx, *ev)
	}
	return out, nil
}

// ResolveExpired settles every Active proposal whose deadline has passed and
// returns how many were settled.
func (s *GovernanceService) ResolveExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	var evs []domain.Event
	defer func() {
		s.mu.Unlock()
		s.rec.publish(ctx, evs...)
	}()

	now := s.rec.now()
	for _, id := range s.order {
		ev, err := s.resolveIfExpired(ctx, s.proposals[id], now)
		if err != nil {
			return len(evs), fmt.Errorf("governance: resolve expired: %w", err)
		}
		if ev != nil {
			evs = append(evs, *ev)
		}
	}
	return len(evs), nil
}

// Execute applies a Passed proposal's payload exactly once. Any identified
// caller may execute.
func (s *GovernanceService) Execute(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
	}

	s.mu.Lock()
	var evs []domain.Event
	defer func() {
		s.mu.Unlock()
		s.rec.publish(ctx, evs...)
	}()

	p, err := s.proposal(id)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
	}
	ev, err := s.resolveIfExpired(ctx, p, s.rec.now())
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
	}
	if ev != nil {
		evs = append(evs, *ev)
	}
	switch p.Status {
	case domain.ProposalExecuted:
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, domain.ErrAlreadyExecuted)
	case domain.ProposalPassed:
	default:
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: status %s: %w", id, p.Status, domain.ErrProposalNotActive)
	}
	if err := domain.ValidateTransition(domain.ProposalTransitions, p.Status, domain.ProposalExecuted); err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
	}

	if p.Payload != nil && p.Payload.Parameter != "" {
		pev, err := s.executePayload(ctx, *p.Payload)
		if err != nil {
			s.logger.WarnContext(ctx, "proposal payload rejected",
				slog.Uint64("id", id),
				slog.String("parameter", p.Payload.Parameter),
				slog.String("error", err.Error()),
			)
			return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
		}
		if pev != nil {
			evs = append(evs, *pev)
		}
	}

	xev, err := s.commit(ctx, evProposalExecuted, proposalStatusChanged{ID: id, Status: domain.ProposalExecuted, By: caller})
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: execute %d: %w", id, err)
	}
	evs = append(evs, xev)

	s.logger.InfoContext(ctx, "proposal executed", slog.Uint64("id", id), slog.String("by", string(caller)))
	return s.proposalCopy(id), nil
}

// Cancel withdraws an Active proposal before its deadline. Only the proposer
// may cancel.
func (s *GovernanceService) Cancel(ctx context.Context, caller domain.Principal, id uint64) (domain.Proposal, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, err)
	}

	s.mu.Lock()
	var evs []domain.Event
	defer func() {
		s.mu.Unlock()
		s.rec.publish(ctx, evs...)
	}()

	p, err := s.proposal(id)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, err)
	}
	if p.Proposer != caller {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, domain.ErrNotOwner)
	}
	ev, err := s.resolveIfExpired(ctx, p, s.rec.now())
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, err)
	}
	if ev != nil {
		evs = append(evs, *ev)
	}
	if p.Status != domain.ProposalActive {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, domain.ErrProposalNotActive)
	}
	cev, err := s.commit(ctx, evProposalCancelled, proposalStatusChanged{ID: id, Status: domain.ProposalCancelled, By: caller})
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance: cancel %d: %w", id, err)
	}
	evs = append(evs, cev)

	s.logger.InfoContext(ctx, "proposal cancelled", slog.Uint64("id", id))
	return s.proposalCopy(id), nil
}

// UpdateMinProposalPower sets the voting power needed to open a proposal.
func (s *GovernanceService) UpdateMinProposalPower(ctx context.Context, caller domain.Principal, power uint64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("governance: update min proposal power: %w", err)
	}
	s.mu.Lock()
	ev, err := s.setParam(ctx, domain.ParamMinProposalPower, power, caller)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("governance: update min proposal power: %w", err)
	}
	s.rec.publish(ctx, ev)
	return nil
}

// UpdateQuorum sets the participation quorum in basis points of the
// snapshot supply.
func (s *GovernanceService) UpdateQuorum(ctx context.Context, caller domain.Principal, bps uint64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("governance: update quorum: %w", err)
	}
	s.mu.Lock()
	ev, err := s.setParam(ctx, domain.ParamQuorumBps, bps, caller)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("governance: update quorum: %w", err)
	}
	s.rec.publish(ctx, ev)
	return nil
}

// executePayload applies a passed proposal's parameter. Governance
// parameters are recorded here; the rest go through the executor. Callers
// hold s.mu.
func (s *GovernanceService) executePayload(ctx context.Context, payload domain.ExecutionPayload) (*domain.Event, error) {
	switch payload.Parameter {
	case domain.ParamMinProposalPower, domain.ParamQuorumBps:
		n, err := wholeNumber(payload.Value)
		if err != nil {
			return nil, err
		}
		ev, err := s.setParam(ctx, payload.Parameter, n, domain.GovernanceExecutor)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}
	if s.executor == nil {
		return nil, fmt.Errorf("no executor for %s: %w", payload.Parameter, domain.ErrInvalidParameter)
	}
	return nil, s.executor.ExecuteParameter(ctx, payload)
}

// setParam validates and records a governance parameter. Callers hold s.mu.
func (s *GovernanceService) setParam(ctx context.Context, name string, value uint64, by domain.Principal) (domain.Event, error) {
	typ := evMinPowerUpdated
	if name == domain.ParamQuorumBps {
		if value == 0 || value > bpsScale {
			return domain.Event{}, fmt.Errorf("quorum %d bps: %w", value, domain.ErrInvalidParameter)
		}
		typ = evQuorumUpdated
	}
	ev, err := s.commit(ctx, typ, governanceParam{Value: value, By: by})
	if err != nil {
		return domain.Event{}, err
	}
	s.logger.InfoContext(ctx, "governance parameter updated",
		slog.String("parameter", name),
		slog.Uint64("value", value),
		slog.String("by", string(by)),
	)
	return ev, nil
}

// GetProposal returns a proposal with its effective status.
func (s *GovernanceService) GetProposal(_ context.Context, id uint64) (domain.Proposal, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("governance: proposal %d: %w", id, domain.ErrNotFound)
	}
	return s.effective(*p, s.readNow()), nil
}

// ListProposals returns proposals in creation order with their effective
// status, optionally filtered by status.
func (s *GovernanceService) ListProposals(_ context.Context, status domain.ProposalStatus, opts domain.ListOpts) []domain.Proposal {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	now := s.readNow()
	out := make([]domain.Proposal, 0, len(s.order))
	for _, id := range s.order {
		p := s.effective(*s.proposals[id], now)
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	return paginate(out, opts)
}

// GetVotes returns the ballots cast on a proposal in cast order.
func (s *GovernanceService) GetVotes(_ context.Context, id uint64) ([]domain.VoteRecord, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if _, ok := s.proposals[id]; !ok {
		return nil, fmt.Errorf("governance: votes for %d: %w", id, domain.ErrNotFound)
	}
	out := make([]domain.VoteRecord, len(s.votes[id]))
	copy(out, s.votes[id])
	return out, nil
}

// GetVotingPower reads identity's current power from the ledger.
func (s *GovernanceService) GetVotingPower(ctx context.Context, identity domain.Principal) uint64 {
	return s.ledger.VotingPower(ctx, identity)
}

// GetGovernanceStats aggregates proposal activity. ParticipationRate is the
// mean of cast/snapshot over proposals with a non-zero snapshot.
func (s *GovernanceService) GetGovernanceStats(ctx context.Context) domain.GovernanceStats {
	supply := s.ledger.TotalVotingPower(ctx)
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	stats := domain.GovernanceStats{
		TotalProposals:   uint64(len(s.order)),
		TotalTokenSupply: supply,
		TotalVotingPower: supply,
		MinProposalPower: s.minPower,
		QuorumBps:        s.quorumBps,
	}
	now := s.readNow()
	var rateSum float64
	var counted int
	for _, id := range s.order {
		p := s.effective(*s.proposals[id], now)
		if p.Status == domain.ProposalActive {
			stats.ActiveProposals++
		}
		if p.TotalVotingPower > 0 {
			rateSum += float64(p.VotesCast()) / float64(p.TotalVotingPower)
			counted++
		}
	}
	if counted > 0 {
		stats.ParticipationRate = rateSum / float64(counted)
	}
	return stats
}

// outcome decides a proposal at its deadline: passed iff yes > no and
// participation meets quorum.
func outcome(p domain.Proposal, quorumBps uint64) domain.ProposalStatus {
	if p.YesVotes <= p.NoVotes {
		return domain.ProposalRejected
	}
	cast := new(uint256.Int).Mul(uint256.NewInt(p.VotesCast()), uint256.NewInt(bpsScale))
	need := new(uint256.Int).Mul(uint256.NewInt(quorumBps), uint256.NewInt(p.TotalVotingPower))
	if cast.Lt(need) {
		return domain.ProposalRejected
	}
	return domain.ProposalPassed
}

// effective reports p as it would be after resolution at now.
func (s *GovernanceService) effective(p domain.Proposal, now domain.Timestamp) domain.Proposal {
	if p.Status == domain.ProposalActive && now >= p.VotingDeadline {
		p.Status = outcome(p, s.quorumBps)
	}
	return p
}

// resolveIfExpired persists the resolution of an expired Active proposal.
// Callers hold s.mu.
func (s *GovernanceService) resolveIfExpired(ctx context.Context, p *domain.Proposal, now domain.Timestamp) (*domain.Event, error) {
	if p.Status != domain.ProposalActive || now < p.VotingDeadline {
		return nil, nil
	}
	status := outcome(*p, s.params().quorumBps)
	if err := domain.ValidateTransition(domain.ProposalTransitions, p.Status, status); err != nil {
		return nil, err
	}
	ev, err := s.commit(ctx, evProposalResolved, proposalStatusChanged{ID: p.ID, Status: status})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "proposal resolved",
		slog.Uint64("id", p.ID),
		slog.String("status", string(status)),
		slog.Uint64("yes", p.YesVotes),
		slog.Uint64("no", p.NoVotes),
		slog.Uint64("abstain", p.AbstainVotes),
	)
	return &ev, nil
}

// readNow is the clock reading used by side-effect-free reads.
func (s *GovernanceService) readNow() domain.Timestamp {
	return domain.TimestampOf(s.rec.clock())
}

type govParams struct {
	minPower  uint64
	quorumBps uint64
}

func (s *GovernanceService) params() govParams {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return govParams{minPower: s.minPower, quorumBps: s.quorumBps}
}

func (s *GovernanceService) proposal(id uint64) (*domain.Proposal, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *GovernanceService) proposalCopy(id uint64) domain.Proposal {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return *s.proposals[id]
}

// uncountedPower is caller's voting power minus balances already counted on
// p, for example a delegator who voted before moving their delegation. The
// result is capped so the tally never exceeds the supply snapshot. Callers
// hold s.mu.
func (s *GovernanceService) uncountedPower(ctx context.Context, p domain.Proposal, caller domain.Principal) (uint64, []domain.Principal) {
	sources := s.ledger.PowerSources(ctx, caller)

	s.stateMu.RLock()
	seen := s.counted[p.ID]
	var power uint64
	holders := make([]domain.Principal, 0, len(sources))
	for holder, bal := range sources {
		if _, dup := seen[holder]; dup {
			continue
		}
		power += bal
		holders = append(holders, holder)
	}
	s.stateMu.RUnlock()

	var room uint64
	if cast := p.VotesCast(); cast < p.TotalVotingPower {
		room = p.TotalVotingPower - cast
	}
	if power > room {
		s.logger.WarnContext(ctx, "vote capped at remaining supply",
			slog.Uint64("proposal", p.ID),
			slog.String("voter", string(caller)),
			slog.Uint64("power", power),
			slog.Uint64("room", room),
		)
		power = room
	}
	slices.Sort(holders)
	return power, holders
}

func (s *GovernanceService) hasVoted(id uint64, voter domain.Principal) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	_, ok := s.voted[id][voter]
	return ok
}

func (s *GovernanceService) commit(ctx context.Context, typ string, payload any) (domain.Event, error) {
	ev, err := s.rec.record(ctx, typ, s.rec.now(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "governance append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Event{}, err
	}
	if err := s.apply(ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *GovernanceService) apply(ev domain.Event) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch ev.Type {
	case evProposalCreated:
		p, err := decode[domain.Proposal](ev)
		if err != nil {
			return err
		}
		s.proposals[p.ID] = &p
		s.order = append(s.order, p.ID)
		s.voted[p.ID] = make(map[domain.Principal]struct{})
		s.counted[p.ID] = make(map[domain.Principal]struct{})
	case evVoteCast:
		v, err := decode[domain.VoteRecord](ev)
		if err != nil {
			return err
		}
		p, ok := s.proposals[v.ProposalID]
		if !ok {
			return fmt.Errorf("proposal %d: %w", v.ProposalID, domain.ErrNotFound)
		}
		switch v.Choice {
		case domain.VoteYes:
			p.YesVotes += v.Power
		case domain.VoteNo:
			p.NoVotes += v.Power
		case domain.VoteAbstain:
			p.AbstainVotes += v.Power
		}
		s.votes[v.ProposalID] = append(s.votes[v.ProposalID], v)
		s.voted[v.ProposalID][v.Voter] = struct{}{}
		for _, h := range v.Counted {
			s.counted[v.ProposalID][h] = struct{}{}
		}
	case evProposalResolved, evProposalExecuted, evProposalCancelled:
		c, err := decode[proposalStatusChanged](ev)
		if err != nil {
			return err
		}
		p, ok := s.proposals[c.ID]
		if !ok {
			return fmt.Errorf("proposal %d: %w", c.ID, domain.ErrNotFound)
		}
		p.Status = c.Status
		if c.Status == domain.ProposalExecuted {
			at := ev.RecordedAt
			p.ExecutedAt = &at
		}
	case evMinPowerUpdated:
		c, err := decode[governanceParam](ev)
		if err != nil {
			return err
		}
		s.minPower = c.Value
	case evQuorumUpdated:
		c, err := decode[governanceParam](ev)
		if err != nil {
			return err
		}
		s.quorumBps = c.Value
	default:
		return fmt.Errorf("unknown governance event %q", ev.Type)
	}
	return nil
}

// normalizePayload checks the payload against the proposal type.
func normalizePayload(typ domain.ProposalType, payload *domain.ExecutionPayload) (*domain.ExecutionPayload, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("proposal type %q: %w", typ, domain.ErrInvalidParameter)
	}
	switch typ {
	case domain.ProposalParameterChange:
		if payload == nil || !domain.KnownParameter(payload.Parameter) {
			return nil, fmt.Errorf("parameter_change needs a known parameter: %w", domain.ErrInvalidParameter)
		}
		if err := checkParameter(payload.Parameter, payload.Value); err != nil {
			return nil, err
		}
		return &domain.ExecutionPayload{Parameter: payload.Parameter, Value: payload.Value, Note: payload.Note}, nil
	case domain.ProposalBondFloorUpdate:
		if payload == nil {
			return nil, fmt.Errorf("bond_floor_update needs a value: %w", domain.ErrInvalidParameter)
		}
		if payload.Parameter != "" && payload.Parameter != domain.ParamMinCollateralRatio {
			return nil, fmt.Errorf("bond_floor_update only sets %s: %w", domain.ParamMinCollateralRatio, domain.ErrInvalidParameter)
		}
		if err := checkValue(payload.Value); err != nil {
			return nil, err
		}
		return &domain.ExecutionPayload{Parameter: domain.ParamMinCollateralRatio, Value: payload.Value, Note: payload.Note}, nil
	case domain.ProposalSystemUpgrade:
		if payload == nil {
			return nil, nil
		}
		if payload.Parameter != "" || payload.Value != 0 {
			return nil, fmt.Errorf("system_upgrade carries a note only: %w", domain.ErrInvalidParameter)
		}
		if payload.Note == "" {
			return nil, nil
		}
		return &domain.ExecutionPayload{Note: payload.Note}, nil
	default:
		if payload != nil && *payload != (domain.ExecutionPayload{}) {
			return nil, fmt.Errorf("%s carries no payload: %w", typ, domain.ErrInvalidParameter)
		}
		return nil, nil
	}
}

// checkParameter applies the range the owning service enforces, so a
// proposal that could never execute is rejected when it is created.
func checkParameter(name string, v float64) error {
	if err := checkValue(v); err != nil {
		return err
	}
	switch name {
	case domain.ParamQuorumBps, domain.ParamPriorityShareBps:
		n, err := wholeNumber(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if n > bpsScale {
			return fmt.Errorf("%s: %d bps above %d: %w", name, n, bpsScale, domain.ErrInvalidParameter)
		}
	case domain.ParamMinProposalPower:
		if _, err := wholeNumber(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	case domain.ParamConversionRate:
		if v > 1 {
			return fmt.Errorf("%s: rate %v above 1: %w", name, v, domain.ErrInvalidParameter)
		}
	}
	return nil
}

func checkValue(v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("value %v: %w", v, domain.ErrInvalidParameter)
	}
	return nil
}
