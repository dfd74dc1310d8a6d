package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Ledger event types.
const (
	evTokensMinted      = "tokens_minted"
	evTokensTransferred = "tokens_transferred"
	evVotesDelegated    = "votes_delegated"
)

type tokensMinted struct {
	To     domain.Principal `json:"to"`
	Amount uint64           `json:"amount"`
	By     domain.Principal `json:"by"`
}

type tokensTransferred struct {
	From   domain.Principal `json:"from"`
	To     domain.Principal `json:"to"`
	Amount uint64           `json:"amount"`
}

type votesDelegated struct {
	Holder   domain.Principal `json:"holder"`
	Delegate domain.Principal `json:"delegate,omitempty"`
}

// VotingPowerReader is the read side of the ledger used by governance.
type VotingPowerReader interface {
	VotingPower(ctx context.Context, identity domain.Principal) uint64
	PowerSources(ctx context.Context, identity domain.Principal) map[domain.Principal]uint64
	TotalVotingPower(ctx context.Context) uint64
}

// GenesisAllocation is a balance minted once into an empty ledger.
type GenesisAllocation struct {
	Identity domain.Principal
	Balance  uint64
}

// genesisMinter is recorded as the minter of genesis balances.
const genesisMinter domain.Principal = "system:genesis"

// LedgerService holds governance token balances and one-hop delegation.
type LedgerService struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	rec    *recorder
	authz  Authorizer
	logger *slog.Logger

	holders   map[domain.Principal]*domain.TokenHolder
	order     []domain.Principal
	delegated map[domain.Principal]uint64
	supply    uint64
	events    int
}

var _ VotingPowerReader = (*LedgerService)(nil)

// NewLedgerService creates an empty LedgerService.
func NewLedgerService(log domain.EventLog, pub Publisher, authz Authorizer, clock domain.Clock, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		rec:       newRecorder(domain.StreamLedger, log, pub, clock),
		authz:     authz,
		logger:    logger.With(slog.String("component", "ledger")),
		holders:   make(map[domain.Principal]*domain.TokenHolder),
		delegated: make(map[domain.Principal]uint64),
	}
}

// Replay rebuilds balances from the ledger stream.
func (s *LedgerService) Replay(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rec.replay(ctx, s.apply)
	if err != nil {
		return fmt.Errorf("ledger: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "ledger replayed", slog.Int("events", n), slog.Uint64("supply", s.supply))
	return nil
}

// Genesis mints allocations when the ledger has never recorded an event.
// It reports whether anything was minted.
func (s *LedgerService) Genesis(ctx context.Context, allocations []GenesisAllocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events > 0 || len(allocations) == 0 {
		return false, nil
	}
	var evs []domain.Event
	for _, a := range allocations {
		if a.Identity == "" || a.Balance == 0 {
			return false, fmt.Errorf("ledger: genesis %q: %w", a.Identity, domain.ErrInvalidAmount)
		}
		ev, err := s.commit(ctx, evTokensMinted, tokensMinted{To: a.Identity, Amount: a.Balance, By: genesisMinter})
		if err != nil {
			return false, fmt.Errorf("ledger: genesis: %w", err)
		}
		evs = append(evs, ev)
	}
	s.logger.InfoContext(ctx, "genesis minted", slog.Int("holders", len(allocations)), slog.Uint64("supply", s.supply))
	s.rec.publish(ctx, evs...)
	return true, nil
}

// Mint creates new tokens. Administrator only.
func (s *LedgerService) Mint(ctx context.Context, caller, to domain.Principal, amount uint64) (domain.TokenHolder, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.TokenHolder{}, fmt.Errorf("ledger: mint: %w", err)
	}
	if to == "" || to.IsSystem() {
		return domain.TokenHolder{}, fmt.Errorf("ledger: mint: recipient: %w", domain.ErrInvalidParameter)
	}
	if amount == 0 {
		return domain.TokenHolder{}, fmt.Errorf("ledger: mint: %w", domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	if s.supply+amount < s.supply {
		s.mu.Unlock()
		return domain.TokenHolder{}, fmt.Errorf("ledger: mint: supply overflow: %w", domain.ErrInvalidAmount)
	}
	ev, err := s.commit(ctx, evTokensMinted, tokensMinted{To: to, Amount: amount, By: caller})
	if err != nil {
		s.mu.Unlock()
		return domain.TokenHolder{}, fmt.Errorf("ledger: mint: %w", err)
	}
	h := s.holderCopy(to)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "tokens minted", slog.String("to", string(to)), slog.Uint64("amount", amount))
	s.rec.publish(ctx, ev)
	return h, nil
}

// Transfer moves amount from caller to to.
func (s *LedgerService) Transfer(ctx context.Context, caller, to domain.Principal, amount uint64) (domain.TokenHolder, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.TokenHolder{}, fmt.Errorf("ledger: transfer: %w", err)
	}
	if to == "" || to.IsSystem() {
		return domain.TokenHolder{}, fmt.Errorf("ledger: transfer: recipient: %w", domain.ErrInvalidParameter)
	}
	if amount == 0 {
		return domain.TokenHolder{}, fmt.Errorf("ledger: transfer: %w", domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	if s.Balance(ctx, caller) < amount {
		s.mu.Unlock()
		return domain.TokenHolder{}, fmt.Errorf("ledger: transfer: %w", domain.ErrInsufficientBalance)
	}
	ev, err := s.commit(ctx, evTokensTransferred, tokensTransferred{From: caller, To: to, Amount: amount})
	if err != nil {
		s.mu.Unlock()
		return domain.TokenHolder{}, fmt.Errorf("ledger: transfer: %w", err)
	}
	h := s.holderCopy(caller)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "tokens transferred",
		slog.String("from", string(caller)),
		slog.String("to", string(to)),
		slog.Uint64("amount", amount),
	)
	s.rec.publish(ctx, ev)
	return h, nil
}

// Delegate assigns caller's voting power to to. An empty target or the
// caller itself clears the delegation.
func (s *LedgerService) Delegate(ctx context.Context, caller, to domain.Principal) (domain.TokenHolder, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.TokenHolder{}, fmt.Errorf("ledger: delegate: %w", err)
	}
	if to == caller {
		to = ""
	}
	if to.IsSystem() {
		return domain.TokenHolder{}, fmt.Errorf("ledger: delegate: %w", domain.ErrInvalidParameter)
	}

	s.mu.Lock()
	ev, err := s.commit(ctx, evVotesDelegated, votesDelegated{Holder: caller, Delegate: to})
	if err != nil {
		s.mu.Unlock()
		return domain.TokenHolder{}, fmt.Errorf("ledger: delegate: %w", err)
	}
	h := s.holderCopy(caller)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "votes delegated", slog.String("holder", string(caller)), slog.String("delegate", string(to)))
	s.rec.publish(ctx, ev)
	return h, nil
}

// Balance returns identity's token balance.
func (s *LedgerService) Balance(_ context.Context, identity domain.Principal) uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if h, ok := s.holders[identity]; ok {
		return h.Balance
	}
	return 0
}

// VotingPower is identity's own balance unless delegated away, plus the
// balances delegated to it. Delegation is a single hop.
func (s *LedgerService) VotingPower(_ context.Context, identity domain.Principal) uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	power := s.delegated[identity]
	if h, ok := s.holders[identity]; ok && h.Delegate == "" {
		power += h.Balance
	}
	return power
}

// PowerSources breaks identity's voting power down by the holders whose
// balances make it up. The values sum to VotingPower; zero balances are
// omitted.
func (s *LedgerService) PowerSources(_ context.Context, identity domain.Principal) map[domain.Principal]uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make(map[domain.Principal]uint64)
	for id, h := range s.holders {
		if h.Balance == 0 {
			continue
		}
		if (id == identity && h.Delegate == "") || h.Delegate == identity {
			out[id] = h.Balance
		}
	}
	return out
}

// TotalVotingPower returns the token supply.
func (s *LedgerService) TotalVotingPower(_ context.Context) uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.supply
}

// GetHolder returns identity's ledger entry.
func (s *LedgerService) GetHolder(_ context.Context, identity domain.Principal) (domain.TokenHolder, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	h, ok := s.holders[identity]
	if !ok {
		return domain.TokenHolder{}, fmt.Errorf("ledger: holder %s: %w", identity, domain.ErrNotFound)
	}
	return *h, nil
}

// ListHolders returns holders in first-seen order.
func (s *LedgerService) ListHolders(_ context.Context, opts domain.ListOpts) []domain.TokenHolder {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.TokenHolder, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.holders[id])
	}
	return paginate(out, opts)
}

func (s *LedgerService) holderCopy(id domain.Principal) domain.TokenHolder {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if h, ok := s.holders[id]; ok {
		return *h
	}
	return domain.TokenHolder{Identity: id}
}

func (s *LedgerService) commit(ctx context.Context, typ string, payload any) (domain.Event, error) {
	ev, err := s.rec.record(ctx, typ, s.rec.now(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "ledger append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Event{}, err
	}
	if err := s.apply(ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// holder returns the entry for id, creating it. Callers hold stateMu.
func (s *LedgerService) holder(id domain.Principal) *domain.TokenHolder {
	h, ok := s.holders[id]
	if !ok {
		h = &domain.TokenHolder{Identity: id}
		s.holders[id] = h
		s.order = append(s.order, id)
	}
	return h
}

// credit adjusts h's balance and whichever power bucket it feeds.
func (s *LedgerService) credit(h *domain.TokenHolder, amount uint64) {
	h.Balance += amount
	if h.Delegate != "" {
		s.delegated[h.Delegate] += amount
	}
}

func (s *LedgerService) debit(h *domain.TokenHolder, amount uint64) error {
	if h.Balance < amount {
		return fmt.Errorf("holder %s: %w", h.Identity, domain.ErrInsufficientBalance)
	}
	h.Balance -= amount
	if h.Delegate != "" {
		s.delegated[h.Delegate] -= amount
	}
	return nil
}

func (s *LedgerService) apply(ev domain.Event) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch ev.Type {
	case evTokensMinted:
		p, err := decode[tokensMinted](ev)
		if err != nil {
			return err
		}
		s.credit(s.holder(p.To), p.Amount)
		s.supply += p.Amount
	case evTokensTransferred:
		p, err := decode[tokensTransferred](ev)
		if err != nil {
			return err
		}
		if err := s.debit(s.holder(p.From), p.Amount); err != nil {
			return err
		}
		s.credit(s.holder(p.To), p.Amount)
	case evVotesDelegated:
		p, err := decode[votesDelegated](ev)
		if err != nil {
			return err
		}
		h := s.holder(p.Holder)
		if h.Delegate != "" {
			s.delegated[h.Delegate] -= h.Balance
		}
		h.Delegate = p.Delegate
		if h.Delegate != "" {
			s.delegated[h.Delegate] += h.Balance
		}
	default:
		return fmt.Errorf("unknown ledger event %q", ev.Type)
	}
	s.events++
	return nil
}
