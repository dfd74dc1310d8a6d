package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Splitter event types.
const (
	evRecipientAdded        = "recipient_added"
	evRecipientUpdated      = "recipient_updated"
	evRecipientRemoved      = "recipient_removed"
	evDistributionCompleted = "distribution_completed"
	evDistributionFailed    = "distribution_failed"
	evClaimPaid             = "claim_paid"
	evPriorityShareUpdated  = "priority_share_updated"
)

type recipientChanged struct {
	Identity domain.Principal     `json:"identity"`
	Tenths   uint64               `json:"tenths"`
	Role     domain.RecipientRole `json:"role"`
}

type claimPaid struct {
	Identity domain.Principal `json:"identity"`
	Amount   uint64           `json:"amount"`
}

type priorityShareUpdated struct {
	Bps uint64           `json:"bps"`
	By  domain.Principal `json:"by"`
}

// SplitterService maintains the recipient registry and distributes revenue
// developer-first.
type SplitterService struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	rec    *recorder
	authz  Authorizer
	pause  *PauseSwitch
	logger *slog.Logger

	recipients    map[domain.Principal]*domain.Recipient
	order         []domain.Principal
	distributions []domain.Distribution
	pending       map[domain.Principal]uint64
	priorityBps   uint64
}

// NewSplitterService creates a SplitterService with an empty registry.
func NewSplitterService(
	log domain.EventLog,
	pub Publisher,
	authz Authorizer,
	pause *PauseSwitch,
	priorityBps uint64,
	clock domain.Clock,
	logger *slog.Logger,
) *SplitterService {
	return &SplitterService{
		rec:         newRecorder(domain.StreamSplitter, log, pub, clock),
		authz:       authz,
		pause:       pause,
		logger:      logger.With(slog.String("component", "splitter")),
		recipients:  make(map[domain.Principal]*domain.Recipient),
		pending:     make(map[domain.Principal]uint64),
		priorityBps: priorityBps,
	}
}

// Replay rebuilds the registry, history and claims from the splitter stream.
func (s *SplitterService) Replay(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rec.replay(ctx, s.apply)
	if err != nil {
		return fmt.Errorf("splitter: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "splitter replayed",
		slog.Int("events", n),
		slog.Int("recipients", len(s.order)),
		slog.Int("distributions", len(s.distributions)),
	)
	return nil
}

// AddRecipient registers identity with pct percent of revenue.
func (s *SplitterService) AddRecipient(ctx context.Context, caller, identity domain.Principal, pct float64, role domain.RecipientRole) (domain.Recipient, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.Recipient{}, fmt.Errorf("splitter: add recipient: %w", err)
	}
	tenths, err := validateRecipient(identity, pct, role)
	if err != nil {
		return domain.Recipient{}, fmt.Errorf("splitter: add recipient %s: %w", identity, err)
	}

	s.mu.Lock()
	if _, ok := s.recipients[identity]; ok {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: add recipient %s: %w", identity, domain.ErrAlreadyExists)
	}
	if s.totalTenths("")+tenths > tenthsScale {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: add recipient %s: %w", identity, domain.ErrPercentageOverflow)
	}
	ev, err := s.commit(ctx, evRecipientAdded, recipientChanged{Identity: identity, Tenths: tenths, Role: role})
	if err != nil {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: add recipient %s: %w", identity, err)
	}
	r := s.recipientCopy(identity)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "recipient added",
		slog.String("identity", string(identity)),
		slog.Float64("percentage", r.Percentage),
		slog.String("role", string(role)),
	)
	s.rec.publish(ctx, ev)
	return r, nil
}

// UpdateRecipient changes an existing recipient's share and role.
func (s *SplitterService) UpdateRecipient(ctx context.Context, caller, identity domain.Principal, pct float64, role domain.RecipientRole) (domain.Recipient, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.Recipient{}, fmt.Errorf("splitter: update recipient: %w", err)
	}
	tenths, err := validateRecipient(identity, pct, role)
	if err != nil {
		return domain.Recipient{}, fmt.Errorf("splitter: update recipient %s: %w", identity, err)
	}

	s.mu.Lock()
	if _, ok := s.recipients[identity]; !ok {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: update recipient %s: %w", identity, domain.ErrNotFound)
	}
	if s.totalTenths(identity)+tenths > tenthsScale {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: update recipient %s: %w", identity, domain.ErrPercentageOverflow)
	}
	ev, err := s.commit(ctx, evRecipientUpdated, recipientChanged{Identity: identity, Tenths: tenths, Role: role})
	if err != nil {
		s.mu.Unlock()
		return domain.Recipient{}, fmt.Errorf("splitter: update recipient %s: %w", identity, err)
	}
	r := s.recipientCopy(identity)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "recipient updated",
		slog.String("identity", string(identity)),
		slog.Float64("percentage", r.Percentage),
		slog.String("role", string(role)),
	)
	s.rec.publish(ctx, ev)
	return r, nil
}

// RemoveRecipient drops identity from the registry. Pending claims remain
// claimable.
func (s *SplitterService) RemoveRecipient(ctx context.Context, caller, identity domain.Principal) error {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return fmt.Errorf("splitter: remove recipient: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.recipients[identity]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("splitter: remove recipient %s: %w", identity, domain.ErrNotFound)
	}
	ev, err := s.commit(ctx, evRecipientRemoved, recipientChanged{Identity: identity})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("splitter: remove recipient %s: %w", identity, err)
	}

	s.logger.InfoContext(ctx, "recipient removed", slog.String("identity", string(identity)))
	s.rec.publish(ctx, ev)
	return nil
}

// DistributeRevenue allocates amount across the registry. When the
// allocation cannot cover amount exactly the distribution is recorded as
// Failed, nothing is credited, and the returned error wraps
// ErrAllocationMismatch.
func (s *SplitterService) DistributeRevenue(ctx context.Context, caller domain.Principal, amount uint64) (domain.Distribution, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.Distribution{}, fmt.Errorf("splitter: distribute revenue: %w", err)
	}
	if amount == 0 {
		return domain.Distribution{}, fmt.Errorf("splitter: distribute revenue: %w", domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	if err := s.pause.check("splitter: distribute revenue"); err != nil {
		s.mu.Unlock()
		return domain.Distribution{}, err
	}
	recipients := s.GetRecipients(ctx)
	if len(recipients) == 0 {
		s.mu.Unlock()
		return domain.Distribution{}, fmt.Errorf("splitter: distribute revenue: %w", domain.ErrNoRecipients)
	}

	d := domain.Distribution{
		ID:          uint64(len(s.distributions)) + 1,
		TotalAmount: amount,
		Allocations: []domain.Allocation{},
		Status:      domain.DistributionCompleted,
	}
	typ := evDistributionCompleted
	allocs, allocErr := Allocate(amount, recipients, s.currentPriorityBps())
	switch {
	case allocErr == nil:
		d.Allocations = allocs
	case errors.Is(allocErr, domain.ErrAllocationMismatch):
		d.Status = domain.DistributionFailed
		d.FailureReason = allocErr.Error()
		typ = evDistributionFailed
	default:
		s.mu.Unlock()
		return domain.Distribution{}, fmt.Errorf("splitter: distribute revenue: %w", allocErr)
	}

	d.Timestamp = s.rec.now()
	ev, err := s.rec.record(ctx, typ, d.Timestamp, d)
	if err == nil {
		err = s.apply(ev)
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.ErrorContext(ctx, "splitter append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Distribution{}, fmt.Errorf("splitter: distribute revenue: %w", err)
	}
	s.rec.publish(ctx, ev)

	if d.Status == domain.DistributionFailed {
		s.logger.WarnContext(ctx, "distribution failed",
			slog.Uint64("id", d.ID),
			slog.Uint64("amount", amount),
			slog.String("reason", d.FailureReason),
		)
		return d, fmt.Errorf("splitter: distribute revenue: %w", allocErr)
	}
	s.logger.InfoContext(ctx, "revenue distributed",
		slog.Uint64("id", d.ID),
		slog.Uint64("amount", amount),
		slog.Int("recipients", len(d.Allocations)),
	)
	return d, nil
}

// Claim pays out caller's pending balance.
func (s *SplitterService) Claim(ctx context.Context, caller domain.Principal) (uint64, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return 0, fmt.Errorf("splitter: claim: %w", err)
	}

	s.mu.Lock()
	if err := s.pause.check("splitter: claim"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	amount := s.PendingClaim(ctx, caller)
	if amount == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("splitter: claim %s: nothing pending: %w", caller, domain.ErrNotFound)
	}
	ev, err := s.commit(ctx, evClaimPaid, claimPaid{Identity: caller, Amount: amount})
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("splitter: claim %s: %w", caller, err)
	}

	s.logger.InfoContext(ctx, "claim paid", slog.String("identity", string(caller)), slog.Uint64("amount", amount))
	s.rec.publish(ctx, ev)
	return amount, nil
}

// UpdatePriorityShare sets the developer tranche in basis points.
func (s *SplitterService) UpdatePriorityShare(ctx context.Context, caller domain.Principal, bps uint64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("splitter: update priority share: %w", err)
	}
	if bps > bpsScale {
		return fmt.Errorf("splitter: update priority share %d: %w", bps, domain.ErrInvalidParameter)
	}

	s.mu.Lock()
	ev, err := s.commit(ctx, evPriorityShareUpdated, priorityShareUpdated{Bps: bps, By: caller})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("splitter: update priority share: %w", err)
	}
	s.logger.InfoContext(ctx, "priority share updated", slog.Uint64("bps", bps), slog.String("by", string(caller)))
	s.rec.publish(ctx, ev)
	return nil
}

// GetRecipients returns the registry in registration order.
func (s *SplitterService) GetRecipients(_ context.Context) []domain.Recipient {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.Recipient, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.recipients[id])
	}
	return out
}

// GetDistribution returns a distribution by id.
func (s *SplitterService) GetDistribution(_ context.Context, id uint64) (domain.Distribution, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if id == 0 || id > uint64(len(s.distributions)) {
		return domain.Distribution{}, fmt.Errorf("splitter: distribution %d: %w", id, domain.ErrNotFound)
	}
	return s.distributions[id-1], nil
}

// ListDistributions returns the distribution history, oldest first.
func (s *SplitterService) ListDistributions(_ context.Context, opts domain.ListOpts) []domain.Distribution {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.Distribution, len(s.distributions))
	copy(out, s.distributions)
	return paginate(out, opts)
}

// PendingClaim returns identity's unclaimed credit.
func (s *SplitterService) PendingClaim(_ context.Context, identity domain.Principal) uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.pending[identity]
}

// PriorityShareBps returns the developer tranche in basis points.
func (s *SplitterService) PriorityShareBps(_ context.Context) uint64 {
	return s.currentPriorityBps()
}

// GetStats aggregates the distribution history.
func (s *SplitterService) GetStats(_ context.Context) domain.SplitterStats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	stats := domain.SplitterStats{
		TotalDistributions: uint64(len(s.distributions)),
		PriorityShareBps:   s.priorityBps,
	}
	for _, d := range s.distributions {
		if d.Status != domain.DistributionCompleted {
			stats.FailedDistributions++
			continue
		}
		stats.TotalRevenue += d.TotalAmount
		for _, a := range d.Allocations {
			switch a.Role {
			case domain.RoleDeveloper:
				stats.TotalDeveloperShare += a.Amount
			case domain.RoleFounder:
				stats.TotalFounderShare += a.Amount
			}
		}
	}
	for _, amt := range s.pending {
		stats.PendingClaims += amt
	}
	return stats
}

func validateRecipient(identity domain.Principal, pct float64, role domain.RecipientRole) (uint64, error) {
	if identity == "" || identity.IsSystem() {
		return 0, fmt.Errorf("identity: %w", domain.ErrInvalidParameter)
	}
	if !role.Valid() {
		return 0, fmt.Errorf("role %q: %w", role, domain.ErrInvalidParameter)
	}
	if pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("percentage %.2f: %w", pct, domain.ErrInvalidParameter)
	}
	tenths := domain.PercentToTenths(pct)
	if tenths == 0 {
		return 0, fmt.Errorf("percentage %.2f rounds to zero: %w", pct, domain.ErrInvalidParameter)
	}
	return tenths, nil
}

// totalTenths sums the registry, leaving out except.
func (s *SplitterService) totalTenths(except domain.Principal) uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	var sum uint64
	for id, r := range s.recipients {
		if id != except {
			sum += r.Tenths()
		}
	}
	return sum
}

func (s *SplitterService) recipientCopy(id domain.Principal) domain.Recipient {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return *s.recipients[id]
}

func (s *SplitterService) currentPriorityBps() uint64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.priorityBps
}

func (s *SplitterService) commit(ctx context.Context, typ string, payload any) (domain.Event, error) {
	ev, err := s.rec.record(ctx, typ, s.rec.now(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "splitter append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Event{}, err
	}
	if err := s.apply(ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *SplitterService) apply(ev domain.Event) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch ev.Type {
	case evRecipientAdded:
		p, err := decode[recipientChanged](ev)
		if err != nil {
			return err
		}
		s.recipients[p.Identity] = &domain.Recipient{Identity: p.Identity, Percentage: float64(p.Tenths) / 10, Role: p.Role}
		s.order = append(s.order, p.Identity)
	case evRecipientUpdated:
		p, err := decode[recipientChanged](ev)
		if err != nil {
			return err
		}
		r, ok := s.recipients[p.Identity]
		if !ok {
			return fmt.Errorf("recipient %s: %w", p.Identity, domain.ErrNotFound)
		}
		r.Percentage = float64(p.Tenths) / 10
		r.Role = p.Role
	case evRecipientRemoved:
		p, err := decode[recipientChanged](ev)
		if err != nil {
			return err
		}
		delete(s.recipients, p.Identity)
		for i, id := range s.order {
			if id == p.Identity {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	case evDistributionCompleted, evDistributionFailed:
		d, err := decode[domain.Distribution](ev)
		if err != nil {
			return err
		}
		if d.Status == domain.DistributionCompleted {
			for _, a := range d.Allocations {
				if a.Amount > 0 {
					s.pending[a.Recipient] += a.Amount
				}
			}
		}
		s.distributions = append(s.distributions, d)
	case evClaimPaid:
		p, err := decode[claimPaid](ev)
		if err != nil {
			return err
		}
		s.pending[p.Identity] -= p.Amount
		if s.pending[p.Identity] == 0 {
			delete(s.pending, p.Identity)
		}
	case evPriorityShareUpdated:
		p, err := decode[priorityShareUpdated](ev)
		if err != nil {
			return err
		}
		s.priorityBps = p.Bps
	default:
		return fmt.Errorf("unknown splitter event %q", ev.Type)
	}
	return nil
}
