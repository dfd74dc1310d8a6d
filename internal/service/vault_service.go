package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Vault event types.
const (
	evBondDeposited   = "bond_deposited"
	evBondWithdrawn   = "bond_withdrawn"
	evBondLiquidated  = "bond_liquidated"
	evBondRatioUpdate = "bond_ratio_updated"
	evMinRatioUpdated = "min_ratio_updated"
)

type bondDeposited struct {
	ID     uint64           `json:"id"`
	Owner  domain.Principal `json:"owner"`
	Amount uint64           `json:"amount"`
	Ratio  float64          `json:"ratio"`
}

type bondClosed struct {
	ID uint64           `json:"id"`
	By domain.Principal `json:"by"`
}

type bondRatioUpdated struct {
	ID    uint64  `json:"id"`
	Ratio float64 `json:"ratio"`
}

type minRatioUpdated struct {
	Ratio float64          `json:"ratio"`
	By    domain.Principal `json:"by"`
}

// VaultObserver is called after a committed vault change, with no vault lock
// held.
type VaultObserver func(ctx context.Context)

// VaultService holds bonded collateral and enforces the minimum collateral
// ratio.
type VaultService struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	rec    *recorder
	authz  Authorizer
	pause  *PauseSwitch
	logger *slog.Logger

	bonds     map[uint64]*domain.Bond
	order     []uint64
	nextID    uint64
	minRatio  float64
	observers []VaultObserver
}

// NewVaultService creates a VaultService with the given starting minimum
// ratio. State from the log is loaded by Replay.
func NewVaultService(
	log domain.EventLog,
	pub Publisher,
	authz Authorizer,
	pause *PauseSwitch,
	minRatio float64,
	clock domain.Clock,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		rec:      newRecorder(domain.StreamVault, log, pub, clock),
		authz:    authz,
		pause:    pause,
		logger:   logger.With(slog.String("component", "vault")),
		bonds:    make(map[uint64]*domain.Bond),
		nextID:   1,
		minRatio: minRatio,
	}
}

// Observe registers fn to run after deposits, withdrawals, ratio updates
// and administrator liquidations.
func (s *VaultService) Observe(fn VaultObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Replay rebuilds vault state from the vault stream.
func (s *VaultService) Replay(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rec.replay(ctx, s.apply)
	if err != nil {
		return fmt.Errorf("vault: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "vault replayed", slog.Int("events", n), slog.Int("bonds", len(s.order)))
	return nil
}

// DepositBond creates an Active bond owned by caller.
func (s *VaultService) DepositBond(ctx context.Context, caller domain.Principal, amount uint64, ratio float64) (domain.Bond, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Bond{}, fmt.Errorf("vault: deposit bond: %w", err)
	}
	if amount == 0 {
		return domain.Bond{}, fmt.Errorf("vault: deposit bond: %w", domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	// Checked under mu so a pause that lands while waiting is honoured.
	if err := s.pause.check("vault: deposit bond"); err != nil {
		s.mu.Unlock()
		return domain.Bond{}, err
	}
	if ratio < s.currentMinRatio() {
		minRatio := s.currentMinRatio()
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "deposit below minimum collateral ratio",
			slog.String("owner", string(caller)),
			slog.Float64("ratio", ratio),
			slog.Float64("min", minRatio),
		)
		return domain.Bond{}, fmt.Errorf("vault: deposit bond: ratio %.4f below %.4f: %w", ratio, minRatio, domain.ErrInsufficientCollateral)
	}
	id := s.nextID
	ev, err := s.commit(ctx, evBondDeposited, bondDeposited{ID: id, Owner: caller, Amount: amount, Ratio: ratio})
	if err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: deposit bond: %w", err)
	}
	bond := s.bondCopy(id)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "bond deposited",
		slog.Uint64("id", bond.ID),
		slog.String("owner", string(bond.Owner)),
		slog.Uint64("amount", bond.Amount),
		slog.Float64("ratio", bond.CollateralRatio),
	)
	s.after(ctx, ev, true)
	return bond, nil
}

// WithdrawBond closes an Active bond owned by caller and returns it; its
// Amount is the amount released.
func (s *VaultService) WithdrawBond(ctx context.Context, caller domain.Principal, id uint64) (domain.Bond, error) {
	if err := s.authz.RequireCaller(caller); err != nil {
		return domain.Bond{}, fmt.Errorf("vault: withdraw bond %d: %w", id, err)
	}

	s.mu.Lock()
	if err := s.pause.check(fmt.Sprintf("vault: withdraw bond %d", id)); err != nil {
		s.mu.Unlock()
		return domain.Bond{}, err
	}
	b, ok := s.bonds[id]
	if !ok {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: withdraw bond %d: %w", id, domain.ErrNotFound)
	}
	if b.Owner != caller {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: withdraw bond %d: %w", id, domain.ErrNotOwner)
	}
	if err := s.transition(b, domain.BondWithdrawn); err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: withdraw bond %d: %w", id, err)
	}
	ev, err := s.commit(ctx, evBondWithdrawn, bondClosed{ID: id, By: caller})
	if err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: withdraw bond %d: %w", id, err)
	}
	bond := s.bondCopy(id)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "bond withdrawn", slog.Uint64("id", id), slog.Uint64("amount", bond.Amount))
	s.after(ctx, ev, true)
	return bond, nil
}

// LiquidateBond force-closes an Active bond. Only administrators and the
// fallback executor may liquidate; fallback liquidations do not notify
// observers.
func (s *VaultService) LiquidateBond(ctx context.Context, caller domain.Principal, id uint64) (domain.Bond, error) {
	if err := s.authz.RequireAdminOr(caller, domain.FallbackExecutor); err != nil {
		return domain.Bond{}, fmt.Errorf("vault: liquidate bond %d: %w", id, err)
	}

	s.mu.Lock()
	b, ok := s.bonds[id]
	if !ok {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: liquidate bond %d: %w", id, domain.ErrNotFound)
	}
	if err := s.transition(b, domain.BondLiquidated); err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: liquidate bond %d: %w", id, err)
	}
	ev, err := s.commit(ctx, evBondLiquidated, bondClosed{ID: id, By: caller})
	if err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: liquidate bond %d: %w", id, err)
	}
	bond := s.bondCopy(id)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "bond liquidated",
		slog.Uint64("id", id),
		slog.Uint64("amount", bond.Amount),
		slog.String("by", string(caller)),
	)
	s.after(ctx, ev, caller != domain.FallbackExecutor)
	return bond, nil
}

// UpdateBondRatio records a new collateral ratio for an Active bond, as
// reported by the price feed. Administrator only.
func (s *VaultService) UpdateBondRatio(ctx context.Context, caller domain.Principal, id uint64, ratio float64) (domain.Bond, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.Bond{}, fmt.Errorf("vault: update bond %d ratio: %w", id, err)
	}
	if ratio <= 0 {
		return domain.Bond{}, fmt.Errorf("vault: update bond %d ratio: %w", id, domain.ErrInvalidParameter)
	}

	s.mu.Lock()
	b, ok := s.bonds[id]
	if !ok {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: update bond %d ratio: %w", id, domain.ErrNotFound)
	}
	if b.Status.IsTerminal() {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: update bond %d ratio: %w", id, domain.ErrAlreadyTerminal)
	}
	ev, err := s.commit(ctx, evBondRatioUpdate, bondRatioUpdated{ID: id, Ratio: ratio})
	if err != nil {
		s.mu.Unlock()
		return domain.Bond{}, fmt.Errorf("vault: update bond %d ratio: %w", id, err)
	}
	bond := s.bondCopy(id)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "bond ratio updated", slog.Uint64("id", id), slog.Float64("ratio", ratio))
	s.after(ctx, ev, true)
	return bond, nil
}

// UpdateMinCollateralRatio sets the ratio new deposits must meet. Existing
// bonds are unaffected.
func (s *VaultService) UpdateMinCollateralRatio(ctx context.Context, caller domain.Principal, ratio float64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("vault: update min collateral ratio: %w", err)
	}
	if ratio <= 0 {
		return fmt.Errorf("vault: update min collateral ratio: %w", domain.ErrInvalidParameter)
	}

	s.mu.Lock()
	ev, err := s.commit(ctx, evMinRatioUpdated, minRatioUpdated{Ratio: ratio, By: caller})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("vault: update min collateral ratio: %w", err)
	}
	s.logger.InfoContext(ctx, "min collateral ratio updated",
		slog.Float64("ratio", ratio),
		slog.String("by", string(caller)),
	)
	s.after(ctx, ev, false)
	return nil
}

// GetBond returns a bond by id.
func (s *VaultService) GetBond(_ context.Context, id uint64) (domain.Bond, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	b, ok := s.bonds[id]
	if !ok {
		return domain.Bond{}, fmt.Errorf("vault: get bond %d: %w", id, domain.ErrNotFound)
	}
	return *b, nil
}

// GetFounderBonds returns every bond owned by owner, in creation order.
func (s *VaultService) GetFounderBonds(_ context.Context, owner domain.Principal) []domain.Bond {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.Bond, 0)
	for _, id := range s.order {
		if b := s.bonds[id]; b.Owner == owner {
			out = append(out, *b)
		}
	}
	return out
}

// ListBonds returns bonds in creation order, optionally filtered by status.
func (s *VaultService) ListBonds(_ context.Context, status domain.BondStatus, opts domain.ListOpts) []domain.Bond {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.Bond, 0, len(s.order))
	for _, id := range s.order {
		b := s.bonds[id]
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, *b)
	}
	return paginate(out, opts)
}

// GetMinCollateralRatio returns the ratio new deposits must meet.
func (s *VaultService) GetMinCollateralRatio(_ context.Context) float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.minRatio
}

// GetVaultStats computes aggregates over the live bond set.
func (s *VaultService) GetVaultStats(_ context.Context) domain.VaultStats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	stats := domain.VaultStats{
		TotalBonds:         uint64(len(s.order)),
		MinCollateralRatio: s.minRatio,
	}
	var ratioSum float64
	for _, id := range s.order {
		b := s.bonds[id]
		stats.TotalDeposited += b.Amount
		switch b.Status {
		case domain.BondActive:
			stats.ActiveBonds++
			ratioSum += b.CollateralRatio
		case domain.BondWithdrawn:
			stats.TotalWithdrawn += b.Amount
		case domain.BondLiquidated:
			stats.TotalLiquidated += b.Amount
		}
	}
	if stats.ActiveBonds > 0 {
		stats.AverageCollateralRatio = ratioSum / float64(stats.ActiveBonds)
	}
	return stats
}

// Snapshot returns the Active bonds and their mean ratio.
func (s *VaultService) Snapshot(_ context.Context) domain.VaultSnapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	snap := domain.VaultSnapshot{ActiveBonds: make([]domain.Bond, 0)}
	var ratioSum float64
	for _, id := range s.order {
		b := s.bonds[id]
		if b.Status != domain.BondActive {
			continue
		}
		snap.ActiveBonds = append(snap.ActiveBonds, *b)
		ratioSum += b.CollateralRatio
	}
	if n := len(snap.ActiveBonds); n > 0 {
		snap.AverageCollateralRatio = ratioSum / float64(n)
	}
	return snap
}

func (s *VaultService) transition(b *domain.Bond, to domain.BondStatus) error {
	if err := domain.ValidateTransition(domain.BondTransitions, b.Status, to); err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) && b.Status.IsTerminal() {
			return fmt.Errorf("bond is %s: %w", b.Status, domain.ErrAlreadyTerminal)
		}
		return err
	}
	return nil
}

func (s *VaultService) currentMinRatio() float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.minRatio
}

func (s *VaultService) bondCopy(id uint64) domain.Bond {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return *s.bonds[id]
}

// commit appends and applies one event. Callers hold s.mu.
func (s *VaultService) commit(ctx context.Context, typ string, payload any) (domain.Event, error) {
	ev, err := s.rec.record(ctx, typ, s.rec.now(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "vault append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Event{}, err
	}
	if err := s.apply(ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// after publishes ev and, when notify is set, runs observers. Called with no
// vault lock held.
func (s *VaultService) after(ctx context.Context, ev domain.Event, notify bool) {
	s.rec.publish(ctx, ev)
	if !notify {
		return
	}
	s.mu.Lock()
	observers := append([]VaultObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(ctx)
	}
}

func (s *VaultService) apply(ev domain.Event) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch ev.Type {
	case evBondDeposited:
		p, err := decode[bondDeposited](ev)
		if err != nil {
			return err
		}
		s.bonds[p.ID] = &domain.Bond{
			ID:              p.ID,
			Owner:           p.Owner,
			Amount:          p.Amount,
			CollateralRatio: p.Ratio,
			Status:          domain.BondActive,
			CreatedAt:       ev.RecordedAt,
			LastUpdate:      ev.RecordedAt,
		}
		s.order = append(s.order, p.ID)
		if p.ID >= s.nextID {
			s.nextID = p.ID + 1
		}
	case evBondWithdrawn, evBondLiquidated:
		p, err := decode[bondClosed](ev)
		if err != nil {
			return err
		}
		b, ok := s.bonds[p.ID]
		if !ok {
			return fmt.Errorf("bond %d: %w", p.ID, domain.ErrNotFound)
		}
		b.Status = domain.BondWithdrawn
		if ev.Type == evBondLiquidated {
			b.Status = domain.BondLiquidated
		}
		b.LastUpdate = ev.RecordedAt
	case evBondRatioUpdate:
		p, err := decode[bondRatioUpdated](ev)
		if err != nil {
			return err
		}
		b, ok := s.bonds[p.ID]
		if !ok {
			return fmt.Errorf("bond %d: %w", p.ID, domain.ErrNotFound)
		}
		b.CollateralRatio = p.Ratio
		b.LastUpdate = ev.RecordedAt
	case evMinRatioUpdated:
		p, err := decode[minRatioUpdated](ev)
		if err != nil {
			return err
		}
		s.minRatio = p.Ratio
	default:
		return fmt.Errorf("unknown vault event %q", ev.Type)
	}
	return nil
}
