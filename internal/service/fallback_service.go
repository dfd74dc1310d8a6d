package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Fallback event types.
const (
	evStatusChanged       = "status_changed"
	evConversionCreated   = "conversion_created"
	evConversionCompleted = "conversion_completed"
	evEmergencyConverted  = "emergency_converted"
	evPaused              = "paused"
	evResumed             = "resumed"
	evRateUpdated         = "rate_updated"
	evThresholdUpdated    = "threshold_updated"
)

const (
	defaultWarningMargin = 0.10
	rateScale            = 1_000_000
)

type statusChanged struct {
	From  domain.SystemStatus `json:"from"`
	To    domain.SystemStatus `json:"to"`
	Ratio float64             `json:"ratio"`
}

type conversionCompleted struct {
	ID uint64 `json:"id"`
}

type actionLogged struct {
	Action    domain.EmergencyAction `json:"action"`
	Completes []uint64               `json:"completes,omitempty"`
	Value     float64                `json:"value,omitempty"`
}

// VaultView is the read-only vault state fallback monitors.
type VaultView interface {
	Snapshot(ctx context.Context) domain.VaultSnapshot
}

// BondLiquidator force-closes a bond.
type BondLiquidator interface {
	LiquidateBond(ctx context.Context, caller domain.Principal, id uint64) (domain.Bond, error)
}

// FallbackConfig holds the fallback tunables.
type FallbackConfig struct {
	EmergencyThreshold float64
	ConversionRate     float64
	WarningMargin      float64
}

// FallbackService watches vault collateral health, converts at-risk bonds
// when the system enters Emergency, and owns the pause switch.
type FallbackService struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	rec        *recorder
	authz      Authorizer
	vault      VaultView
	liquidator BondLiquidator
	pause      *PauseSwitch
	margin     float64
	logger     *slog.Logger

	status      domain.SystemStatus
	threshold   float64
	rate        float64
	conversions []domain.Conversion
	actions     []domain.EmergencyAction
}

// NewFallbackService creates a FallbackService in Normal status.
func NewFallbackService(
	log domain.EventLog,
	pub Publisher,
	authz Authorizer,
	vault VaultView,
	liquidator BondLiquidator,
	pause *PauseSwitch,
	cfg FallbackConfig,
	clock domain.Clock,
	logger *slog.Logger,
) *FallbackService {
	if cfg.WarningMargin <= 0 {
		cfg.WarningMargin = defaultWarningMargin
	}
	return &FallbackService{
		rec:        newRecorder(domain.StreamFallback, log, pub, clock),
		authz:      authz,
		vault:      vault,
		liquidator: liquidator,
		pause:      pause,
		margin:     cfg.WarningMargin,
		logger:     logger.With(slog.String("component", "fallback")),
		status:     domain.StatusNormal,
		threshold:  cfg.EmergencyThreshold,
		rate:       cfg.ConversionRate,
	}
}

// Replay rebuilds conversions, the action log and the pause flag.
func (s *FallbackService) Replay(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rec.replay(ctx, s.apply)
	if err != nil {
		return fmt.Errorf("fallback: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "fallback replayed",
		slog.Int("events", n),
		slog.String("status", string(s.status)),
		slog.Bool("paused", s.pause.Paused()),
	)
	return nil
}

// Check completes leftover conversions, recomputes the system status from
// the vault, and converts at-risk bonds when the status crosses into
// Emergency.
func (s *FallbackService) Check(ctx context.Context) (domain.SystemStatus, error) {
	s.mu.Lock()
	var evs []domain.Event
	defer func() {
		s.mu.Unlock()
		s.rec.publish(ctx, evs...)
	}()

	pending, err := s.completePending(ctx)
	evs = append(evs, pending...)
	if err != nil {
		return s.currentStatus(), fmt.Errorf("fallback: check: %w", err)
	}

	snap := s.vault.Snapshot(ctx)
	prev := s.currentStatus()
	next := s.classify(prev, snap)
	if next == prev {
		return prev, nil
	}
	ev, err := s.commit(ctx, evStatusChanged, statusChanged{From: prev, To: next, Ratio: snap.AverageCollateralRatio})
	if err != nil {
		return prev, fmt.Errorf("fallback: check: %w", err)
	}
	evs = append(evs, ev)
	s.logger.WarnContext(ctx, "system status changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Float64("ratio", snap.AverageCollateralRatio),
		slog.Float64("threshold", s.currentThreshold()),
	)

	if next == domain.StatusEmergency {
		converted, err := s.convert(ctx, snap)
		evs = append(evs, converted...)
		if err != nil {
			return next, fmt.Errorf("fallback: check: %w", err)
		}
	}
	return next, nil
}

// classify maps the mean ratio to a status. Leaving Emergency requires a
// Normal reading.
func (s *FallbackService) classify(prev domain.SystemStatus, snap domain.VaultSnapshot) domain.SystemStatus {
	if len(snap.ActiveBonds) == 0 {
		return domain.StatusNormal
	}
	threshold := s.currentThreshold()
	ratio := snap.AverageCollateralRatio
	var next domain.SystemStatus
	switch {
	case ratio < threshold:
		next = domain.StatusEmergency
	case ratio < threshold*(1+s.margin):
		next = domain.StatusWarning
	default:
		next = domain.StatusNormal
	}
	if prev == domain.StatusEmergency && next == domain.StatusWarning {
		return domain.StatusEmergency
	}
	return next
}

// convert liquidates every Active bond below the threshold and records its
// conversion. Callers hold s.mu.
func (s *FallbackService) convert(ctx context.Context, snap domain.VaultSnapshot) ([]domain.Event, error) {
	threshold, rate := s.currentThreshold(), s.currentRate()
	var evs []domain.Event
	var count, total uint64
	for _, b := range snap.ActiveBonds {
		if b.CollateralRatio >= threshold {
			continue
		}
		bond, err := s.liquidator.LiquidateBond(ctx, domain.FallbackExecutor, b.ID)
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			s.logger.InfoContext(ctx, "bond already closed, skipping conversion", slog.Uint64("bond", b.ID))
			continue
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "emergency liquidation failed", slog.Uint64("bond", b.ID), slog.String("error", err.Error()))
			continue
		}

		conv := domain.Conversion{
			ID:              uint64(len(s.conversions)) + 1,
			BondID:          bond.ID,
			OriginalAmount:  bond.Amount,
			ConvertedAmount: convertAmount(bond.Amount, rate),
			ConversionRate:  rate,
			Status:          domain.ConversionPending,
		}
		conv.TriggeredAt = s.rec.now()
		created, err := s.rec.record(ctx, evConversionCreated, conv.TriggeredAt, conv)
		if err == nil {
			err = s.apply(created)
		}
		if err != nil {
			return evs, fmt.Errorf("record conversion for bond %d: %w", bond.ID, err)
		}
		evs = append(evs, created)

		done, err := s.commit(ctx, evConversionCompleted, conversionCompleted{ID: conv.ID})
		if err != nil {
			return evs, fmt.Errorf("complete conversion %d: %w", conv.ID, err)
		}
		evs = append(evs, done)
		count++
		total += conv.ConvertedAmount
		s.logger.WarnContext(ctx, "bond converted",
			slog.Uint64("bond", bond.ID),
			slog.Uint64("original", conv.OriginalAmount),
			slog.Uint64("converted", conv.ConvertedAmount),
			slog.Float64("rate", rate),
		)
	}

	action := s.newAction(domain.ActionEmergencyConversion,
		fmt.Sprintf("converted %d bonds into %d units at rate %.4f", count, total, rate),
		domain.FallbackExecutor, domain.ActionCompleted)
	ev, err := s.commit(ctx, evEmergencyConverted, actionLogged{Action: action})
	if err != nil {
		return evs, fmt.Errorf("log emergency conversion: %w", err)
	}
	return append(evs, ev), nil
}

// completePending finishes conversions left Pending by an interrupted
// check. Callers hold s.mu.
func (s *FallbackService) completePending(ctx context.Context) ([]domain.Event, error) {
	var evs []domain.Event
	for _, c := range s.ListConversions(ctx, domain.ListOpts{}) {
		if c.Status != domain.ConversionPending {
			continue
		}
		ev, err := s.commit(ctx, evConversionCompleted, conversionCompleted{ID: c.ID})
		if err != nil {
			return evs, fmt.Errorf("complete conversion %d: %w", c.ID, err)
		}
		s.logger.InfoContext(ctx, "pending conversion completed", slog.Uint64("id", c.ID))
		evs = append(evs, ev)
	}
	return evs, nil
}

// PauseSystem halts deposits, withdrawals, distributions and claims.
func (s *FallbackService) PauseSystem(ctx context.Context, caller domain.Principal, reason string) (domain.EmergencyAction, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.EmergencyAction{}, fmt.Errorf("fallback: pause: %w", err)
	}

	s.mu.Lock()
	if s.pause.Paused() {
		s.mu.Unlock()
		return domain.EmergencyAction{}, fmt.Errorf("fallback: pause: %w", domain.ErrSystemPaused)
	}
	if reason == "" {
		reason = "system paused"
	}
	action := s.newAction(domain.ActionPause, reason, caller, domain.ActionActive)
	ev, err := s.commit(ctx, evPaused, actionLogged{Action: action})
	s.mu.Unlock()
	if err != nil {
		return domain.EmergencyAction{}, fmt.Errorf("fallback: pause: %w", err)
	}

	s.logger.WarnContext(ctx, "system paused", slog.String("by", string(caller)), slog.String("reason", reason))
	s.rec.publish(ctx, ev)
	return action, nil
}

// ResumeSystem clears the pause and completes the open pause actions.
func (s *FallbackService) ResumeSystem(ctx context.Context, caller domain.Principal) (domain.EmergencyAction, error) {
	if err := s.authz.RequireAdmin(caller); err != nil {
		return domain.EmergencyAction{}, fmt.Errorf("fallback: resume: %w", err)
	}

	s.mu.Lock()
	if !s.pause.Paused() {
		s.mu.Unlock()
		return domain.EmergencyAction{}, fmt.Errorf("fallback: resume: system not paused: %w", domain.ErrInvalidParameter)
	}
	var open []uint64
	for _, a := range s.ListEmergencyActions(ctx, domain.ListOpts{}) {
		if a.Type == domain.ActionPause && a.Status == domain.ActionActive {
			open = append(open, a.ID)
		}
	}
	action := s.newAction(domain.ActionResume, "system resumed", caller, domain.ActionCompleted)
	ev, err := s.commit(ctx, evResumed, actionLogged{Action: action, Completes: open})
	s.mu.Unlock()
	if err != nil {
		return domain.EmergencyAction{}, fmt.Errorf("fallback: resume: %w", err)
	}

	s.logger.WarnContext(ctx, "system resumed", slog.String("by", string(caller)))
	s.rec.publish(ctx, ev)
	return action, nil
}

// UpdateConversionRate sets the rate future conversions use. Completed
// conversions keep their rate.
func (s *FallbackService) UpdateConversionRate(ctx context.Context, caller domain.Principal, rate float64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("fallback: update conversion rate: %w", err)
	}
	if err := checkValue(rate); err != nil {
		return fmt.Errorf("fallback: update conversion rate: %w", err)
	}

	s.mu.Lock()
	action := s.newAction(domain.ActionRateUpdate, fmt.Sprintf("conversion rate set to %.4f", rate), caller, domain.ActionCompleted)
	ev, err := s.commit(ctx, evRateUpdated, actionLogged{Action: action, Value: rate})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fallback: update conversion rate: %w", err)
	}
	s.logger.InfoContext(ctx, "conversion rate updated", slog.Float64("rate", rate), slog.String("by", string(caller)))
	s.rec.publish(ctx, ev)
	return nil
}

// UpdateEmergencyThreshold sets the Emergency threshold and re-runs the
// check against it. The threshold stands once committed; a failed re-check
// is logged and left to the next vault change or monitor tick.
func (s *FallbackService) UpdateEmergencyThreshold(ctx context.Context, caller domain.Principal, threshold float64) error {
	if err := s.authz.RequireAdminOr(caller, domain.GovernanceExecutor); err != nil {
		return fmt.Errorf("fallback: update emergency threshold: %w", err)
	}
	if err := checkValue(threshold); err != nil {
		return fmt.Errorf("fallback: update emergency threshold: %w", err)
	}

	s.mu.Lock()
	action := s.newAction(domain.ActionRateUpdate, fmt.Sprintf("emergency threshold set to %.4f", threshold), caller, domain.ActionCompleted)
	ev, err := s.commit(ctx, evThresholdUpdated, actionLogged{Action: action, Value: threshold})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fallback: update emergency threshold: %w", err)
	}
	s.logger.InfoContext(ctx, "emergency threshold updated", slog.Float64("threshold", threshold), slog.String("by", string(caller)))
	s.rec.publish(ctx, ev)

	if _, err := s.Check(ctx); err != nil {
		s.logger.ErrorContext(ctx, "fallback check after threshold update failed", slog.String("error", err.Error()))
	}
	return nil
}

// GetStats reports conversion totals and current health.
func (s *FallbackService) GetStats(ctx context.Context) domain.FallbackStats {
	snap := s.vault.Snapshot(ctx)
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	stats := domain.FallbackStats{
		TotalConversions:       uint64(len(s.conversions)),
		EmergencyThreshold:     s.threshold,
		ConversionRate:         s.rate,
		CurrentCollateralRatio: snap.AverageCollateralRatio,
		SystemStatus:           s.status,
		Paused:                 s.pause.Paused(),
	}
	for _, c := range s.conversions {
		switch c.Status {
		case domain.ConversionCompleted:
			stats.TotalConverted += c.ConvertedAmount
		case domain.ConversionPending:
			stats.PendingConversions++
		}
	}
	return stats
}

// SystemStatus returns the status recorded by the last check.
func (s *FallbackService) SystemStatus(_ context.Context) domain.SystemStatus {
	return s.currentStatus()
}

// ListConversions returns conversions oldest first.
func (s *FallbackService) ListConversions(_ context.Context, opts domain.ListOpts) []domain.Conversion {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.Conversion, len(s.conversions))
	copy(out, s.conversions)
	return paginate(out, opts)
}

// ListEmergencyActions returns the action log oldest first.
func (s *FallbackService) ListEmergencyActions(_ context.Context, opts domain.ListOpts) []domain.EmergencyAction {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]domain.EmergencyAction, len(s.actions))
	copy(out, s.actions)
	return paginate(out, opts)
}

// convertAmount returns floor(amount * rate) with the rate fixed to six
// decimals.
func convertAmount(amount uint64, rate float64) uint64 {
	micro := uint256.NewInt(uint64(math.Round(rate * rateScale)))
	v := new(uint256.Int).Mul(uint256.NewInt(amount), micro)
	v.Div(v, uint256.NewInt(rateScale))
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func (s *FallbackService) newAction(typ domain.EmergencyActionType, desc string, by domain.Principal, status domain.EmergencyActionStatus) domain.EmergencyAction {
	s.stateMu.RLock()
	id := uint64(len(s.actions)) + 1
	s.stateMu.RUnlock()
	return domain.EmergencyAction{
		ID:          id,
		Type:        typ,
		Description: desc,
		TriggeredBy: by,
		Timestamp:   s.rec.now(),
		Status:      status,
	}
}

func (s *FallbackService) currentStatus() domain.SystemStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

func (s *FallbackService) currentThreshold() float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.threshold
}

func (s *FallbackService) currentRate() float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.rate
}

func (s *FallbackService) commit(ctx context.Context, typ string, payload any) (domain.Event, error) {
	ts := s.rec.now()
	if a, ok := payload.(actionLogged); ok {
		ts = a.Action.Timestamp
	}
	ev, err := s.rec.record(ctx, typ, ts, payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "fallback append failed", slog.String("type", typ), slog.String("error", err.Error()))
		return domain.Event{}, err
	}
	if err := s.apply(ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *FallbackService) apply(ev domain.Event) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch ev.Type {
	case evStatusChanged:
		p, err := decode[statusChanged](ev)
		if err != nil {
			return err
		}
		s.status = p.To
	case evConversionCreated:
		c, err := decode[domain.Conversion](ev)
		if err != nil {
			return err
		}
		s.conversions = append(s.conversions, c)
	case evConversionCompleted:
		p, err := decode[conversionCompleted](ev)
		if err != nil {
			return err
		}
		if p.ID == 0 || p.ID > uint64(len(s.conversions)) {
			return fmt.Errorf("conversion %d: %w", p.ID, domain.ErrNotFound)
		}
		c := &s.conversions[p.ID-1]
		at := ev.RecordedAt
		c.Status = domain.ConversionCompleted
		c.CompletedAt = &at
	case evEmergencyConverted, evPaused, evResumed, evRateUpdated, evThresholdUpdated:
		p, err := decode[actionLogged](ev)
		if err != nil {
			return err
		}
		s.actions = append(s.actions, p.Action)
		switch ev.Type {
		case evPaused:
			s.pause.set(true)
		case evResumed:
			s.pause.set(false)
			for _, id := range p.Completes {
				if id > 0 && id <= uint64(len(s.actions)) {
					s.actions[id-1].Status = domain.ActionCompleted
				}
			}
		case evRateUpdated:
			s.rate = p.Value
		case evThresholdUpdated:
			s.threshold = p.Value
		}
	default:
		return fmt.Errorf("unknown fallback event %q", ev.Type)
	}
	return nil
}
