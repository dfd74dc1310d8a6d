package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/store/memory"
)

type fallbackFixture struct {
	*vaultFixture
	fallback *FallbackService
}

func newTestFallback(t *testing.T, threshold float64) *fallbackFixture {
	t.Helper()
	vf := newTestVault(t, 1.0)
	fb := NewFallbackService(vf.log, nil, testAuthz(t), vf.vault, vf.vault, vf.pause, FallbackConfig{
		EmergencyThreshold: threshold,
		ConversionRate:     0.8,
		WarningMargin:      0.1,
	}, vf.clock.Now, testLogger())
	vf.vault.Observe(fb.OnVaultChange)
	return &fallbackFixture{vaultFixture: vf, fallback: fb}
}

func TestFallbackService_EmergencyTrigger(t *testing.T) {
	ctx := context.Background()
	f := newTestFallback(t, 1.2)

	b1, err := f.vault.DepositBond(ctx, "alice", 1000, 1.5)
	require.NoError(t, err)
	b2, err := f.vault.DepositBond(ctx, "bob", 2000, 1.4)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNormal, f.fallback.SystemStatus(ctx))

	_, err = f.vault.UpdateBondRatio(ctx, admin, b1.ID, 1.1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWarning, f.fallback.SystemStatus(ctx))
	assert.InDelta(t, 1.25, f.fallback.GetStats(ctx).CurrentCollateralRatio, 1e-9)

	_, err = f.vault.UpdateBondRatio(ctx, admin, b2.ID, 1.2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmergency, f.fallback.SystemStatus(ctx))

	got1, err := f.vault.GetBond(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BondLiquidated, got1.Status)
	got2, err := f.vault.GetBond(ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BondActive, got2.Status, "bond at the threshold is not at risk")

	convs := f.fallback.ListConversions(ctx, domain.ListOpts{})
	require.Len(t, convs, 1)
	assert.Equal(t, b1.ID, convs[0].BondID)
	assert.Equal(t, uint64(1000), convs[0].OriginalAmount)
	assert.Equal(t, uint64(800), convs[0].ConvertedAmount)
	assert.Equal(t, domain.ConversionCompleted, convs[0].Status)
	assert.NotNil(t, convs[0].CompletedAt)

	actions := f.fallback.ListEmergencyActions(ctx, domain.ListOpts{})
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionEmergencyConversion, actions[0].Type)
	assert.Equal(t, domain.FallbackExecutor, actions[0].TriggeredBy)

	// Mean is now 1.2, inside the warning band: Emergency holds.
	status, err := f.fallback.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmergency, status)
	assert.Len(t, f.fallback.ListConversions(ctx, domain.ListOpts{}), 1)

	stats := f.fallback.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.TotalConversions)
	assert.Equal(t, uint64(800), stats.TotalConverted)
	assert.Zero(t, stats.PendingConversions)

	// A Normal reading clears the emergency.
	_, err = f.vault.UpdateBondRatio(ctx, admin, b2.ID, 1.5)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNormal, f.fallback.SystemStatus(ctx))
}

func TestFallbackService_NoActiveBondsIsNormal(t *testing.T) {
	ctx := context.Background()
	f := newTestFallback(t, 1.2)
	status, err := f.fallback.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNormal, status)
	assert.Zero(t, f.fallback.GetStats(ctx).CurrentCollateralRatio)
}

func TestFallbackService_PauseResume(t *testing.T) {
	ctx := context.Background()
	f := newTestFallback(t, 1.2)
	bond, err := f.vault.DepositBond(ctx, "alice", 1000, 1.5)
	require.NoError(t, err)

	_, err = f.fallback.PauseSystem(ctx, "alice", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	pause, err := f.fallback.PauseSystem(ctx, admin, "incident")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionActive, pause.Status)
	assert.True(t, f.fallback.GetStats(ctx).Paused)

	_, err = f.vault.WithdrawBond(ctx, "alice", bond.ID)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = f.fallback.PauseSystem(ctx, admin, "again")
	assert.ErrorIs(t, err, domain.ErrSystemPaused)

	resume, err := f.fallback.ResumeSystem(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, resume.Status)

	actions := f.fallback.ListEmergencyActions(ctx, domain.ListOpts{})
	require.Len(t, actions, 2)
	assert.Equal(t, domain.ActionPause, actions[0].Type)
	assert.Equal(t, domain.ActionCompleted, actions[0].Status)
	assert.Equal(t, "incident", actions[0].Description)

	_, err = f.vault.WithdrawBond(ctx, "alice", bond.ID)
	assert.NoError(t, err)
	_, err = f.fallback.ResumeSystem(ctx, admin)
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestFallbackService_UpdateParameters(t *testing.T) {
	ctx := context.Background()
	f := newTestFallback(t, 1.2)
	_, err := f.vault.DepositBond(ctx, "alice", 1000, 1.5)
	require.NoError(t, err)

	tests := []struct {
		name    string
		caller  domain.Principal
		value   float64
		wantErr error
	}{
		{"rejects holder", "alice", 0.9, domain.ErrUnauthorized},
		{"rejects fallback executor", domain.FallbackExecutor, 0.9, domain.ErrUnauthorized},
		{"rejects zero", admin, 0, domain.ErrInvalidParameter},
		{"rejects negative", admin, -1, domain.ErrInvalidParameter},
		{"accepts governance", domain.GovernanceExecutor, 0.9, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.fallback.UpdateConversionRate(ctx, tt.caller, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Equal(t, 0.9, f.fallback.GetStats(ctx).ConversionRate)

	// Raising the threshold above the vault mean re-runs the check.
	require.NoError(t, f.fallback.UpdateEmergencyThreshold(ctx, admin, 1.6))
	stats := f.fallback.GetStats(ctx)
	assert.Equal(t, 1.6, stats.EmergencyThreshold)
	assert.Equal(t, domain.StatusEmergency, stats.SystemStatus)
	convs := f.fallback.ListConversions(ctx, domain.ListOpts{})
	require.Len(t, convs, 1)
	assert.Equal(t, uint64(900), convs[0].ConvertedAmount)

	var rateUpdates int
	for _, a := range f.fallback.ListEmergencyActions(ctx, domain.ListOpts{}) {
		if a.Type == domain.ActionRateUpdate {
			rateUpdates++
		}
	}
	assert.Equal(t, 2, rateUpdates)
}

func TestFallbackService_ThresholdStandsWhenRecheckFails(t *testing.T) {
	ctx := context.Background()
	f := newTestFallback(t, 1.2)
	_, err := f.vault.DepositBond(ctx, "alice", 1000, 1.5)
	require.NoError(t, err)

	// The threshold append succeeds, the status change it triggers does not.
	f.log.FailNextAfter(1, errors.New("disk full"))
	require.NoError(t, f.fallback.UpdateEmergencyThreshold(ctx, admin, 1.6))
	assert.Equal(t, 1.6, f.fallback.GetStats(ctx).EmergencyThreshold)
	assert.Empty(t, f.fallback.ListConversions(ctx, domain.ListOpts{}))

	status, err := f.fallback.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmergency, status)
	assert.Len(t, f.fallback.ListConversions(ctx, domain.ListOpts{}), 1)
}

type stubLiquidator struct {
	err error
}

func (s stubLiquidator) LiquidateBond(_ context.Context, _ domain.Principal, id uint64) (domain.Bond, error) {
	return domain.Bond{}, s.err
}

type stubVault struct {
	snap domain.VaultSnapshot
}

func (s stubVault) Snapshot(context.Context) domain.VaultSnapshot { return s.snap }

func TestFallbackService_TerminalBondSkipped(t *testing.T) {
	ctx := context.Background()
	view := stubVault{snap: domain.VaultSnapshot{
		ActiveBonds:            []domain.Bond{{ID: 7, Amount: 100, CollateralRatio: 1.0, Status: domain.BondActive}},
		AverageCollateralRatio: 1.0,
	}}
	fb := NewFallbackService(memory.NewEventStore(), nil, testAuthz(t), view,
		stubLiquidator{err: domain.ErrAlreadyTerminal}, NewPauseSwitch(),
		FallbackConfig{EmergencyThreshold: 1.2, ConversionRate: 0.8}, newTestClock().Now, testLogger())

	status, err := fb.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmergency, status)
	assert.Empty(t, fb.ListConversions(ctx, domain.ListOpts{}))
}

func TestFallbackService_CompletesPendingConversions(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventStore()
	view := stubVault{snap: domain.VaultSnapshot{
		ActiveBonds:            []domain.Bond{{ID: 1, Amount: 100, CollateralRatio: 1.0, Status: domain.BondActive}},
		AverageCollateralRatio: 1.0,
	}}
	liq := &fakeLiquidator{}
	cfg := FallbackConfig{EmergencyThreshold: 1.2, ConversionRate: 0.5}
	fb := NewFallbackService(log, nil, testAuthz(t), view, liq, NewPauseSwitch(), cfg, newTestClock().Now, testLogger())

	// Fail the append that would complete the conversion.
	liq.onLiquidate = func() { log.FailNextAfter(1, errors.New("crash")) }
	_, err := fb.Check(ctx)
	require.Error(t, err)
	convs := fb.ListConversions(ctx, domain.ListOpts{})
	require.Len(t, convs, 1)
	assert.Equal(t, domain.ConversionPending, convs[0].Status)

	restarted := NewFallbackService(log, nil, testAuthz(t), view, liq, NewPauseSwitch(), cfg, newTestClock().Now, testLogger())
	require.NoError(t, restarted.Replay(ctx))
	assert.Equal(t, uint64(1), restarted.GetStats(ctx).PendingConversions)

	_, err = restarted.Check(ctx)
	require.NoError(t, err)
	stats := restarted.GetStats(ctx)
	assert.Zero(t, stats.PendingConversions)
	assert.Equal(t, uint64(50), stats.TotalConverted)
}

type fakeLiquidator struct {
	onLiquidate func()
}

func (f *fakeLiquidator) LiquidateBond(_ context.Context, _ domain.Principal, id uint64) (domain.Bond, error) {
	if f.onLiquidate != nil {
		f.onLiquidate()
		f.onLiquidate = nil
	}
	return domain.Bond{ID: id, Amount: 100, Status: domain.BondLiquidated}, nil
}

func TestConvertAmount(t *testing.T) {
	tests := []struct {
		amount uint64
		rate   float64
		want   uint64
	}{
		{1000, 0.8, 800},
		{999, 0.5, 499},
		{1, 0.999999, 0},
		{3, 1.5, 4},
		{1 << 62, 2, 1 << 63},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, convertAmount(tt.amount, tt.rate), "%d * %v", tt.amount, tt.rate)
	}
}
