package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/store/memory"
)

type splitterFixture struct {
	log      *memory.EventStore
	pause    *PauseSwitch
	splitter *SplitterService
}

func newTestSplitter(t *testing.T) *splitterFixture {
	t.Helper()
	f := &splitterFixture{log: memory.NewEventStore(), pause: NewPauseSwitch()}
	f.splitter = NewSplitterService(f.log, nil, testAuthz(t), f.pause, DefaultPriorityShareBps, newTestClock().Now, testLogger())
	return f
}

func (f *splitterFixture) register(t *testing.T, recipients ...domain.Recipient) {
	t.Helper()
	for _, r := range recipients {
		_, err := f.splitter.AddRecipient(context.Background(), admin, r.Identity, r.Percentage, r.Role)
		require.NoError(t, err)
	}
}

func TestSplitterService_AddRecipient(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t, domain.Recipient{Identity: "dev", Percentage: 60, Role: domain.RoleDeveloper})

	tests := []struct {
		name     string
		caller   domain.Principal
		identity domain.Principal
		pct      float64
		role     domain.RecipientRole
		wantErr  error
	}{
		{"requires admin", "dev", "x", 10, domain.RoleOther, domain.ErrUnauthorized},
		{"rejects duplicate", admin, "dev", 10, domain.RoleDeveloper, domain.ErrAlreadyExists},
		{"rejects overflow", admin, "founder", 40.1, domain.RoleFounder, domain.ErrPercentageOverflow},
		{"rejects zero share", admin, "founder", 0, domain.RoleFounder, domain.ErrInvalidParameter},
		{"rejects share above 100", admin, "founder", 100.5, domain.RoleFounder, domain.ErrInvalidParameter},
		{"rejects unknown role", admin, "founder", 10, "advisor", domain.ErrInvalidParameter},
		{"accepts exact fill", admin, "founder", 40, domain.RoleFounder, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.splitter.AddRecipient(ctx, tt.caller, tt.identity, tt.pct, tt.role)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Len(t, f.splitter.GetRecipients(ctx), 2)
}

func TestSplitterService_RoundsToTenths(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	r, err := f.splitter.AddRecipient(ctx, admin, "dev", 33.34, domain.RoleDeveloper)
	require.NoError(t, err)
	assert.Equal(t, 33.3, r.Percentage)
}

func TestSplitterService_UpdateAndRemoveRecipient(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t,
		domain.Recipient{Identity: "dev", Percentage: 60, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "founder", Percentage: 40, Role: domain.RoleFounder},
	)

	_, err := f.splitter.UpdateRecipient(ctx, admin, "dev", 61, domain.RoleDeveloper)
	assert.ErrorIs(t, err, domain.ErrPercentageOverflow)
	_, err = f.splitter.UpdateRecipient(ctx, admin, "nobody", 1, domain.RoleOther)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r, err := f.splitter.UpdateRecipient(ctx, admin, "dev", 50, domain.RoleDeveloper)
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.Percentage)

	assert.ErrorIs(t, f.splitter.RemoveRecipient(ctx, admin, "nobody"), domain.ErrNotFound)
	require.NoError(t, f.splitter.RemoveRecipient(ctx, admin, "founder"))
	assert.Equal(t, []domain.Recipient{{Identity: "dev", Percentage: 50, Role: domain.RoleDeveloper}}, f.splitter.GetRecipients(ctx))
}

func TestSplitterService_DistributeRevenue(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)

	_, err := f.splitter.DistributeRevenue(ctx, admin, 10000)
	assert.ErrorIs(t, err, domain.ErrNoRecipients)

	f.register(t,
		domain.Recipient{Identity: "dev1", Percentage: 30, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "dev2", Percentage: 30, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "founder", Percentage: 25, Role: domain.RoleFounder},
		domain.Recipient{Identity: "investor", Percentage: 15, Role: domain.RoleInvestor},
	)

	_, err = f.splitter.DistributeRevenue(ctx, admin, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.splitter.DistributeRevenue(ctx, "dev1", 100)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	d, err := f.splitter.DistributeRevenue(ctx, admin, 10000)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionCompleted, d.Status)
	assert.Equal(t, uint64(1), d.ID)
	assert.Equal(t, uint64(10000), d.Allocated())
	assert.Equal(t, uint64(4200), f.splitter.PendingClaim(ctx, "dev1"))

	stats := f.splitter.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.TotalDistributions)
	assert.Equal(t, uint64(10000), stats.TotalRevenue)
	assert.Equal(t, uint64(8400), stats.TotalDeveloperShare)
	assert.Equal(t, uint64(1000), stats.TotalFounderShare)
	assert.Equal(t, uint64(10000), stats.PendingClaims)

	got, err := f.splitter.GetDistribution(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestSplitterService_FailedDistribution(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t,
		domain.Recipient{Identity: "dev", Percentage: 30, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "founder", Percentage: 20, Role: domain.RoleFounder},
	)

	d, err := f.splitter.DistributeRevenue(ctx, admin, 10000)
	assert.ErrorIs(t, err, domain.ErrAllocationMismatch)
	assert.Equal(t, domain.DistributionFailed, d.Status)
	assert.NotEmpty(t, d.FailureReason)
	assert.Empty(t, d.Allocations)

	stats := f.splitter.GetStats(ctx)
	assert.Equal(t, uint64(1), stats.TotalDistributions)
	assert.Equal(t, uint64(1), stats.FailedDistributions)
	assert.Zero(t, stats.TotalRevenue)
	assert.Zero(t, stats.PendingClaims)

	// The subsystem stays usable once the registry is complete.
	f.register(t, domain.Recipient{Identity: "investor", Percentage: 50, Role: domain.RoleInvestor})
	d, err = f.splitter.DistributeRevenue(ctx, admin, 10000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.ID)
}

func TestSplitterService_Claim(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t, domain.Recipient{Identity: "dev", Percentage: 100, Role: domain.RoleDeveloper})
	_, err := f.splitter.DistributeRevenue(ctx, admin, 500)
	require.NoError(t, err)

	f.pause.set(true)
	_, err = f.splitter.Claim(ctx, "dev")
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	_, err = f.splitter.DistributeRevenue(ctx, admin, 500)
	assert.ErrorIs(t, err, domain.ErrSystemPaused)
	f.pause.set(false)

	paid, err := f.splitter.Claim(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), paid)

	_, err = f.splitter.Claim(ctx, "dev")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.splitter.GetStats(ctx).PendingClaims)
}

func TestSplitterService_UpdatePriorityShare(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	assert.ErrorIs(t, f.splitter.UpdatePriorityShare(ctx, "dev", 5000), domain.ErrUnauthorized)
	assert.ErrorIs(t, f.splitter.UpdatePriorityShare(ctx, admin, 10001), domain.ErrInvalidParameter)
	require.NoError(t, f.splitter.UpdatePriorityShare(ctx, domain.GovernanceExecutor, 5000))
	assert.Equal(t, uint64(5000), f.splitter.PriorityShareBps(ctx))
}

func TestSplitterService_Replay(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t,
		domain.Recipient{Identity: "dev", Percentage: 70, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "founder", Percentage: 30, Role: domain.RoleFounder},
	)
	_, err := f.splitter.DistributeRevenue(ctx, admin, 1001)
	require.NoError(t, err)
	_, err = f.splitter.Claim(ctx, "founder")
	require.NoError(t, err)
	require.NoError(t, f.splitter.UpdatePriorityShare(ctx, admin, 5000))

	rebuilt := NewSplitterService(f.log, nil, testAuthz(t), NewPauseSwitch(), DefaultPriorityShareBps, newTestClock().Now, testLogger())
	require.NoError(t, rebuilt.Replay(ctx))
	assert.Equal(t, f.splitter.GetStats(ctx), rebuilt.GetStats(ctx))
	assert.Equal(t, f.splitter.GetRecipients(ctx), rebuilt.GetRecipients(ctx))
	assert.Equal(t, f.splitter.ListDistributions(ctx, domain.ListOpts{}), rebuilt.ListDistributions(ctx, domain.ListOpts{}))
	assert.Zero(t, rebuilt.PendingClaim(ctx, "founder"))
}
