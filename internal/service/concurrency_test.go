package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

func TestVaultService_PauseWhileWaitingForWriter(t *testing.T) {
	ctx := context.Background()
	f := newTestVault(t, 1.0)
	bond, err := f.vault.DepositBond(ctx, "alice", 500, 1.5)
	require.NoError(t, err)

	// Hold the writer lock so both calls queue behind it, then pause.
	f.vault.mu.Lock()
	started := make(chan struct{})
	errs := make(chan error, 2)
	go func() {
		close(started)
		_, err := f.vault.WithdrawBond(ctx, "alice", bond.ID)
		errs <- err
	}()
	go func() {
		_, err := f.vault.DepositBond(ctx, "bob", 500, 1.5)
		errs <- err
	}()
	<-started
	f.pause.set(true)
	f.vault.mu.Unlock()

	for range 2 {
		assert.ErrorIs(t, <-errs, domain.ErrSystemPaused)
	}
	got, err := f.vault.GetBond(ctx, bond.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BondActive, got.Status)
	assert.Equal(t, uint64(1), f.vault.GetVaultStats(ctx).TotalBonds)
}

func TestSplitterService_PauseWhileWaitingForWriter(t *testing.T) {
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t, domain.Recipient{Identity: "dev", Percentage: 100, Role: domain.RoleDeveloper})
	_, err := f.splitter.DistributeRevenue(ctx, admin, 500)
	require.NoError(t, err)

	f.splitter.mu.Lock()
	errs := make(chan error, 2)
	go func() {
		_, err := f.splitter.Claim(ctx, "dev")
		errs <- err
	}()
	go func() {
		_, err := f.splitter.DistributeRevenue(ctx, admin, 500)
		errs <- err
	}()
	f.pause.set(true)
	f.splitter.mu.Unlock()

	for range 2 {
		assert.ErrorIs(t, <-errs, domain.ErrSystemPaused)
	}
	assert.Equal(t, uint64(500), f.splitter.PendingClaim(ctx, "dev"))
}

func TestVaultService_ConcurrentCloseIsExclusive(t *testing.T) {
	const (
		bonds      = 16
		withdrawer = 4
	)
	ctx := context.Background()
	f := newTestFallback(t, 1.2)
	ids := make([]uint64, bonds)
	for i := range ids {
		b, err := f.vault.DepositBond(ctx, "alice", 100, 1.5)
		require.NoError(t, err)
		ids[i] = b.ID
	}
	before := f.log.Len()

	wins := make([]atomic.Int32, bonds)
	var unexpected atomic.Int32
	var wg sync.WaitGroup
	for i, id := range ids {
		for range withdrawer {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.vault.WithdrawBond(ctx, "alice", id)
				switch {
				case err == nil:
					wins[i].Add(1)
				case !errors.Is(err, domain.ErrAlreadyTerminal):
					unexpected.Add(1)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.vault.LiquidateBond(ctx, admin, id)
			switch {
			case err == nil:
				wins[i].Add(1)
			case !errors.Is(err, domain.ErrAlreadyTerminal):
				unexpected.Add(1)
			}
		}()
	}

	// Fallback checks and readers run alongside the writers.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	var badReads atomic.Int32
	readers.Add(2)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if status, err := f.fallback.Check(ctx); err != nil || status != domain.StatusNormal {
				badReads.Add(1)
			}
		}
	}()
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := f.vault.GetVaultStats(ctx)
			if st.ActiveBonds*100+st.TotalWithdrawn+st.TotalLiquidated != st.TotalDeposited {
				badReads.Add(1)
			}
			if snap := f.vault.Snapshot(ctx); len(snap.ActiveBonds) > 0 && snap.AverageCollateralRatio != 1.5 {
				badReads.Add(1)
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Zero(t, unexpected.Load())
	assert.Zero(t, badReads.Load())
	for i := range wins {
		assert.Equal(t, int32(1), wins[i].Load(), "bond %d", ids[i])
	}
	stats := f.vault.GetVaultStats(ctx)
	assert.Zero(t, stats.ActiveBonds)
	assert.Equal(t, uint64(bonds*100), stats.TotalWithdrawn+stats.TotalLiquidated)
	assert.Equal(t, before+bonds, f.log.Len(), "one close event per bond")
}

func TestSplitterService_ConcurrentDistributeAndClaim(t *testing.T) {
	const rounds = 20
	ctx := context.Background()
	f := newTestSplitter(t)
	f.register(t,
		domain.Recipient{Identity: "dev1", Percentage: 30, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "dev2", Percentage: 30, Role: domain.RoleDeveloper},
		domain.Recipient{Identity: "founder", Percentage: 25, Role: domain.RoleFounder},
		domain.Recipient{Identity: "investor", Percentage: 15, Role: domain.RoleInvestor},
	)
	claimants := []domain.Principal{"dev1", "dev2", "founder", "investor"}

	var claimed atomic.Uint64
	var failures atomic.Int32
	var wg sync.WaitGroup
	for range rounds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.splitter.DistributeRevenue(ctx, admin, 10000); err != nil {
				failures.Add(1)
			}
		}()
		for _, who := range claimants {
			wg.Add(1)
			go func() {
				defer wg.Done()
				paid, err := f.splitter.Claim(ctx, who)
				switch {
				case err == nil:
					claimed.Add(paid)
				case !errors.Is(err, domain.ErrNotFound):
					failures.Add(1)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, d := range f.splitter.ListDistributions(ctx, domain.ListOpts{}) {
				if d.Allocated() != d.TotalAmount {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	stats := f.splitter.GetStats(ctx)
	assert.Equal(t, uint64(rounds), stats.TotalDistributions)
	assert.Equal(t, uint64(rounds*10000), stats.TotalRevenue)
	assert.Equal(t, stats.TotalRevenue, claimed.Load()+stats.PendingClaims)
}
