package service

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/store/memory"
)

const admin domain.Principal = "admin"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthz(t *testing.T) *authz.Authorizer {
	t.Helper()
	a, err := authz.New([]string{string(admin)})
	require.NoError(t, err)
	return a
}

type vaultFixture struct {
	log   *memory.EventStore
	clock *testClock
	pause *PauseSwitch
	vault *VaultService
}

func newTestVault(t *testing.T, minRatio float64) *vaultFixture {
	t.Helper()
	f := &vaultFixture{
		log:   memory.NewEventStore(),
		clock: newTestClock(),
		pause: NewPauseSwitch(),
	}
	f.vault = NewVaultService(f.log, nil, testAuthz(t), f.pause, minRatio, f.clock.Now, testLogger())
	return f
}
