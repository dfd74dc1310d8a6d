package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/cache/memory"
	"github.com/alanyoungcy/daotreasury/internal/domain"
)

func TestWriterLease_SingleWriter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	locks := memory.NewLockManager()

	first := NewWriterLease(locks, time.Minute, testLogger())
	require.NoError(t, first.Acquire(ctx))

	second := NewWriterLease(locks, time.Minute, testLogger())
	require.ErrorIs(t, second.Acquire(ctx), domain.ErrLockHeld)

	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("lease did not stop")
	}

	assert.NoError(t, second.Acquire(context.Background()), "released on shutdown")
}

func TestWriterLease_RunBeforeAcquire(t *testing.T) {
	l := NewWriterLease(memory.NewLockManager(), time.Second, testLogger())
	assert.Error(t, l.Run(context.Background()))
}
