package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "10.0.0.2", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestRateLimiter_RejectsBadLimits(t *testing.T) {
	_, err := NewRateLimiter().Allow(context.Background(), "k", 0, time.Second)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)
}
