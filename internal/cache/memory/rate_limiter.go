// Package memory provides single-process stand-ins for the Redis-backed
// cache interfaces.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

var _ domain.RateLimiter = (*RateLimiter)(nil)

// RateLimiter keeps one token bucket per key. Buckets idle for longer than
// their window are evicted.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *gocache.Cache
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: gocache.New(10*time.Minute, 10*time.Minute)}
}

// Allow takes one token from key's bucket, which refills limit tokens per
// window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("memory: rate limit %s: %w", key, domain.ErrInvalidParameter)
	}
	id := fmt.Sprintf("%s|%d|%s", key, limit, window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	var l *rate.Limiter
	if v, ok := rl.buckets.Get(id); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	}
	rl.buckets.Set(id, l, window)
	return l.Allow(), nil
}
