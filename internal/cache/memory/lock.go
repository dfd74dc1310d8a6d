package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

type heldLock struct {
	token   string
	expires time.Time
}

// LockManager is an in-process domain.LockManager with TTL expiry.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]heldLock
	now   func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]heldLock), now: time.Now}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld while another
// unexpired holder has it.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if h, ok := lm.locks[key]; ok && lm.now().Before(h.expires) {
		return nil, fmt.Errorf("memory: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	token := uuid.NewString()
	lm.locks[key] = heldLock{token: token, expires: lm.now().Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if lm.locks[key].token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

// Extend pushes the expiry of a held lock out to now+ttl.
func (lm *LockManager) Extend(_ context.Context, key string, ttl time.Duration) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	h, ok := lm.locks[key]
	if !ok || !lm.now().Before(h.expires) {
		return fmt.Errorf("memory: extend lock %s: %w", key, domain.ErrLockHeld)
	}
	h.expires = lm.now().Add(ttl)
	lm.locks[key] = h
	return nil
}
