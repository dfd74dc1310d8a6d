package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// WriterLeaseKey names the lock held by the single process allowed to
// append to the event log.
const WriterLeaseKey = "treasury:writer"

// WriterLease holds the writer lock and keeps it alive.
type WriterLease struct {
	locks  domain.LockManager
	ttl    time.Duration
	unlock func()
	logger *slog.Logger
}

// NewWriterLease creates a lease. ttl defaults to 30 seconds.
func NewWriterLease(locks domain.LockManager, ttl time.Duration, logger *slog.Logger) *WriterLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &WriterLease{
		locks:  locks,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "writer_lease")),
	}
}

// Acquire takes the lease. It fails with domain.ErrLockHeld when another
// process is the writer.
func (l *WriterLease) Acquire(ctx context.Context) error {
	unlock, err := l.locks.Acquire(ctx, WriterLeaseKey, l.ttl)
	if err != nil {
		return fmt.Errorf("writer lease: %w", err)
	}
	l.unlock = unlock
	l.logger.InfoContext(ctx, "writer lease acquired", slog.Duration("ttl", l.ttl))
	return nil
}

// Run extends the lease every third of its TTL until ctx is cancelled, then
// releases it. A failed extension ends Run with an error so the process
// stops writing.
func (l *WriterLease) Run(ctx context.Context) error {
	if l.unlock == nil {
		return fmt.Errorf("writer lease: run before acquire")
	}
	defer l.unlock()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "writer lease released")
			return ctx.Err()
		case <-ticker.C:
			if err := l.locks.Extend(ctx, WriterLeaseKey, l.ttl); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.logger.ErrorContext(ctx, "writer lease lost", slog.String("error", err.Error()))
				return fmt.Errorf("writer lease: %w", err)
			}
		}
	}
}
