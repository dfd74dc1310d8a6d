package service

import (
	"context"
	"log/slog"
	"time"
)

// OnVaultChange runs a check after a vault mutation. It matches
// VaultObserver.
func (s *FallbackService) OnVaultChange(ctx context.Context) {
	if _, err := s.Check(ctx); err != nil {
		s.logger.ErrorContext(ctx, "fallback check after vault change failed", slog.String("error", err.Error()))
	}
}

// FallbackMonitor runs fallback checks on a fixed interval so threshold
// crossings are caught even without vault traffic.
type FallbackMonitor struct {
	fallback *FallbackService
	interval time.Duration
	logger   *slog.Logger
}

// NewFallbackMonitor creates a FallbackMonitor. interval defaults to 30s.
func NewFallbackMonitor(fallback *FallbackService, interval time.Duration, logger *slog.Logger) *FallbackMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FallbackMonitor{
		fallback: fallback,
		interval: interval,
		logger:   logger.With(slog.String("component", "fallback_monitor")),
	}
}

// Run checks until ctx is cancelled. Call in a goroutine.
func (m *FallbackMonitor) Run(ctx context.Context) error {
	m.check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *FallbackMonitor) check(ctx context.Context) {
	status, err := m.fallback.Check(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "fallback check failed", slog.String("error", err.Error()))
		return
	}
	m.logger.DebugContext(ctx, "fallback check", slog.String("status", string(status)))
}
