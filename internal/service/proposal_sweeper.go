package service

import (
	"context"
	"log/slog"
	"time"
)

// ProposalSweeper periodically settles proposals whose voting window closed.
type ProposalSweeper struct {
	gov      *GovernanceService
	interval time.Duration
	logger   *slog.Logger
}

// NewProposalSweeper creates a ProposalSweeper. interval defaults to one minute.
func NewProposalSweeper(gov *GovernanceService, interval time.Duration, logger *slog.Logger) *ProposalSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProposalSweeper{
		gov:      gov,
		interval: interval,
		logger:   logger.With(slog.String("component", "proposal_sweeper")),
	}
}

// Run sweeps until ctx is cancelled. Call in a goroutine.
func (s *ProposalSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *ProposalSweeper) sweep(ctx context.Context) {
	n, err := s.gov.ResolveExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "proposal sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "proposals resolved", slog.Int("count", n))
	}
}
