// Package pipeline holds scheduled background jobs that operate on the event
// log outside the request path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/robfig/cron/v3"
)

// Archiver runs a domain.Archiver on a retention window.
type Archiver struct {
	events    domain.Archiver
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver that archives events older than
// retentionDays.
func NewArchiver(events domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		events:    events,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce archives everything older than the retention window.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	n, err := a.events.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive events before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("events", n))
	return n, nil
}

// RunCron runs the archiver on a standard 5-field cron schedule until ctx is
// cancelled. A failed run is logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archiver scheduled", slog.String("cron", expr))

	for {
		next := sched.Next(a.now().UTC())
		if next.IsZero() {
			return fmt.Errorf("pipeline: schedule %q never fires", expr)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ParseSchedule parses a "minute hour day-of-month month day-of-week"
// expression. Ranges, lists, steps and descriptors such as @daily are
// accepted. When both day fields are restricted a time matching either fires.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	return sched, nil
}
