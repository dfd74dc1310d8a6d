// Package app provides the top-level application lifecycle for the treasury.
// It wires the event log, caches, blob storage, services and notifications,
// and runs the operations exposed by the CLI.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/config"
	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   domain.Clock
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		clock:  time.Now,
	}
}

// wire builds the dependencies and registers their cleanup.
func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
