package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/daotreasury/internal/cache/redis"
	"github.com/alanyoungcy/daotreasury/internal/crypto"
	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/metrics"
	"github.com/alanyoungcy/daotreasury/internal/pipeline"
	"github.com/alanyoungcy/daotreasury/internal/server"
	"github.com/alanyoungcy/daotreasury/internal/server/handler"
	"github.com/alanyoungcy/daotreasury/internal/server/middleware"
	"github.com/alanyoungcy/daotreasury/internal/server/ws"
	"github.com/alanyoungcy/daotreasury/internal/service"
)

const (
	dispatchBuffer  = 1024
	shutdownTimeout = 10 * time.Second
)

// ErrArchiveDisabled is returned by Archive and Restore when S3 is not
// configured.
var ErrArchiveDisabled = errors.New("app: s3 archive is not enabled")

// Serve wires the stack, takes the writer lease when Redis is available,
// replays the log, and runs the HTTP server, websocket hub, event dispatcher,
// proposal sweeper and fallback monitor until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	deps, err := a.wire(ctx)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}

	var lease *service.WriterLease
	if a.cfg.Redis.Enabled {
		lease = service.NewWriterLease(deps.LockManager, a.cfg.Redis.LeaseTTL.Duration, a.logger)
		if err := lease.Acquire(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	dispatcher := service.NewDispatcher(dispatchBuffer, a.logger)
	t, err := NewTreasury(a.cfg, deps.Log, dispatcher, a.clock, a.logger)
	if err != nil {
		return err
	}
	if err := t.Bootstrap(ctx); err != nil {
		return err
	}

	hubCfg := ws.Config{Mode: "serve", StartedAt: a.clock()}
	if deps.SignalBus != nil {
		hubCfg.BackfillStream = redis.EventsStream
	}
	hub := ws.NewHub(deps.SignalBus, a.logger, hubCfg)
	if deps.SignalBus != nil {
		dispatcher.AddSink(redis.NewBusSink(deps.SignalBus))
	} else {
		dispatcher.AddSink(hub)
	}
	if deps.Notifier != nil {
		dispatcher.AddSink(deps.Notifier)
	}
	exporter := a.metrics(t, dispatcher)

	h, err := a.handlers(t, deps, exporter)
	if err != nil {
		return err
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Identity: middleware.IdentityConfig{
			Tokens:  h.tokens,
			MaxSkew: a.cfg.Auth.SignatureMaxSkew.Duration,
		},
	}, h.Handlers, hub, deps.RateLimiter, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		return service.NewProposalSweeper(t.Gov, a.cfg.Governance.SweepInterval.Duration, a.logger).Run(ctx)
	})
	g.Go(func() error {
		return service.NewFallbackMonitor(t.Fallback, a.cfg.Fallback.CheckInterval.Duration, a.logger).Run(ctx)
	})
	if lease != nil {
		g.Go(func() error { return lease.Run(ctx) })
	}
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.S3.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunCron(ctx, a.cfg.S3.ArchiveCron) })
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "treasury serving",
		slog.Int("port", a.cfg.Server.Port),
		slog.String("store", a.cfg.Store.Driver),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type serveHandlers struct {
	server.Handlers
	tokens middleware.TokenValidator
}

func (a *App) handlers(t *Treasury, deps *Dependencies, exporter *metrics.Exporter) (serveHandlers, error) {
	var out serveHandlers
	if a.cfg.Auth.JWTSecret != "" {
		issuer, err := crypto.NewTokenIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL.Duration)
		if err != nil {
			return out, fmt.Errorf("app: token issuer: %w", err)
		}
		out.tokens = issuer
	} else {
		a.logger.Warn("auth: jwt_secret not set; only signed requests are accepted")
	}

	out.Handlers = server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Status: handler.NewStatusHandler("serve", handler.StatusSources{
			Vault:      t.Vault,
			Splitter:   t.Splitter,
			Governance: t.Gov,
			Fallback:   t.Fallback,
		}),
		Vault:      handler.NewVaultHandler(t.Vault, a.logger),
		Splitter:   handler.NewSplitterHandler(t.Splitter, a.logger),
		Governance: handler.NewGovernanceHandler(t.Gov, a.logger),
		Ledger:     handler.NewLedgerHandler(t.Ledger, a.logger),
		Fallback:   handler.NewFallbackHandler(t.Fallback, a.logger),
		Events:     handler.NewEventsHandler(deps.Log, a.logger),
	}
	if exporter != nil {
		out.Metrics = exporter.Handler()
	}
	return out, nil
}

// metrics registers the Prometheus exporter as a sink and exposes the
// subsystem aggregates as gauges. It returns nil when metrics are disabled.
func (a *App) metrics(t *Treasury, dispatcher *service.Dispatcher) *metrics.Exporter {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	exp := metrics.NewExporter(a.cfg.Metrics.Namespace)
	dispatcher.AddSink(exp)
	dispatcher.OnSinkFailure(exp.SinkFailed)

	ctx := context.Background()
	exp.Gauge("vault_active_bonds", "Active bonds in the vault.", func() float64 {
		return float64(t.Vault.GetVaultStats(ctx).ActiveBonds)
	})
	exp.Gauge("vault_average_collateral_ratio", "Mean collateral ratio of active bonds.", func() float64 {
		return t.Vault.GetVaultStats(ctx).AverageCollateralRatio
	})
	exp.Gauge("splitter_pending_claims", "Unclaimed splitter balances.", func() float64 {
		return float64(t.Splitter.GetStats(ctx).PendingClaims)
	})
	exp.Gauge("governance_active_proposals", "Proposals open for voting.", func() float64 {
		return float64(t.Gov.GetGovernanceStats(ctx).ActiveProposals)
	})
	exp.Gauge("fallback_paused", "1 while the system is paused.", func() float64 {
		if t.Pause.Paused() {
			return 1
		}
		return 0
	})
	exp.Gauge("fallback_emergency", "1 while collateral health is in emergency.", func() float64 {
		if t.Fallback.SystemStatus(ctx) == domain.StatusEmergency {
			return 1
		}
		return 0
	})
	return exp
}

// Replay rebuilds every aggregate from the configured log and returns the
// resulting stats. Nothing is written.
func (a *App) Replay(ctx context.Context) (Stats, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("app: wire dependencies: %w", err)
	}
	t, err := NewTreasury(a.cfg, deps.Log, nil, a.clock, a.logger)
	if err != nil {
		return Stats{}, err
	}
	if err := service.ReplayAll(ctx, t.Ledger, t.Vault, t.Splitter, t.Gov, t.Fallback); err != nil {
		return Stats{}, fmt.Errorf("app: replay: %w", err)
	}
	return t.Stats(ctx, deps.Log)
}

// Archive copies events recorded before the cutoff to object storage.
func (a *App) Archive(ctx context.Context, before time.Time) (int64, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return 0, fmt.Errorf("app: wire dependencies: %w", err)
	}
	if deps.Archiver == nil {
		return 0, ErrArchiveDisabled
	}
	return deps.Archiver.ArchiveEvents(ctx, before)
}

// Restore re-appends the events of one archived object into the log.
func (a *App) Restore(ctx context.Context, key string) (int64, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return 0, fmt.Errorf("app: wire dependencies: %w", err)
	}
	if deps.Archiver == nil {
		return 0, ErrArchiveDisabled
	}
	return deps.Archiver.Restore(ctx, key)
}
