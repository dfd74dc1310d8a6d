package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/daotreasury/internal/blob/s3"
	"github.com/alanyoungcy/daotreasury/internal/cache/memory"
	"github.com/alanyoungcy/daotreasury/internal/cache/redis"
	"github.com/alanyoungcy/daotreasury/internal/config"
	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/notify"
	"github.com/alanyoungcy/daotreasury/internal/server/handler"
	"github.com/alanyoungcy/daotreasury/internal/store/bolt"
	memstore "github.com/alanyoungcy/daotreasury/internal/store/memory"
	"github.com/alanyoungcy/daotreasury/internal/store/postgres"
)

// Dependencies bundles the infrastructure the treasury runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Log domain.EventLog

	// Cache and coordination. Without Redis the rate limiter and lock
	// manager are in-process and SignalBus is nil.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless S3 is enabled.
	Archiver *s3blob.EventArchiver

	Notifier *notify.Notifier

	// Pingers feed the health endpoint.
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Event log ---
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory", "":
		deps.Log = memstore.NewEventStore()
		logger.WarnContext(ctx, "using in-memory event log; state is lost on exit")
	case "bolt":
		store, err := bolt.Open(cfg.Store.BoltPath)
		if err != nil {
			return fail("bolt", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Log = store
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.ConnString(),
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Log = postgres.NewEventStore(pgClient.Pool())
		deps.Pingers["postgres"] = pgClient
	default:
		return fail("store", fmt.Errorf("unknown driver %q", cfg.Store.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Pingers["redis"] = redisClient
	} else {
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewEventArchiver(
			deps.Log,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			cfg.S3.ArchivePrefix,
			nil,
			logger,
		)
		deps.Pingers["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
