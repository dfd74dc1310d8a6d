package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TREASURY_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TREASURY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Domain ──
	setFloat64(&cfg.Vault.MinCollateralRatio, "TREASURY_VAULT_MIN_COLLATERAL_RATIO")
	setUint64(&cfg.Governance.MinProposalPower, "TREASURY_GOVERNANCE_MIN_PROPOSAL_POWER")
	setDuration(&cfg.Governance.VotingWindow, "TREASURY_GOVERNANCE_VOTING_WINDOW")
	setUint64(&cfg.Governance.QuorumBps, "TREASURY_GOVERNANCE_QUORUM_BPS")
	setDuration(&cfg.Governance.SweepInterval, "TREASURY_GOVERNANCE_SWEEP_INTERVAL")
	setUint64(&cfg.Splitter.PriorityShareBps, "TREASURY_SPLITTER_PRIORITY_SHARE_BPS")
	setFloat64(&cfg.Fallback.EmergencyThreshold, "TREASURY_FALLBACK_EMERGENCY_THRESHOLD")
	setFloat64(&cfg.Fallback.ConversionRate, "TREASURY_FALLBACK_CONVERSION_RATE")
	setFloat64(&cfg.Fallback.WarningMargin, "TREASURY_FALLBACK_WARNING_MARGIN")
	setDuration(&cfg.Fallback.CheckInterval, "TREASURY_FALLBACK_CHECK_INTERVAL")

	// ── Auth ──
	setStringSlice(&cfg.Auth.Admins, "TREASURY_AUTH_ADMINS")
	setStr(&cfg.Auth.JWTSecret, "TREASURY_AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "TREASURY_AUTH_TOKEN_TTL")
	setDuration(&cfg.Auth.SignatureMaxSkew, "TREASURY_AUTH_SIGNATURE_MAX_SKEW")

	// ── Store ──
	setStr(&cfg.Store.Driver, "TREASURY_STORE_DRIVER")
	setStr(&cfg.Store.BoltPath, "TREASURY_STORE_BOLT_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TREASURY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TREASURY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TREASURY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TREASURY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TREASURY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TREASURY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TREASURY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TREASURY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TREASURY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TREASURY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TREASURY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TREASURY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TREASURY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TREASURY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TREASURY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TREASURY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TREASURY_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "TREASURY_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.LeaseTTL, "TREASURY_REDIS_LEASE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TREASURY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TREASURY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TREASURY_S3_REGION")
	setStr(&cfg.S3.Bucket, "TREASURY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TREASURY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TREASURY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TREASURY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TREASURY_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchivePrefix, "TREASURY_S3_ARCHIVE_PREFIX")
	setInt(&cfg.S3.RetentionDays, "TREASURY_S3_RETENTION_DAYS")
	setStr(&cfg.S3.ArchiveCron, "TREASURY_S3_ARCHIVE_CRON")

	// ── Server ──
	setInt(&cfg.Server.Port, "TREASURY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TREASURY_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "TREASURY_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TREASURY_SERVER_RATE_WINDOW")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "TREASURY_METRICS_ENABLED")
	setStr(&cfg.Metrics.Namespace, "TREASURY_METRICS_NAMESPACE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TREASURY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TREASURY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TREASURY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TREASURY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TREASURY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
