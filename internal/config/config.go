// Package config defines the top-level configuration for the treasury
// service and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TREASURY_* environment variables.
type Config struct {
	Vault      VaultConfig      `toml:"vault"`
	Governance GovernanceConfig `toml:"governance"`
	Splitter   SplitterConfig   `toml:"splitter"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Auth       AuthConfig       `toml:"auth"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// VaultConfig holds the bond vault tunables.
type VaultConfig struct {
	MinCollateralRatio float64 `toml:"min_collateral_ratio"`
}

// GovernanceConfig holds proposal and voting parameters.
type GovernanceConfig struct {
	MinProposalPower uint64   `toml:"min_proposal_power"`
	VotingWindow     duration `toml:"voting_window"`
	QuorumBps        uint64   `toml:"quorum_bps"`
	SweepInterval    duration `toml:"sweep_interval"`
}

// SplitterConfig holds revenue splitting parameters.
type SplitterConfig struct {
	PriorityShareBps uint64 `toml:"priority_share_bps"`
}

// FallbackConfig holds the emergency subsystem tunables.
type FallbackConfig struct {
	EmergencyThreshold float64  `toml:"emergency_threshold"`
	ConversionRate     float64  `toml:"conversion_rate"`
	WarningMargin      float64  `toml:"warning_margin"`
	CheckInterval      duration `toml:"check_interval"`
}

// GenesisBalance is one initial token allocation.
type GenesisBalance struct {
	Identity string `toml:"identity"`
	Balance  uint64 `toml:"balance"`
}

// LedgerConfig holds the governance token genesis.
type LedgerConfig struct {
	Genesis []GenesisBalance `toml:"genesis"`
}

// AuthConfig holds administrator identities and credential settings.
type AuthConfig struct {
	Admins           []string `toml:"admins"`
	JWTSecret        string   `toml:"jwt_secret"`
	TokenTTL         duration `toml:"token_ttl"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
}

// StoreConfig selects the event log driver.
type StoreConfig struct {
	Driver   string `toml:"driver"`
	BoltPath string `toml:"bolt_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// ConnString returns DSN, or a URL assembled from the discrete fields.
func (p PostgresConfig) ConnString() string {
	if strings.TrimSpace(p.DSN) != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	if p.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(p.SSLMode)
	}
	return u.String()
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	LeaseTTL     duration `toml:"lease_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchivePrefix  string `toml:"archive_prefix"`
	// RetentionDays is the age after which events are copied to the bucket
	// by the scheduled archive job. ArchiveCron is a standard cron expression;
	// empty disables the job.
	RetentionDays int    `toml:"retention_days"`
	ArchiveCron   string `toml:"archive_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{MinCollateralRatio: 1.5},
		Governance: GovernanceConfig{
			MinProposalPower: 1000,
			VotingWindow:     duration{24 * time.Hour},
			QuorumBps:        1000,
			SweepInterval:    duration{time.Minute},
		},
		Splitter: SplitterConfig{PriorityShareBps: 6000},
		Fallback: FallbackConfig{
			EmergencyThreshold: 1.2,
			ConversionRate:     0.8,
			WarningMargin:      0.1,
			CheckInterval:      duration{30 * time.Second},
		},
		Auth: AuthConfig{
			TokenTTL:         duration{24 * time.Hour},
			SignatureMaxSkew: duration{5 * time.Minute},
		},
		Store: StoreConfig{
			Driver:   "memory",
			BoltPath: "data/treasury.db",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "treasury",
			User:            "treasury",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    1,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			LeaseTTL:     duration{30 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "treasury-archive",
			UseSSL:         true,
			ForcePathStyle: true,
			ArchivePrefix:  "archive",
			RetentionDays:  90,
			ArchiveCron:    "0 3 1 * *",
		},
		Server: ServerConfig{
			Port:       8080,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "dao",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"memory":   true,
	"bolt":     true,
	"postgres": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Domain tunables.
	if c.Vault.MinCollateralRatio <= 0 {
		errs = append(errs, "vault: min_collateral_ratio must be > 0")
	}
	if c.Governance.VotingWindow.Duration <= 0 {
		errs = append(errs, "governance: voting_window must be > 0")
	}
	if c.Governance.QuorumBps > 10000 {
		errs = append(errs, fmt.Sprintf("governance: quorum_bps must be <= 10000, got %d", c.Governance.QuorumBps))
	}
	if c.Splitter.PriorityShareBps > 10000 {
		errs = append(errs, fmt.Sprintf("splitter: priority_share_bps must be <= 10000, got %d", c.Splitter.PriorityShareBps))
	}
	if c.Fallback.EmergencyThreshold <= 0 {
		errs = append(errs, "fallback: emergency_threshold must be > 0")
	}
	if c.Fallback.ConversionRate <= 0 || c.Fallback.ConversionRate > 1 {
		errs = append(errs, fmt.Sprintf("fallback: conversion_rate must be in (0, 1], got %g", c.Fallback.ConversionRate))
	}
	if c.Fallback.WarningMargin < 0 {
		errs = append(errs, "fallback: warning_margin must be >= 0")
	}
	seen := make(map[string]bool, len(c.Ledger.Genesis))
	for i, g := range c.Ledger.Genesis {
		id := strings.TrimSpace(g.Identity)
		switch {
		case id == "":
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d]: identity must not be empty", i))
		case seen[strings.ToLower(id)]:
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d]: duplicate identity %q", i, id))
		}
		seen[strings.ToLower(id)] = true
		if g.Balance == 0 {
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d]: balance must be > 0", i))
		}
	}

	// Auth.
	if len(c.Auth.Admins) == 0 {
		errs = append(errs, "auth: at least one admin is required")
	}
	for _, a := range c.Auth.Admins {
		if strings.HasPrefix(a, "0x") && !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("auth: admin %q is not a valid address", a))
		}
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, "auth: jwt_secret must be at least 16 bytes")
	}

	// Store.
	if !validDrivers[strings.ToLower(c.Store.Driver)] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, bolt, postgres)", c.Store.Driver))
	}
	if strings.EqualFold(c.Store.Driver, "bolt") && c.Store.BoltPath == "" {
		errs = append(errs, "store: bolt_path must be set for the bolt driver")
	}
	if strings.EqualFold(c.Store.Driver, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis.
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LeaseTTL.Duration < time.Second {
			errs = append(errs, "redis: lease_ttl must be >= 1s")
		}
	}

	// S3.
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveCron != "" {
			if _, err := cron.ParseStandard(c.S3.ArchiveCron); err != nil {
				errs = append(errs, fmt.Sprintf("s3: archive_cron: %v", err))
			}
			if c.S3.RetentionDays < 1 {
				errs = append(errs, "s3: retention_days must be >= 1")
			}
		}
	}

	// Server.
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}

	// Notify.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
