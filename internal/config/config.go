// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Server exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	// LeaseDuration is the default lease length for job types without their own.
	LeaseDuration time.Duration `env:"LEASE_DURATION"  envDefault:"60s"`
	// LeaseMaxLimit caps how many jobs one lease call may claim.
	LeaseMaxLimit int `env:"LEASE_MAX_LIMIT" envDefault:"100"`
	// BackoffBase is the first retry delay; each further attempt doubles it.
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"5s"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	WorkerEnabled      bool          `env:"WORKER_ENABLED"       envDefault:"true"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE"    envDefault:"10"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	// JanitorInterval is how often expired leases are swept and terminal
	// escalation runs.
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	CancelRatePerMinute int           `env:"CANCEL_RATE_LIMIT_PER_MIN" envDefault:"10"`
	RateLimitEvictTTL   time.Duration `env:"RATE_LIMIT_EVICT_TTL"      envDefault:"15m"`

	// ── Data retention ───────────────────────────────────────────────────────────
	RetentionEnabled   bool          `env:"RETENTION_ENABLED"    envDefault:"true"`
	RetentionMaxAge    time.Duration `env:"RETENTION_MAX_AGE"    envDefault:"720h"`
	RetentionBatchSize int           `env:"RETENTION_BATCH_SIZE" envDefault:"1000"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
