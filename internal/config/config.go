// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Every subcommand exits if a field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// sha256 hex of the admin API key; generate with `couchers-jobs gen-api-key`.
	AdminAPIKeyHash string `env:"ADMIN_API_KEY_HASH"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"1"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`

	// ── Job policy ───────────────────────────────────────────────────────────────
	JobDefaultMaxTries int           `env:"JOB_DEFAULT_MAX_TRIES" envDefault:"5"`
	JobDefaultPriority int           `env:"JOB_DEFAULT_PRIORITY"  envDefault:"10"`
	JobBackoffBase     time.Duration `env:"JOB_BACKOFF_BASE"      envDefault:"15s"`
	// A claimed job is hidden from other workers for this long. If the process
	// dies mid-handler the job becomes ready again once the lease lapses.
	JobClaimLease     time.Duration `env:"JOB_CLAIM_LEASE"      envDefault:"1h"`
	JobRestartCooloff time.Duration `env:"JOB_RESTART_COOLOFF"  envDefault:"60s"`
	JobRetention      time.Duration `env:"JOB_RETENTION"        envDefault:"720h"`
	JobPurgeBatchSize int           `env:"JOB_PURGE_BATCH_SIZE" envDefault:"10000"`
	// Re-raise handler failures out of the worker. Test/debug only.
	JobDebug bool `env:"JOB_DEBUG" envDefault:"false"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Per-IP requests per second on /api/v1; 0 disables the limiter.
	AdminRateLimit    float64       `env:"ADMIN_RATE_LIMIT"     envDefault:"10"`
	AdminRateBurst    int           `env:"ADMIN_RATE_BURST"     envDefault:"20"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Email: SMTP ──────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST"      envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT"      envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM"      envDefault:"notify@localhost"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Couchers"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"       envDefault:"false"`

	// ── Webhooks ─────────────────────────────────────────────────────────────────
	WebhookSigningSecret          string        `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookSigningSecretSecondary string        `env:"WEBHOOK_SIGNING_SECRET_SECONDARY"`
	WebhookTimeout                time.Duration `env:"WEBHOOK_TIMEOUT"                  envDefault:"10s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker and scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.WorkerPollInterval))
	}
	if c.JobDefaultMaxTries < 1 {
		errs = append(errs, fmt.Errorf("JOB_DEFAULT_MAX_TRIES must be >= 1, got %d", c.JobDefaultMaxTries))
	}
	if c.JobBackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("JOB_BACKOFF_BASE must be positive, got %s", c.JobBackoffBase))
	}
	if c.JobClaimLease <= 0 {
		errs = append(errs, fmt.Errorf("JOB_CLAIM_LEASE must be positive, got %s", c.JobClaimLease))
	}
	if c.AdminRateLimit < 0 {
		errs = append(errs, fmt.Errorf("ADMIN_RATE_LIMIT must be >= 0, got %g", c.AdminRateLimit))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
