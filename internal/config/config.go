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

	// ── Broker ───────────────────────────────────────────────────────────────────
	// BrokerDriver: "redis" (default) or "postgres". Postgres needs no extra
	// infrastructure; Redis is the production choice.
	BrokerDriver string `env:"BROKER_DRIVER" envDefault:"redis"`
	RedisAddr    string `env:"REDIS_ADDR"    envDefault:"localhost:6379"`
	RedisDB      int    `env:"REDIS_DB"      envDefault:"0"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	Workers         int           `env:"WORKERS"          envDefault:"4"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"    envDefault:"2s"`
	LeaseTimeout    time.Duration `env:"LEASE_TIMEOUT"    envDefault:"5m"`
	RecoverInterval time.Duration `env:"RECOVER_INTERVAL" envDefault:"15s"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT"  envDefault:"2m"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE"     envDefault:"1s"`
	BackoffCap      time.Duration `env:"BACKOFF_CAP"      envDefault:"1m"`

	// ── Retry policy ─────────────────────────────────────────────────────────────
	// Per-kind retry ceilings. Email gets fewer attempts: stale notifications
	// lose value quickly.
	MaxAttemptsVerify int `env:"MAX_ATTEMPTS_VERIFY" envDefault:"5"`
	MaxAttemptsScrape int `env:"MAX_ATTEMPTS_SCRAPE" envDefault:"5"`
	MaxAttemptsEmail  int `env:"MAX_ATTEMPTS_EMAIL"  envDefault:"3"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"edutrack@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Document verification ────────────────────────────────────────────────────
	VerifyEndpoint          string `env:"VERIFY_ENDPOINT" envDefault:"http://localhost:9090/v1/verify"`
	VerifyAPIKey            string `env:"VERIFY_API_KEY"`
	VerifyRequestsPerMinute int    `env:"VERIFY_REQUESTS_PER_MINUTE" envDefault:"30"`

	// ── Eligibility scraping ─────────────────────────────────────────────────────
	ScrapeRequestsPerMinute int `env:"SCRAPE_REQUESTS_PER_MINUTE" envDefault:"60"`

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
