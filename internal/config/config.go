// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Startup exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Dispatcher defaults ──────────────────────────────────────────────────────
	DefaultAttemptsMax     int `env:"DEFAULT_ATTEMPTS_MAX"     envDefault:"3"`
	DefaultVisibilityMS    int `env:"DEFAULT_VISIBILITY_MS"    envDefault:"30000"`
	DefaultBackoffBaseMS   int `env:"DEFAULT_BACKOFF_BASE_MS"  envDefault:"2000"`
	DefaultMaxReservations int `env:"DEFAULT_MAX_RESERVATIONS" envDefault:"5"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	// WorkerConcurrency maps queue name to worker count, e.g.
	// "resume-processing:4,email-notifications:2". Unlisted queues run one.
	WorkerConcurrency    map[string]int `env:"WORKER_CONCURRENCY" envSeparator:"," envKeyValSeparator:":"`
	WorkerPollInterval   time.Duration  `env:"WORKER_POLL_INTERVAL"   envDefault:"250ms"`
	DrainDeadlineSeconds int            `env:"DRAIN_DEADLINE_SECONDS" envDefault:"30"`

	// ── Retention ────────────────────────────────────────────────────────────────
	RetentionEnabled          bool          `env:"RETENTION_ENABLED"           envDefault:"true"`
	RetentionCompletedSeconds int           `env:"RETENTION_COMPLETED_SECONDS" envDefault:"3600"`
	RetentionFailedSeconds    int           `env:"RETENTION_FAILED_SECONDS"    envDefault:"86400"`
	RetentionInterval         time.Duration `env:"RETENTION_INTERVAL"          envDefault:"5m"`

	// ── Redis cache ──────────────────────────────────────────────────────────────
	// Empty disables the read-through cache.
	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST"      envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT"      envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM"      envDefault:"jobs@admin-control.local"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Admin Control"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"       envDefault:"false"`
	// Parallel SMTP sends per bulk-email job.
	SMTPSendConcurrency int `env:"SMTP_SEND_CONCURRENCY" envDefault:"4"`

	// ── LLM ──────────────────────────────────────────────────────────────────────
	LLMBaseURL        string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey         string `env:"LLM_API_KEY"`
	LLMModel          string `env:"LLM_MODEL"    envDefault:"gpt-4o-mini"`
	LLMCallsPerMinute int    `env:"LLM_CALLS_PER_MINUTE" envDefault:"60"`

	// ── Résumé file storage ──────────────────────────────────────────────────────
	ResumeStorageDir string `env:"RESUME_STORAGE_DIR" envDefault:"/var/lib/admin-control/resumes"`

	// ── Listing sync ─────────────────────────────────────────────────────────────
	ListingSourceBaseURL string `env:"LISTING_SOURCE_BASE_URL" envDefault:"https://listings.example.com"`

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

// Visibility returns the default reservation lease duration.
func (c *Config) Visibility() time.Duration {
	return time.Duration(c.DefaultVisibilityMS) * time.Millisecond
}

// BackoffBase returns the default retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.DefaultBackoffBaseMS) * time.Millisecond
}

// DrainDeadline returns how long shutdown waits for in-flight jobs.
func (c *Config) DrainDeadline() time.Duration {
	return time.Duration(c.DrainDeadlineSeconds) * time.Second
}

// RetentionCompleted returns the retention window for completed jobs.
// Zero disables purging of completed jobs.
func (c *Config) RetentionCompleted() time.Duration {
	if !c.RetentionEnabled {
		return 0
	}
	return time.Duration(c.RetentionCompletedSeconds) * time.Second
}

// RetentionFailed returns the retention window for failed jobs. Zero
// disables purging of failed jobs.
func (c *Config) RetentionFailed() time.Duration {
	if !c.RetentionEnabled {
		return 0
	}
	return time.Duration(c.RetentionFailedSeconds) * time.Second
}
