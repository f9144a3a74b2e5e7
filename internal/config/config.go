// Package config defines the global configuration structure for the QuoteBid
// core service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"quotebid/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the QuoteBid core service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"quotebid-core"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Billing   BillingConfig
	Email     EmailConfig
	Scheduler SchedulerConfig
	Security  SecurityConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public dashboard URL for links embedded in emails (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`
	// Soft per-request deadline applied by middleware.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the Redis connection used by the API rate limiter.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`

	// Rate limit window applied per API key on the admin API.
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// EmailConfig holds email delivery provider credentials and sender identity.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"alerts@quotebid.com"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"QuoteBid"`
}

// Sender returns the sender identity applied to all outgoing email.
func (c EmailConfig) Sender() types.SenderIdentity {
	return types.SenderIdentity{
		Name:    c.FromName,
		Address: c.FromAddress,
	}
}

// SchedulerConfig holds the background-scheduler intervals and windows.
// The defaults match production behavior; tests override them directly.
type SchedulerConfig struct {
	// PollInterval is the tick interval for both poll loops.
	PollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"1m"`

	// SendImmediately short-circuits opportunity alert scheduling: when set,
	// new opportunities are emailed inline instead of after AlertDelay.
	SendImmediately bool `envconfig:"EMAIL_SEND_IMMEDIATELY" default:"false"`

	// AlertDelay is the scheduled delay between opportunity creation and the
	// alert email when SendImmediately is false.
	AlertDelay time.Duration `envconfig:"EMAIL_ALERT_DELAY" default:"5m"`

	// FailSafeAge is how old an unscheduled, unsent opportunity must be
	// before the fail-safe path picks it up.
	FailSafeAge time.Duration `envconfig:"EMAIL_FAIL_SAFE_AGE" default:"10m"`

	// Reminder windows measured from the triggering action.
	DraftReminderWindow time.Duration `envconfig:"DRAFT_REMINDER_WINDOW" default:"30m"`
	SavedReminderWindow time.Duration `envconfig:"SAVED_REMINDER_WINDOW" default:"6h"`
}

// SecurityConfig holds admin access configuration.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}
