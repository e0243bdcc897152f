// Package config defines the configuration of the fitmarket binaries.
// Configuration is loaded once at process start and is immutable
// thereafter.
//
// Server values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"fitmarket/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the configuration of the server-side binaries (API and
// webhook worker). Sub-components receive only the subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"fitmarket-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	EnsureSchema    bool          `envconfig:"DB_ENSURE_SCHEMA" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// WebhookQueueURL, when set, makes the API hand verified webhooks to
	// the worker instead of applying them inline.
	WebhookQueueURL string `envconfig:"WEBHOOK_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string       `envconfig:"STRIPE_API_BASE" validate:"omitempty,url"`
}

// SecurityConfig holds API access settings.
type SecurityConfig struct {
	// APITokenHash is the bcrypt hash of the bearer token accepted on /v1.
	// Empty disables authentication, which is only allowed locally.
	APITokenHash       SecretString `envconfig:"API_TOKEN_HASH"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	// MetricNamespace empty disables CloudWatch metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"FitMarket/Billing"`
}

// PurchaseConfig is the configuration of the device-side purchase engine,
// used by purchasectl. It is loaded separately because the client never
// sees server secrets.
type PurchaseConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	PurchaseTimeout time.Duration `envconfig:"PURCHASE_TIMEOUT" default:"2m" validate:"gt=0"`
	SettleDelay     time.Duration `envconfig:"PURCHASE_SETTLE_DELAY" default:"1500ms" validate:"gte=0"`
	ResumeGrace     time.Duration `envconfig:"RESUME_GRACE_WINDOW" default:"3s" validate:"gte=0"`

	PollFastInterval   time.Duration `envconfig:"POLL_FAST_INTERVAL" default:"1s" validate:"gt=0"`
	PollFastAttempts   int           `envconfig:"POLL_FAST_ATTEMPTS" default:"10" validate:"gte=0"`
	PollMediumInterval time.Duration `envconfig:"POLL_MEDIUM_INTERVAL" default:"2s" validate:"gt=0"`
	PollMediumAttempts int           `envconfig:"POLL_MEDIUM_ATTEMPTS" default:"10" validate:"gte=0"`
	PollSlowInterval   time.Duration `envconfig:"POLL_SLOW_INTERVAL" default:"3s" validate:"gt=0"`
	PollMaxAttempts    int           `envconfig:"POLL_MAX_ATTEMPTS" default:"25" validate:"gt=0"`

	EntitlementAPIURL string       `envconfig:"ENTITLEMENT_API_URL" default:"http://localhost:8080" validate:"required,url"`
	APIToken          SecretString `envconfig:"API_TOKEN"`
	LocalStatePath    string       `envconfig:"LOCAL_STATE_PATH"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when resolving _FILE
	// references through the SecretProvider.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// Set at link time:
//
//	go build -ldflags "-X fitmarket/internal/config.version=1.2.3 -X fitmarket/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// WorkerConfig is the subset the SQS webhook worker needs. It carries no
// Stripe credentials: events arrive already verified.
type WorkerConfig struct {
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Database      DatabaseConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
}
