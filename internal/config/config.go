// Package config defines the global configuration structure for the ShopList
// entitlement service. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by strictly
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

	"shoplist/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the entitlement service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"shoplist-entitlements"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// CORS origins for the consumer apps' web build.
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// Soft per-request deadline. Should be set below any platform hard timeout.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// BillingConfig holds Stripe payment integration credentials and the price IDs
// that identify the premium tier.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`

	// Premium tier price IDs, one per billing interval.
	PremiumMonthlyPriceID string `envconfig:"STRIPE_PRICE_PREMIUM_MONTHLY" validate:"required"`
	PremiumYearlyPriceID  string `envconfig:"STRIPE_PRICE_PREMIUM_YEARLY" validate:"required"`

	// Outbound call timeout for the Stripe API.
	StripeTimeout time.Duration `envconfig:"STRIPE_TIMEOUT" default:"20s"`
}

// PremiumPriceIDs returns the full set of price IDs that map to the premium
// plan. Used by the status mapper's tier matching and by plan inference.
func (c BillingConfig) PremiumPriceIDs() []string {
	ids := make([]string, 0, 2)
	if c.PremiumMonthlyPriceID != "" {
		ids = append(ids, c.PremiumMonthlyPriceID)
	}
	if c.PremiumYearlyPriceID != "" {
		ids = append(ids, c.PremiumYearlyPriceID)
	}
	return ids
}

// IsPremiumPrice reports whether the given price ID belongs to the premium tier.
func (c BillingConfig) IsPremiumPrice(priceID string) bool {
	return priceID != "" &&
		(priceID == c.PremiumMonthlyPriceID || priceID == c.PremiumYearlyPriceID)
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// RetryQueueURL is the SQS queue holding entitlement writes that failed
	// inside the webhook path. Empty disables durable retry (local dev).
	RetryQueueURL string `envconfig:"SQS_ENTITLEMENT_RETRY"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}
