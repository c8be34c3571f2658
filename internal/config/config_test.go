package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setValidEnv populates the minimum required environment for LoadConfig.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("DATABASE_URL", "postgres://shoplist:pw@localhost:5432/shoplist")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("STRIPE_PRICE_PREMIUM_MONTHLY", "price_premium_month")
	t.Setenv("STRIPE_PRICE_PREMIUM_YEARLY", "price_premium_year")
}

func TestLoadConfig_Success(t *testing.T) {
	setValidEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sk_test_abc", cfg.Billing.StripeSecretKey.Unmask())
	assert.Equal(t, 10, cfg.Database.MaxConns)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	setValidEnv(t)
	t.Setenv("APP_ENV", "production") // not in the allowed set

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_ParseFailure(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrParsing, cfgErr.Type)
}

func TestBillingConfig_PremiumPriceMatching(t *testing.T) {
	b := BillingConfig{
		PremiumMonthlyPriceID: "price_m",
		PremiumYearlyPriceID:  "price_y",
	}

	assert.True(t, b.IsPremiumPrice("price_m"))
	assert.True(t, b.IsPremiumPrice("price_y"))
	assert.False(t, b.IsPremiumPrice("price_other"))
	assert.False(t, b.IsPremiumPrice(""))

	assert.ElementsMatch(t, []string{"price_m", "price_y"}, b.PremiumPriceIDs())
}
