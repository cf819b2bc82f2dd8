package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "0123456789abcdef-secret")
	t.Setenv("STORAGE_DRIVER", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "Europe/London", cfg.AppTimezone)
	assert.Equal(t, 3, cfg.PINMaxAttempts)
	assert.False(t, cfg.TelegramEnabled())
	assert.Empty(t, cfg.CityTimezones)
}

func TestLoadCityTimezones(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CITY_TIMEZONES", "Bournemouth=Europe/London, calgary=America/Edmonton")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "America/Edmonton", cfg.TimezoneFor("Calgary"))
	assert.Equal(t, "Europe/London", cfg.TimezoneFor("bournemouth"))
	assert.Equal(t, cfg.AppTimezone, cfg.TimezoneFor("unknown"))
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CITY_TIMEZONES", "calgary=Mars/Olympus")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			StorageDriver:       StorageDriverPostgres,
			DBPassword:          "secret",
			DBMaxConns:          10,
			DBMinConns:          1,
			AuthJWTSecret:       "0123456789abcdef",
			AppTimezone:         "UTC",
			RedemptionRevealTTL: 1,
			PINMaxAttempts:      3,
			RateLimitRequests:   10,
			RateLimitWindow:     1,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.DBPassword = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StorageDriver = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StorageDriver = StorageDriverMemory
	cfg.AppEnv = "production"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.AuthJWTSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.FeatureTelegramEnabled = true
	assert.Error(t, cfg.Validate())
}

func TestParseKeyValueCSV(t *testing.T) {
	out, err := parseKeyValueCSV(" a=1 ,B=2,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, out)

	_, err = parseKeyValueCSV("novalue")
	assert.Error(t, err)
}
