package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "CUSTODIAN_URL", "https://custodian.internal:9443")
	setEnv(t, "ADMIN_VERIFY_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "USER_TOKEN_HMAC_KEY", "test-hmac-key")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultFeePercent, cfg.FeePercent)
	assert.Equal(t, DefaultMinFee, cfg.MinFee)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, DefaultPollInterval, cfg.DepositPollInterval)
}

func TestLoad_MissingCustodianURL(t *testing.T) {
	setEnv(t, "CUSTODIAN_URL", "")
	setEnv(t, "ADMIN_VERIFY_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "USER_TOKEN_HMAC_KEY", "test-hmac-key")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CUSTODIAN_URL is required")
}

func TestLoad_InvalidAdminKeyLength(t *testing.T) {
	setEnv(t, "CUSTODIAN_URL", "https://custodian.internal:9443")
	setEnv(t, "ADMIN_VERIFY_KEY", "tooshort")
	setEnv(t, "USER_TOKEN_HMAC_KEY", "test-hmac-key")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	validKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				CustodianURL:     "https://custodian.internal:9443",
				AdminVerifyKey:   validKey,
				UserTokenHMACKey: "key",
			},
			wantErr: "",
		},
		{
			name: "valid config with 0x prefix",
			config: Config{
				CustodianURL:     "https://custodian.internal:9443",
				AdminVerifyKey:   "0x" + validKey,
				UserTokenHMACKey: "key",
			},
			wantErr: "",
		},
		{
			name: "missing custodian URL",
			config: Config{
				AdminVerifyKey:   validKey,
				UserTokenHMACKey: "key",
			},
			wantErr: "CUSTODIAN_URL is required",
		},
		{
			name: "missing admin verify key",
			config: Config{
				CustodianURL:     "https://custodian.internal:9443",
				UserTokenHMACKey: "key",
			},
			wantErr: "ADMIN_VERIFY_KEY is required",
		},
		{
			name: "invalid admin verify key length",
			config: Config{
				CustodianURL:     "https://custodian.internal:9443",
				AdminVerifyKey:   "abc123",
				UserTokenHMACKey: "key",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "missing HMAC key",
			config: Config{
				CustodianURL:   "https://custodian.internal:9443",
				AdminVerifyKey: validKey,
			},
			wantErr: "USER_TOKEN_HMAC_KEY is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "250ms")
	setEnv(t, "TEST_DUR_INVALID", "not_a_duration")

	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_INVALID", time.Second)) // Falls back on parse error
}
