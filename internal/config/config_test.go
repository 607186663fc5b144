package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "api_key: ${TEST_API_KEY}",
			envVars:  map[string]string{"TEST_API_KEY": "test_key_123"},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${COPYTRADE_MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

const sampleConfig = `
app:
  exchange: binance
  database_path: /tmp/copytrade.db
accounts:
  - name: lead
    api_key: ${LEAD_KEY}
    secret_key: lead_secret
  - name: follower
    api_key: follower_key
    secret_key: follower_secret
proxies:
  - 10.0.0.1:3128
  - 10.0.0.2:3128
trading:
  default_leverage: 20
  reconcile_interval: 5
telegram:
  enabled: true
  bot_token: bot_token_value
  chat_id: -100123
system:
  log_level: debug
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("LEAD_KEY", "lead_key_from_env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.App.Exchange)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "lead_key_from_env", cfg.Accounts[0].APIKey.Reveal())
	assert.Equal(t, []string{"lead", "follower"}, cfg.AccountNames())
	assert.Len(t, cfg.Proxies, 2)

	// Unset fields keep their defaults.
	assert.Equal(t, 20, cfg.Trading.DefaultLeverage)
	assert.Equal(t, 5*time.Second, cfg.Trading.ReconcileEvery())
	assert.Equal(t, 3500, cfg.Trading.NotifyFlushThreshold)
	assert.Equal(t, 2000.0, cfg.Trading.DefaultLimitBalance)
	assert.Equal(t, 0.4, cfg.Trading.MaxAllocation)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"no accounts", func(c *Config) { c.Accounts = nil }, "accounts"},
		{"duplicate account", func(c *Config) {
			c.Accounts = append(c.Accounts, c.Accounts[0])
		}, "duplicate account name"},
		{"no proxies", func(c *Config) { c.Proxies = nil }, "egress proxy"},
		{"unknown exchange", func(c *Config) { c.App.Exchange = "kraken" }, "app.exchange"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "LOUD" }, "system.log_level"},
		{"bad margin mode", func(c *Config) { c.Trading.MarginMode = "PORTFOLIO" }, "trading.margin_mode"},
		{"leverage out of range", func(c *Config) { c.Trading.DefaultLeverage = 0 }, "trading.default_leverage"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.bot_token"},
		{"slack without webhook", func(c *Config) { c.Slack.Enabled = true }, "slack.webhook_url"},
		{"api without keys", func(c *Config) { c.API.Enabled = true }, "api.keys"},
		{"binance requires keys", func(c *Config) {
			c.App.Exchange = "binance"
			c.Accounts[0].APIKey = ""
		}, "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = []AccountConfig{{
		Name:      "lead",
		APIKey:    Secret("my_super_secret_api_key"),
		SecretKey: Secret("my_super_secret_secret_key"),
	}}
	cfg.Telegram.BotToken = Secret("my_super_secret_bot_token")
	cfg.API.Keys = []Secret{"my_super_secret_operator_key"}

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret")
	assert.Contains(t, output, "lead")
}
