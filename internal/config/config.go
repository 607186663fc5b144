// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure. It is loaded once at
// startup and passed by reference; nothing mutates it afterwards.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Proxies     []string          `yaml:"proxies"`
	Trading     TradingConfig     `yaml:"trading"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Slack       SlackConfig       `yaml:"slack"`
	API         APIConfig         `yaml:"api"`
	Paper       PaperConfig       `yaml:"paper"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Exchange     string `yaml:"exchange"` // binance or mock
	Testnet      bool   `yaml:"testnet"`
	DatabasePath string `yaml:"database_path"`
}

// AccountConfig is one replicated futures account. Order matters: the first
// account is the reference account and the fail-fast gate.
type AccountConfig struct {
	Name      string `yaml:"name"`
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
}

// TradingConfig contains replication parameters
type TradingConfig struct {
	DefaultLeverage      int     `yaml:"default_leverage"`
	MarginMode           string  `yaml:"margin_mode"`
	MaxAllocation        float64 `yaml:"max_allocation"`        // fraction of balance*leverage for "Max" sizing
	DefaultLimitBalance  float64 `yaml:"default_limit_balance"` // risk cap seeded into settings
	ReconcileInterval    int     `yaml:"reconcile_interval"`    // seconds
	RecordTimeout        int     `yaml:"record_timeout"`        // seconds per polled record
	BatchWaitTimeout     int     `yaml:"batch_wait_timeout"`    // seconds
	NotifyFlushThreshold int     `yaml:"notify_flush_threshold"`
	RequestTimeout       int     `yaml:"request_timeout"`  // seconds
	ProxyRateLimit       float64 `yaml:"proxy_rate_limit"` // requests per second per proxy
	ProxyRateBurst       int     `yaml:"proxy_rate_burst"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	DispatchPoolSize   int `yaml:"dispatch_pool_size"`
	DispatchPoolBuffer int `yaml:"dispatch_pool_buffer"`
}

// TelegramConfig configures operator notifications
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken Secret `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// SlackConfig mirrors operator notifications to an incoming webhook
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL Secret `yaml:"webhook_url"`
}

// APIConfig configures the operator HTTP API
type APIConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Port      int      `yaml:"port"`
	Keys      []Secret `yaml:"keys"`
	RateLimit int      `yaml:"rate_limit"` // requests per second per key
	// StreamOrigins lists browser origins allowed on the event stream
	StreamOrigins    []string `yaml:"stream_origins"`
	MaxStreamClients int      `yaml:"max_stream_clients"`
}

// PaperConfig seeds the mock exchange when app.exchange is mock
type PaperConfig struct {
	Balance     float64            `yaml:"balance"`
	Prices      map[string]float64 `yaml:"prices"`
	LotDecimals map[string]int32   `yaml:"lot_decimals"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	ExportTraces  bool `yaml:"export_traces"`
	ExportLogs    bool `yaml:"export_logs"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	config.Accounts = nil
	config.Proxies = nil
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	validators := []func() error{
		c.validateAppConfig,
		c.validateAccounts,
		c.validateProxies,
		c.validateTradingConfig,
		c.validateTelegramConfig,
		c.validateSlackConfig,
		c.validateAPIConfig,
		c.validateSystemConfig,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validExchanges := []string{"binance", "mock"}
	if !contains(validExchanges, c.App.Exchange) {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	if c.App.DatabasePath == "" {
		return ValidationError{Field: "app.database_path", Message: "database path is required"}
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return ValidationError{
			Field:   "accounts",
			Message: "at least one account must be configured",
		}
	}

	seen := make(map[string]bool)
	for i, acc := range c.Accounts {
		if acc.Name == "" {
			return ValidationError{Field: fmt.Sprintf("accounts[%d].name", i), Message: "account name is required"}
		}
		if seen[acc.Name] {
			return ValidationError{Field: fmt.Sprintf("accounts[%d].name", i), Value: acc.Name, Message: "duplicate account name"}
		}
		seen[acc.Name] = true

		if c.App.Exchange == "mock" {
			continue
		}
		if acc.APIKey == "" {
			return ValidationError{Field: fmt.Sprintf("accounts[%d].api_key", i), Message: "API key is required"}
		}
		if acc.SecretKey == "" {
			return ValidationError{Field: fmt.Sprintf("accounts[%d].secret_key", i), Message: "secret key is required"}
		}
	}
	return nil
}

func (c *Config) validateProxies() error {
	if len(c.Proxies) == 0 {
		return ValidationError{
			Field:   "proxies",
			Message: "at least one egress proxy must be configured",
		}
	}
	for i, p := range c.Proxies {
		if strings.TrimSpace(p) == "" {
			return ValidationError{Field: fmt.Sprintf("proxies[%d]", i), Message: "proxy address is empty"}
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	t := c.Trading
	if t.DefaultLeverage < 1 || t.DefaultLeverage > 125 {
		return ValidationError{Field: "trading.default_leverage", Value: t.DefaultLeverage, Message: "must be between 1 and 125"}
	}
	if !contains([]string{"CROSSED", "ISOLATED"}, strings.ToUpper(t.MarginMode)) {
		return ValidationError{Field: "trading.margin_mode", Value: t.MarginMode, Message: "must be CROSSED or ISOLATED"}
	}
	if t.MaxAllocation <= 0 || t.MaxAllocation > 1 {
		return ValidationError{Field: "trading.max_allocation", Value: t.MaxAllocation, Message: "must be in (0, 1]"}
	}
	if t.DefaultLimitBalance <= 0 {
		return ValidationError{Field: "trading.default_limit_balance", Value: t.DefaultLimitBalance, Message: "must be positive"}
	}
	if t.ReconcileInterval < 1 || t.ReconcileInterval > 3600 {
		return ValidationError{Field: "trading.reconcile_interval", Value: t.ReconcileInterval, Message: "must be between 1 and 3600 seconds"}
	}
	if t.RecordTimeout < 1 {
		return ValidationError{Field: "trading.record_timeout", Value: t.RecordTimeout, Message: "must be positive"}
	}
	if t.BatchWaitTimeout < 1 {
		return ValidationError{Field: "trading.batch_wait_timeout", Value: t.BatchWaitTimeout, Message: "must be positive"}
	}
	if t.NotifyFlushThreshold < 100 || t.NotifyFlushThreshold > 4000 {
		return ValidationError{Field: "trading.notify_flush_threshold", Value: t.NotifyFlushThreshold, Message: "must be between 100 and 4000"}
	}
	if t.ProxyRateLimit <= 0 || t.ProxyRateBurst < 1 {
		return ValidationError{Field: "trading.proxy_rate_limit", Value: t.ProxyRateLimit, Message: "rate and burst must be positive"}
	}
	return nil
}

func (c *Config) validateTelegramConfig() error {
	if !c.Telegram.Enabled {
		return nil
	}
	if c.Telegram.BotToken == "" {
		return ValidationError{Field: "telegram.bot_token", Message: "bot token is required when telegram is enabled"}
	}
	if c.Telegram.ChatID == 0 {
		return ValidationError{Field: "telegram.chat_id", Message: "chat id is required when telegram is enabled"}
	}
	return nil
}

func (c *Config) validateSlackConfig() error {
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return ValidationError{Field: "slack.webhook_url", Message: "webhook URL is required when slack is enabled"}
	}
	return nil
}

func (c *Config) validateAPIConfig() error {
	if !c.API.Enabled {
		return nil
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return ValidationError{Field: "api.port", Value: c.API.Port, Message: "must be a valid TCP port"}
	}
	if len(c.API.Keys) == 0 {
		return ValidationError{Field: "api.keys", Message: "at least one API key is required when the API is enabled"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// AccountNames returns the account names in configured order
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		names[i] = a.Name
	}
	return names
}

func (t TradingConfig) ReconcileEvery() time.Duration {
	return time.Duration(t.ReconcileInterval) * time.Second
}

func (t TradingConfig) RecordTimeoutDuration() time.Duration {
	return time.Duration(t.RecordTimeout) * time.Second
}

func (t TradingConfig) BatchWait() time.Duration {
	return time.Duration(t.BatchWaitTimeout) * time.Second
}

func (t TradingConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(t.RequestTimeout) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with every tunable at its default,
// wired to the mock exchange with a single account and proxy.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Exchange:     "mock",
			DatabasePath: "copytrade.db",
		},
		Accounts: []AccountConfig{
			{Name: "account1", APIKey: "test_api_key", SecretKey: "test_secret_key"},
		},
		Proxies: []string{"127.0.0.1:8080"},
		Trading: TradingConfig{
			DefaultLeverage:      10,
			MarginMode:           "CROSSED",
			MaxAllocation:        0.4,
			DefaultLimitBalance:  2000,
			ReconcileInterval:    10,
			RecordTimeout:        5,
			BatchWaitTimeout:     60,
			NotifyFlushThreshold: 3500,
			RequestTimeout:       10,
			ProxyRateLimit:       20,
			ProxyRateBurst:       40,
		},
		Concurrency: ConcurrencyConfig{
			DispatchPoolSize:   20,
			DispatchPoolBuffer: 1000,
		},
		Paper: PaperConfig{
			Balance:     10000,
			Prices:      map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000},
			LotDecimals: map[string]int32{"BTCUSDT": 3, "ETHUSDT": 3},
		},
		API: APIConfig{
			Port:             8088,
			RateLimit:        10,
			MaxStreamClients: 32,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort: 9090,
		},
	}
}
