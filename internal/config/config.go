// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Accounts  map[string]AccountConfig `yaml:"accounts"`
	Reconcile ReconcileConfig          `yaml:"reconcile"`
	System    SystemConfig             `yaml:"system"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Alerts    AlertConfig              `yaml:"alerts"`
}

// AccountConfig contains per-account exchange credentials
type AccountConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`   // Optional override for API URL
	WSURL     string `yaml:"ws_url"`     // Optional override for private stream URL
	Enabled   bool   `yaml:"enabled"`    // Mirror account may be disabled
	RateLimit int    `yaml:"rate_limit"` // Order calls per second (0 = default)
}

// ReconcileConfig contains reconciliation engine parameters
type ReconcileConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	ReplaceDelayMs      int `yaml:"replace_delay_ms"`
	StopOrderLimit      int `yaml:"stop_order_limit"`
	ShutdownTimeoutSecs int `yaml:"shutdown_timeout_seconds"`
	MaxConcurrentPasses int `yaml:"max_concurrent_passes"`
	PassQueueCapacity   int `yaml:"pass_queue_capacity"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig contains operator alert channels
type AlertConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
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

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Reconcile.PollIntervalSeconds == 0 {
		c.Reconcile.PollIntervalSeconds = 10
	}
	if c.Reconcile.ReplaceDelayMs == 0 {
		c.Reconcile.ReplaceDelayMs = 300
	}
	if c.Reconcile.StopOrderLimit == 0 {
		c.Reconcile.StopOrderLimit = 10
	}
	if c.Reconcile.ShutdownTimeoutSecs == 0 {
		c.Reconcile.ShutdownTimeoutSecs = 30
	}
	if c.Reconcile.MaxConcurrentPasses == 0 {
		c.Reconcile.MaxConcurrentPasses = 8
	}
	if c.Reconcile.PassQueueCapacity == 0 {
		c.Reconcile.PassQueueCapacity = 64
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.DBPath == "" {
		c.System.DBPath = "trade_guard.db"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAccounts(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateReconcileConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAccounts() error {
	main, ok := c.Accounts["main"]
	if !ok {
		return ValidationError{
			Field:   "accounts.main",
			Message: "main account configuration is required",
		}
	}
	if main.APIKey == "" {
		return ValidationError{
			Field:   "accounts.main.api_key",
			Message: "API key is required",
		}
	}
	if main.SecretKey == "" {
		return ValidationError{
			Field:   "accounts.main.secret_key",
			Message: "secret key is required",
		}
	}

	if mirror, ok := c.Accounts["mirror"]; ok && mirror.Enabled {
		if mirror.APIKey == "" || mirror.SecretKey == "" {
			return ValidationError{
				Field:   "accounts.mirror",
				Message: "mirror account is enabled but credentials are missing",
			}
		}
	}

	return nil
}

func (c *Config) validateReconcileConfig() error {
	if c.Reconcile.PollIntervalSeconds < 1 || c.Reconcile.PollIntervalSeconds > 3600 {
		return ValidationError{
			Field:   "reconcile.poll_interval_seconds",
			Value:   c.Reconcile.PollIntervalSeconds,
			Message: "must be between 1 and 3600",
		}
	}
	if c.Reconcile.ReplaceDelayMs < 0 || c.Reconcile.ReplaceDelayMs > 1000 {
		return ValidationError{
			Field:   "reconcile.replace_delay_ms",
			Value:   c.Reconcile.ReplaceDelayMs,
			Message: "must be between 0 and 1000 (the delay is deliberately sub-second)",
		}
	}
	if c.Reconcile.StopOrderLimit < 1 || c.Reconcile.StopOrderLimit > 100 {
		return ValidationError{
			Field:   "reconcile.stop_order_limit",
			Value:   c.Reconcile.StopOrderLimit,
			Message: "must be between 1 and 100",
		}
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

// MirrorEnabled reports whether a usable mirror account is configured
func (c *Config) MirrorEnabled() bool {
	mirror, ok := c.Accounts["mirror"]
	return ok && mirror.Enabled
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Accounts = make(map[string]AccountConfig, len(c.Accounts))
	for name, acct := range c.Accounts {
		acct.APIKey = maskString(acct.APIKey)
		acct.SecretKey = maskString(acct.SecretKey)
		configCopy.Accounts[name] = acct
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Accounts: map[string]AccountConfig{
			"main": {
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
			},
			"mirror": {
				APIKey:    "test_mirror_key",
				SecretKey: "test_mirror_secret",
				Enabled:   true,
			},
		},
		System: SystemConfig{
			LogLevel: "INFO",
			DBPath:   ":memory:",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9100,
			EnableMetrics: false,
		},
	}
	cfg.applyDefaults()
	return cfg
}
