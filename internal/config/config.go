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
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Database       DatabaseConfig       `yaml:"database"`
	RateLimiter    RateLimiterConfig    `yaml:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Stream         StreamConfig         `yaml:"stream"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Risk           RiskConfig           `yaml:"risk"`
	Portfolio      PortfolioConfig      `yaml:"portfolio"`
	Admission      AdmissionConfig      `yaml:"admission"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// ExchangeConfig contains spot exchange credentials and endpoints
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
}

// DatabaseConfig contains the durable store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RateLimiterConfig sizes the outbound request token bucket
type RateLimiterConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
	MaxQueueSize int     `yaml:"max_queue_size"`
	MaxWaitMs    int     `yaml:"max_wait_ms"`
}

// CircuitBreakerConfig tunes the exchange call breaker
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutMs        int `yaml:"timeout_ms"`
	WindowSize       int `yaml:"window_size"`
}

// StreamConfig tunes the user data stream connection
type StreamConfig struct {
	PingIntervalMs     int `yaml:"ping_interval_ms"`
	ReconnectBaseMs    int `yaml:"reconnect_base_ms"`
	ReconnectMaxMs     int `yaml:"reconnect_max_ms"`
	ConnectTimeoutMs   int `yaml:"connect_timeout_ms"`
	ListenKeyRefreshMs int `yaml:"listen_key_refresh_ms"`
}

// ReconciliationConfig tunes the periodic state sweep
type ReconciliationConfig struct {
	IntervalMs          int `yaml:"interval_ms"`
	LookbackHours       int `yaml:"lookback_hours"`
	SubmissionTimeoutMs int `yaml:"submission_timeout_ms"`
}

// RiskConfig tunes pre-trade validation
type RiskConfig struct {
	ApprovalTTLSec int `yaml:"approval_ttl_sec"`
}

// PortfolioConfig tunes the outbox projector
type PortfolioConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	BatchSize      int `yaml:"batch_size"`
	StalenessSec   int `yaml:"staleness_sec"`
}

// AdmissionConfig tunes the order admission facade
type AdmissionConfig struct {
	IdempotencyTTLSec int `yaml:"idempotency_ttl_sec"`
	SubmitTimeoutMs   int `yaml:"submit_timeout_ms"`
	SubmitWorkers     int `yaml:"submit_workers"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
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

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
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

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRateLimiter(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCircuitBreaker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validatePortfolio(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateRateLimiter() error {
	if c.RateLimiter.Capacity <= 0 {
		return ValidationError{
			Field:   "rate_limiter.capacity",
			Value:   c.RateLimiter.Capacity,
			Message: "capacity must be positive",
		}
	}
	if c.RateLimiter.RefillPerSec <= 0 {
		return ValidationError{
			Field:   "rate_limiter.refill_per_sec",
			Value:   c.RateLimiter.RefillPerSec,
			Message: "refill rate must be positive",
		}
	}
	if c.RateLimiter.MaxQueueSize <= 0 {
		return ValidationError{
			Field:   "rate_limiter.max_queue_size",
			Value:   c.RateLimiter.MaxQueueSize,
			Message: "queue size must be positive",
		}
	}
	return nil
}

func (c *Config) validateCircuitBreaker() error {
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return ValidationError{
			Field:   "circuit_breaker.failure_threshold",
			Value:   c.CircuitBreaker.FailureThreshold,
			Message: "failure threshold must be positive",
		}
	}
	if c.CircuitBreaker.WindowSize < c.CircuitBreaker.FailureThreshold {
		return ValidationError{
			Field:   "circuit_breaker.window_size",
			Value:   c.CircuitBreaker.WindowSize,
			Message: "window size must be at least the failure threshold",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.ApprovalTTLSec <= 0 || c.Risk.ApprovalTTLSec > 10 {
		return ValidationError{
			Field:   "risk.approval_ttl_sec",
			Value:   c.Risk.ApprovalTTLSec,
			Message: "approval TTL must be between 1 and 10 seconds",
		}
	}
	return nil
}

func (c *Config) validatePortfolio() error {
	if c.Portfolio.BatchSize <= 0 || c.Portfolio.BatchSize > 100 {
		return ValidationError{
			Field:   "portfolio.batch_size",
			Value:   c.Portfolio.BatchSize,
			Message: "batch size must be between 1 and 100",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
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

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(configCopy.Exchange.SecretKey)

	data, _ := yaml.Marshal(configCopy)
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

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the baseline configuration; loaded files override it
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL: "https://api.binance.com",
			WSURL:   "wss://stream.binance.com:9443/ws",
		},
		Database: DatabaseConfig{
			Path: "trading_core.db",
		},
		RateLimiter: RateLimiterConfig{
			Capacity:     50,
			RefillPerSec: 5,
			MaxQueueSize: 100,
			MaxWaitMs:    30000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			TimeoutMs:        30000,
			WindowSize:       10,
		},
		Stream: StreamConfig{
			PingIntervalMs:     10000,
			ReconnectBaseMs:    1000,
			ReconnectMaxMs:     32000,
			ConnectTimeoutMs:   30000,
			ListenKeyRefreshMs: 1800000,
		},
		Reconciliation: ReconciliationConfig{
			IntervalMs:          60000,
			LookbackHours:       24,
			SubmissionTimeoutMs: 300000,
		},
		Risk: RiskConfig{
			ApprovalTTLSec: 10,
		},
		Portfolio: PortfolioConfig{
			PollIntervalMs: 500,
			BatchSize:      100,
			StalenessSec:   5,
		},
		Admission: AdmissionConfig{
			IdempotencyTTLSec: 86400,
			SubmitTimeoutMs:   10000,
			SubmitWorkers:     10,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
