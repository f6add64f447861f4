// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	LogFile   string // optional rotated log file, in addition to stdout

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for scheduler leases (optional, uses in-process locks if not set)

	// Operators
	OperatorsFile   string
	PrimaryOperator string // overrides the registry's primary when set

	// Reconciliation
	ReconcileInterval  time.Duration
	ReconcileStaleness time.Duration
	MonitorStaleness   time.Duration // how long a booking may go unsynced before /health/ready degrades
	BatchSize          int
	BatchPause         time.Duration
	MaxPerRun          int
	HoldExtension      time.Duration
	Workers            int

	// Observability
	OTLPEndpoint string

	// Alerting
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Inbound HTTP
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultOperatorsFile      = "operators.yaml"
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultReconcileStaleness = time.Hour
	DefaultMonitorStaleness   = 6 * time.Hour
	DefaultBatchSize          = 50
	DefaultBatchPause         = 2 * time.Second
	DefaultMaxPerRun          = 1000
	DefaultHoldExtension      = 15 * time.Minute
	DefaultWorkers            = 4
	DefaultRateLimit          = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:            os.Getenv("LOG_FILE"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		OperatorsFile:      getEnv("OPERATORS_FILE", DefaultOperatorsFile),
		PrimaryOperator:    os.Getenv("PRIMARY_OPERATOR"),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileStaleness: getEnvDuration("RECONCILE_STALENESS", DefaultReconcileStaleness),
		MonitorStaleness:   getEnvDuration("MONITOR_STALENESS", DefaultMonitorStaleness),
		BatchSize:          getEnvInt("RECONCILE_BATCH_SIZE", DefaultBatchSize),
		BatchPause:         getEnvDuration("RECONCILE_BATCH_PAUSE", DefaultBatchPause),
		MaxPerRun:          getEnvInt("RECONCILE_MAX_PER_RUN", DefaultMaxPerRun),
		HoldExtension:      getEnvDuration("HOLD_EXTENSION", DefaultHoldExtension),
		Workers:            getEnvInt("WORKERS", DefaultWorkers),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.OperatorsFile == "" {
		return fmt.Errorf("OPERATORS_FILE is required")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcileStaleness < 0 || c.MonitorStaleness < 0 {
		return fmt.Errorf("staleness windows must not be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be positive")
	}
	if c.MaxPerRun <= 0 {
		return fmt.Errorf("RECONCILE_MAX_PER_RUN must be positive")
	}
	if c.BatchPause < 0 {
		return fmt.Errorf("RECONCILE_BATCH_PAUSE must not be negative")
	}
	if c.HoldExtension <= 0 {
		return fmt.Errorf("HOLD_EXTENSION must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL")
		}
		if c.AlertWebhookSecret == "" && c.IsProduction() {
			return fmt.Errorf("ALERT_WEBHOOK_SECRET is required in production when ALERT_WEBHOOK_URL is set")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
