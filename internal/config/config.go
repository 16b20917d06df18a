// Package config provides configuration management for the generation service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sselfie/generation-core/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Storage        StorageConfig
	Provider       ProviderConfig
	ProviderBudget ProviderBudgetConfig
	Reconcile      ReconcileConfig
	Sweep          SweepConfig
	RateLimit      RateLimitConfig
	Internal       InternalConfig
	Logging        LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver is for local development only.
	Driver string
}

// ProviderConfig holds generation provider configuration
type ProviderConfig struct {
	Name              string
	BaseURL           string
	APIToken          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	WebhookURL        string

	// TrainerModel and TrainerVersion identify the training pipeline itself.
	// They must never be recorded as a user's trained output.
	TrainerModel   string
	TrainerVersion string

	// WeightsURLTemplate builds a weights URL from {model} and {version}
	WeightsURLTemplate string

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	RetryAttempts           int
}

// ProviderBudgetConfig holds the shared provider call budget
type ProviderBudgetConfig struct {
	Enabled bool

	// CallsPerSecond is the total provider call budget across all processes
	CallsPerSecond int

	// ReservedCalls is reserved for interactive status polls
	ReservedCalls int
}

// ReconcileConfig holds reconciliation loop configuration
type ReconcileConfig struct {
	PollLockTTL      time.Duration
	SnapshotCacheTTL time.Duration
	SubmitStaleAfter time.Duration
	RefundFailedJobs bool
	ExpectedDuration map[types.JobType]time.Duration
}

// SweepConfig holds background sweeper configuration
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	MinAge    time.Duration
}

// RateLimitConfig holds per-user API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// InternalConfig holds configuration for internal (service-to-service) endpoints
type InternalConfig struct {
	Token string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "generation"),
				User:           getEnv("POSTGRES_USER", "generation"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		},
		Provider: ProviderConfig{
			Name:                    getEnv("PROVIDER_NAME", "replicate"),
			BaseURL:                 strings.TrimRight(getEnv("PROVIDER_BASE_URL", "https://api.replicate.com/v1"), "/"),
			APIToken:                getEnv("PROVIDER_API_TOKEN", ""),
			Timeout:                 getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			RequestsPerSecond:       getEnvAsFloat("PROVIDER_REQUESTS_PER_SECOND", 10),
			Burst:                   getEnvAsInt("PROVIDER_BURST", 20),
			WebhookURL:              getEnv("PROVIDER_WEBHOOK_URL", ""),
			TrainerModel:            getEnv("PROVIDER_TRAINER_MODEL", "ostris/flux-dev-lora-trainer"),
			TrainerVersion:          getEnv("PROVIDER_TRAINER_VERSION", ""),
			WeightsURLTemplate:      getEnv("PROVIDER_WEIGHTS_URL_TEMPLATE", "https://replicate.com/{model}/versions/{version}/weights"),
			CircuitBreakerThreshold: getEnvAsInt("PROVIDER_CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitBreakerTimeout:   getEnvAsDuration("PROVIDER_CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
			RetryAttempts:           getEnvAsInt("PROVIDER_RETRY_ATTEMPTS", 3),
		},
		ProviderBudget: ProviderBudgetConfig{
			Enabled:        getEnvAsBool("PROVIDER_BUDGET_ENABLED", true),
			CallsPerSecond: getEnvAsInt("PROVIDER_BUDGET_CALLS_PER_SECOND", 50),
			ReservedCalls:  getEnvAsInt("PROVIDER_BUDGET_RESERVED_CALLS", 30),
		},
		Reconcile: ReconcileConfig{
			PollLockTTL:      getEnvAsDuration("RECONCILE_POLL_LOCK_TTL", 5*time.Second),
			SnapshotCacheTTL: getEnvAsDuration("RECONCILE_SNAPSHOT_CACHE_TTL", time.Hour),
			SubmitStaleAfter: getEnvAsDuration("RECONCILE_SUBMIT_STALE_AFTER", 10*time.Minute),
			RefundFailedJobs: getEnvAsBool("RECONCILE_REFUND_FAILED_JOBS", true),
			ExpectedDuration: map[types.JobType]time.Duration{
				types.JobTypeTraining:        getEnvAsDuration("EXPECTED_DURATION_TRAINING", 20*time.Minute),
				types.JobTypeImageGeneration: getEnvAsDuration("EXPECTED_DURATION_IMAGE", time.Minute),
				types.JobTypeVideoGeneration: getEnvAsDuration("EXPECTED_DURATION_VIDEO", 5*time.Minute),
			},
		},
		Sweep: SweepConfig{
			Interval:  getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
			BatchSize: getEnvAsInt("SWEEP_BATCH_SIZE", 100),
			Workers:   getEnvAsInt("SWEEP_WORKERS", 4),
			MinAge:    getEnvAsDuration("SWEEP_MIN_AGE", 15*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Internal: InternalConfig{
			Token: getEnv("INTERNAL_API_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	if c.ProviderBudget.ReservedCalls > c.ProviderBudget.CallsPerSecond {
		return fmt.Errorf("reserved provider calls (%d) cannot exceed total (%d)",
			c.ProviderBudget.ReservedCalls, c.ProviderBudget.CallsPerSecond)
	}

	if c.Provider.TrainerModel == "" {
		return fmt.Errorf("PROVIDER_TRAINER_MODEL is required")
	}

	for jobType, d := range c.Reconcile.ExpectedDuration {
		if d <= 0 {
			return fmt.Errorf("expected duration for %s must be positive", jobType)
		}
	}

	return nil
}

// Address returns host:port for the HTTP server
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
