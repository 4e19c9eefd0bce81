// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis (optional, enables the model score cache)
	RedisAddr     string
	RedisPassword string
	ScoreCacheTTL time.Duration

	// History provider (upstream banking system)
	HistoryProviderURL string
	HistoryLimit       int

	// External scoring model
	ModelEndpoint string
	ModelAPIKey   string
	ModelName     string
	ModelTimeout  time.Duration

	// Escalation rules
	NewRecipientThreshold float64
	EscalationFloor       float64
	DeviationMultiplier   float64

	// Behavioral signals
	Velocity15mThreshold int
	Velocity60mThreshold int
	OffHoursStart        int
	OffHoursEnd          int
	UTCOffsetMinutes     int
	HeuristicBase        float64

	// Vector index
	VectorIndexURL    string
	VectorQueueSize   int
	VectorMaxAttempts int

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultHistoryLimit          = 50
	DefaultModelName             = "gemini-1.5-flash"
	DefaultModelTimeout          = 8 * time.Second
	DefaultNewRecipientThreshold = 999
	DefaultEscalationFloor       = 0.8
	DefaultDeviationMultiplier   = 9
	DefaultVelocity15mThreshold  = 3
	DefaultVelocity60mThreshold  = 6
	DefaultOffHoursStart         = 23
	DefaultOffHoursEnd           = 6
	DefaultHeuristicBase         = 0.3
	DefaultVectorQueueSize       = 256
	DefaultVectorMaxAttempts     = 3
	DefaultScoreCacheTTL         = 10 * time.Minute
	DefaultRateLimit             = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		ScoreCacheTTL:         getEnvDuration("SCORE_CACHE_TTL", DefaultScoreCacheTTL),
		HistoryProviderURL:    os.Getenv("HISTORY_PROVIDER_URL"),
		HistoryLimit:          getEnvInt("HISTORY_LIMIT", DefaultHistoryLimit),
		ModelEndpoint:         os.Getenv("MODEL_ENDPOINT"),
		ModelAPIKey:           os.Getenv("MODEL_API_KEY"),
		ModelName:             getEnv("MODEL_NAME", DefaultModelName),
		ModelTimeout:          getEnvDuration("MODEL_TIMEOUT", DefaultModelTimeout),
		NewRecipientThreshold: getEnvFloat("NEW_RECIPIENT_AMOUNT_THRESHOLD", DefaultNewRecipientThreshold),
		EscalationFloor:       getEnvFloat("ESCALATION_SCORE_FLOOR", DefaultEscalationFloor),
		DeviationMultiplier:   getEnvFloat("DEVIATION_MULTIPLIER", DefaultDeviationMultiplier),
		Velocity15mThreshold:  getEnvInt("VELOCITY_15M_THRESHOLD", DefaultVelocity15mThreshold),
		Velocity60mThreshold:  getEnvInt("VELOCITY_60M_THRESHOLD", DefaultVelocity60mThreshold),
		OffHoursStart:         getEnvInt("OFF_HOURS_START", DefaultOffHoursStart),
		OffHoursEnd:           getEnvInt("OFF_HOURS_END", DefaultOffHoursEnd),
		UTCOffsetMinutes:      getEnvInt("UTC_OFFSET_MINUTES", 0),
		HeuristicBase:         getEnvFloat("HEURISTIC_BASE_SCORE", DefaultHeuristicBase),
		VectorIndexURL:        os.Getenv("VECTOR_INDEX_URL"),
		VectorQueueSize:       getEnvInt("VECTOR_QUEUE_SIZE", DefaultVectorQueueSize),
		VectorMaxAttempts:     getEnvInt("VECTOR_MAX_ATTEMPTS", DefaultVectorMaxAttempts),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.EscalationFloor < 0 || c.EscalationFloor > 1 {
		return fmt.Errorf("ESCALATION_SCORE_FLOOR must be in [0,1], got %g", c.EscalationFloor)
	}
	if c.NewRecipientThreshold < 0 {
		return fmt.Errorf("NEW_RECIPIENT_AMOUNT_THRESHOLD must be non-negative, got %g", c.NewRecipientThreshold)
	}
	if c.DeviationMultiplier <= 1 {
		return fmt.Errorf("DEVIATION_MULTIPLIER must be greater than 1, got %g", c.DeviationMultiplier)
	}
	if c.OffHoursStart < 0 || c.OffHoursStart > 23 || c.OffHoursEnd < 0 || c.OffHoursEnd > 23 {
		return fmt.Errorf("off-hours bounds must be hours 0-23, got %d..%d", c.OffHoursStart, c.OffHoursEnd)
	}
	if c.Velocity15mThreshold < 0 || c.Velocity60mThreshold < 0 {
		return fmt.Errorf("velocity thresholds must be non-negative")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive, got %s", c.ModelTimeout)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
