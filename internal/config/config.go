// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Host   string
	Port   int
	LogDir string

	// Quote upstream.
	QuoteBaseURL    string
	QuoteToken      string
	HTTPTimeout     time.Duration
	MinCallInterval time.Duration
	QuotaReset      time.Duration
	MaxRetries      int
	QuoteTTL        time.Duration
	PriorityTTL     time.Duration
	ProfileTTL      time.Duration
	CacheCapacity   int
	PriorityWindow  time.Duration
	DrainInterval   time.Duration

	// Generation upstream.
	AIBaseURL         string
	AIAPIKey          string
	AIModel           string
	GenerationTimeout time.Duration

	// JitterFraction is nil when unset, leaving the library default in place.
	JitterFraction *float64

	LogLevel       slog.Level
	AllowedOrigins []string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	logDir := getEnv("ADVISOR_LOG_DIR", "")
	if logDir == "" {
		logDir = filepath.Join(".", "logs")
	}

	cfg := &Config{
		Host:   getEnv("ADVISOR_HOST", "0.0.0.0"),
		Port:   getEnvAsInt("ADVISOR_PORT", 8000),
		LogDir: logDir,

		QuoteBaseURL:    getEnv("ADVISOR_QUOTE_BASE_URL", "https://finnhub.io/api/v1"),
		QuoteToken:      getEnv("ADVISOR_QUOTE_TOKEN", ""),
		HTTPTimeout:     getEnvAsDuration("ADVISOR_QUOTE_HTTP_TIMEOUT", 10*time.Second),
		MinCallInterval: getEnvAsDuration("ADVISOR_QUOTE_MIN_INTERVAL", 1100*time.Millisecond),
		QuotaReset:      getEnvAsDuration("ADVISOR_QUOTE_QUOTA_RESET", time.Minute),
		MaxRetries:      getEnvAsInt("ADVISOR_QUOTE_MAX_RETRIES", 3),
		QuoteTTL:        getEnvAsDuration("ADVISOR_QUOTE_TTL", 5*time.Minute),
		PriorityTTL:     getEnvAsDuration("ADVISOR_PRIORITY_TTL", time.Minute),
		ProfileTTL:      getEnvAsDuration("ADVISOR_PROFILE_TTL", 24*time.Hour),
		CacheCapacity:   getEnvAsInt("ADVISOR_CACHE_CAPACITY", 1000),
		PriorityWindow:  getEnvAsDuration("ADVISOR_PRIORITY_WINDOW", time.Hour),
		DrainInterval:   getEnvAsDuration("ADVISOR_DRAIN_INTERVAL", 5*time.Second),

		AIBaseURL:         getEnv("ADVISOR_AI_BASE_URL", ""),
		AIAPIKey:          getEnv("ADVISOR_AI_API_KEY", ""),
		AIModel:           getEnv("ADVISOR_AI_MODEL", ""),
		GenerationTimeout: getEnvAsDuration("ADVISOR_AI_TIMEOUT", 90*time.Second),

		JitterFraction: getEnvAsFloatPtr("ADVISOR_JITTER_FRACTION"),

		LogLevel:       parseLogLevel(getEnv("ADVISOR_LOG_LEVEL", "info")),
		AllowedOrigins: splitOrigins(getEnv("ADVISOR_ALLOWED_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.QuoteBaseURL == "" {
		return fmt.Errorf("quote base URL is required (ADVISOR_QUOTE_BASE_URL)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitOrigins(value string) []string {
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvAsFloatPtr(key string) *float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return &f
		}
	}
	return nil
}
