// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
)

// Config holds process settings shared by every command.
type Config struct {
	DataDir        string
	RubricDir      string
	LogLevel       string
	Port           string
	RedisAddr      string
	RedisPassword  string
	ScoringWorkers int
	WindowDays     int
	CacheTTL       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// FromEnv loads configuration from the environment with defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		DataDir:       getEnvOrDefault("DATA_DIR", "./data"),
		RubricDir:     getEnvOrDefault("RUBRIC_DIR", "./rubric"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		Port:          getEnvOrDefault("PORT", "8080"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	var err error
	if cfg.ScoringWorkers, err = intFromEnv("SCORING_WORKERS", runtime.NumCPU()); err != nil {
		return Config{}, err
	}
	if cfg.WindowDays, err = intFromEnv("WINDOW_DAYS", 7); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intFromEnv("RATE_LIMIT_BURST", 20); err != nil {
		return Config{}, err
	}

	ttl := getEnvOrDefault("CACHE_TTL", "5m")
	if cfg.CacheTTL, err = time.ParseDuration(ttl); err != nil {
		return Config{}, apperrors.NewConfigurationError("CACHE_TTL", fmt.Sprintf("invalid duration %q", ttl), err)
	}

	rps := getEnvOrDefault("RATE_LIMIT_RPS", "10")
	if cfg.RateLimitRPS, err = strconv.ParseFloat(rps, 64); err != nil {
		return Config{}, apperrors.NewConfigurationError("RATE_LIMIT_RPS", fmt.Sprintf("invalid number %q", rps), err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	switch {
	case c.ScoringWorkers < 1:
		return apperrors.NewConfigurationError("SCORING_WORKERS", "must be at least 1", nil)
	case c.WindowDays < 1:
		return apperrors.NewConfigurationError("WINDOW_DAYS", "must be at least 1", nil)
	case c.RateLimitRPS <= 0:
		return apperrors.NewConfigurationError("RATE_LIMIT_RPS", "must be positive", nil)
	case c.RateLimitBurst < 1:
		return apperrors.NewConfigurationError("RATE_LIMIT_BURST", "must be at least 1", nil)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intFromEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewConfigurationError(key, fmt.Sprintf("invalid integer %q", raw), err)
	}
	return value, nil
}
