// Package config provides environment-aware server configuration and the
// YAML rules document the engine is frozen from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sievemail/scan_engine/pkg/logger"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all server configuration
type Config struct {
	// Environment
	Env Environment

	// Listener
	ListenAddr  string
	MetricsAddr string

	// Controller auth
	ControllerPassword string

	// Scan engine
	Workers            int
	TaskDeadline       time.Duration
	SymbolTimeout      time.Duration
	SoftBudget         time.Duration
	RulesFile          string
	CompositeMapFiles  []string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// HTTP collaborator
	HTTPMaxBodySize int64

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	Logging logger.LoggingConfig
}

// Load loads configuration based on the SCAN_ENV environment variable.
func Load() (*Config, error) {
	envStr := getEnv("SCAN_ENV", string(Development))
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid SCAN_ENV: %s (must be development, testing, or production)", envStr)
	}

	// Load environment-specific .env file
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	cfg.loadFromEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	c.ListenAddr = getEnv("SCAN_LISTEN_ADDR", ":11333")
	c.MetricsAddr = getEnv("SCAN_METRICS_ADDR", ":11334")
	c.ControllerPassword = getEnv("SCAN_CONTROLLER_PASSWORD", "")

	c.Workers = getIntEnv("SCAN_WORKERS", 4)
	c.TaskDeadline = getDurationEnv("SCAN_TASK_DEADLINE", 8*time.Second)
	c.SymbolTimeout = getDurationEnv("SCAN_SYMBOL_TIMEOUT", time.Second)
	c.SoftBudget = getDurationEnv("SCAN_SOFT_BUDGET", 50*time.Millisecond)
	c.RulesFile = getEnv("SCAN_RULES_FILE", "rules.yml")
	if mapFile := getEnv("SCAN_COMPOSITE_MAP", ""); mapFile != "" {
		c.CompositeMapFiles = filepath.SplitList(mapFile)
	}

	c.RedisAddr = getEnv("SCAN_REDIS_ADDR", "")
	c.RedisPassword = getEnv("SCAN_REDIS_PASSWORD", "")
	c.RedisDB = getIntEnv("SCAN_REDIS_DB", 0)
	c.RedisPoolSize = getIntEnv("SCAN_REDIS_POOL_SIZE", 8)

	c.HTTPMaxBodySize = int64(getIntEnv("SCAN_HTTP_MAX_BODY", 1<<20))

	c.RateLimitEnabled = getBoolEnv("SCAN_RATE_LIMIT_ENABLED", c.Env == Production)
	c.RateLimitRequests = getIntEnv("SCAN_RATE_LIMIT_REQUESTS", 100)
	c.RateLimitWindow = getDurationEnv("SCAN_RATE_LIMIT_WINDOW", time.Second)

	c.Logging = logger.LoggingConfig{
		Level:      getEnv("SCAN_LOG_LEVEL", "info"),
		Format:     getEnv("SCAN_LOG_FORMAT", "text"),
		Output:     getEnv("SCAN_LOG_OUTPUT", "stdout"),
		FilePrefix: getEnv("SCAN_LOG_FILE_PREFIX", "scan_engine"),
	}
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("SCAN_WORKERS must be positive, got %d", c.Workers)
	}
	if c.TaskDeadline <= 0 {
		return fmt.Errorf("SCAN_TASK_DEADLINE must be positive")
	}
	if c.Env == Production && c.ControllerPassword == "" {
		return fmt.Errorf("SCAN_CONTROLLER_PASSWORD is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
