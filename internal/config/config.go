// Package config validates the process's environment variables per spec §6
// and fails fast with a diagnostic listing every missing/invalid name.
// Adapted from the teacher's internal/v1/config/config.go: same
// fail-fast-with-joined-errors shape, same slog-based pre-init logging
// (zap isn't constructed yet when this runs), same redactSecret helper —
// re-keyed to this domain's variable set.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	Port string

	ClerkSecretKey      string
	ClerkPublishableKey string

	ConvexURL       string
	ConvexDeployKey string

	RedisAddr     string
	RedisPassword string

	WSHeartbeatInterval time.Duration
	WSConnectionTimeout time.Duration

	RoomInactivityTimeout time.Duration
	MaxRoomsPerServer     int
	TurnTimeLimit         time.Duration

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	MessageBatchSize    int
	MessageBatchTimeout time.Duration

	LogLevel          string
	HealthCheckTimeout time.Duration

	FrontendURL string
	CORSOrigins string
}

// ValidateEnv validates all required environment variables and returns a
// Config, or an error joining every missing/invalid variable name.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "3001")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.ClerkSecretKey = os.Getenv("CLERK_SECRET_KEY")
	if cfg.ClerkSecretKey == "" {
		errs = append(errs, "CLERK_SECRET_KEY is required")
	}
	cfg.ClerkPublishableKey = os.Getenv("CLERK_PUBLISHABLE_KEY")
	if cfg.ClerkPublishableKey == "" {
		errs = append(errs, "CLERK_PUBLISHABLE_KEY is required")
	}

	cfg.ConvexURL = os.Getenv("CONVEX_URL")
	if cfg.ConvexURL == "" {
		errs = append(errs, "CONVEX_URL is required")
	}
	cfg.ConvexDeployKey = os.Getenv("CONVEX_DEPLOY_KEY")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.WSHeartbeatInterval = durationMsOrDefault("WS_HEARTBEAT_INTERVAL", 30000, &errs)
	cfg.WSConnectionTimeout = durationMsOrDefault("WS_CONNECTION_TIMEOUT", 60000, &errs)
	cfg.RoomInactivityTimeout = durationMsOrDefault("ROOM_INACTIVITY_TIMEOUT", 1800000, &errs)
	cfg.TurnTimeLimit = durationMsOrDefault("TURN_TIME_LIMIT", 90000, &errs)
	cfg.RateLimitWindow = durationMsOrDefault("RATE_LIMIT_WINDOW", 60000, &errs)
	cfg.MessageBatchTimeout = durationMsOrDefault("MESSAGE_BATCH_TIMEOUT", 100, &errs)
	cfg.HealthCheckTimeout = durationMsOrDefault("HEALTH_CHECK_TIMEOUT", 5000, &errs)

	cfg.MaxRoomsPerServer = intOrDefault("MAX_ROOMS_PER_SERVER", 100, &errs)
	cfg.RateLimitMaxRequests = intOrDefault("RATE_LIMIT_MAX_REQUESTS", 100, &errs)
	cfg.MessageBatchSize = intOrDefault("MESSAGE_BATCH_SIZE", 10, &errs)

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "INFO")
	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR (got '%s')", cfg.LogLevel))
	}

	cfg.FrontendURL = os.Getenv("FRONTEND_URL")
	cfg.CORSOrigins = os.Getenv("CORS_ORIGINS")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func durationMsOrDefault(key string, defaultMs int, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer number of milliseconds (got '%s')", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(key string, defaultValue int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"port", cfg.Port,
		"clerk_secret_key", redactSecret(cfg.ClerkSecretKey),
		"convex_url", cfg.ConvexURL,
		"ws_heartbeat_interval", cfg.WSHeartbeatInterval,
		"room_inactivity_timeout", cfg.RoomInactivityTimeout,
		"max_rooms_per_server", cfg.MaxRoomsPerServer,
		"turn_time_limit", cfg.TurnTimeLimit,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
