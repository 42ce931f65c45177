// Package config loads and validates the process configuration from the
// environment. Validation failures are fatal at startup, never per-request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Error reports an unusable configuration value. It is returned by
// [Config.Validate] and terminates the process during bootstrap.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config holds every tunable the service reads from the environment.
// Instances are built once by [FromEnv] and treated as immutable afterwards.
type Config struct {
	HTTPAddr string

	MongoURI string
	MongoDB  string
	RedisURI string

	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	LockoutThreshold int
	LockoutWindow    time.Duration

	BanSweepInterval time.Duration

	LogLevel  string
	LogFormat string // "console" or "json"
	LogFile   string // empty = stdout only
}

// FromEnv builds a Config from GATEKEEP_* environment variables, applying
// defaults for everything except the secrets and connection strings.
func FromEnv() Config {
	return Config{
		HTTPAddr:         getEnv("GATEKEEP_HTTP_ADDR", ":8080"),
		MongoURI:         os.Getenv("GATEKEEP_MONGO_URI"),
		MongoDB:          getEnv("GATEKEEP_MONGO_DB", "gatekeep"),
		RedisURI:         os.Getenv("GATEKEEP_REDIS_URI"),
		JWTSecret:        os.Getenv("GATEKEEP_JWT_SECRET"),
		AccessTTL:        getDuration("GATEKEEP_ACCESS_TTL", 24*time.Hour),
		RefreshTTL:       getDuration("GATEKEEP_REFRESH_TTL", 30*24*time.Hour),
		LockoutThreshold: getInt("GATEKEEP_LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    getDuration("GATEKEEP_LOCKOUT_WINDOW", time.Hour),
		BanSweepInterval: getDuration("GATEKEEP_BAN_SWEEP_INTERVAL", 5*time.Minute),
		LogLevel:         getEnv("GATEKEEP_LOG_LEVEL", "info"),
		LogFormat:        getEnv("GATEKEEP_LOG_FORMAT", "json"),
		LogFile:          os.Getenv("GATEKEEP_LOG_FILE"),
	}
}

// Validate checks the configuration for values the service cannot start
// without. It returns the first problem found.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return &Error{Field: "GATEKEEP_JWT_SECRET", Reason: "signing secret is required"}
	}
	if c.MongoURI == "" {
		return &Error{Field: "GATEKEEP_MONGO_URI", Reason: "durable store connection string is required"}
	}
	if c.RedisURI == "" {
		return &Error{Field: "GATEKEEP_REDIS_URI", Reason: "cache connection string is required"}
	}
	if c.AccessTTL <= 0 {
		return &Error{Field: "GATEKEEP_ACCESS_TTL", Reason: "must be positive"}
	}
	if c.RefreshTTL <= 0 {
		return &Error{Field: "GATEKEEP_REFRESH_TTL", Reason: "must be positive"}
	}
	if c.LockoutThreshold < 1 {
		return &Error{Field: "GATEKEEP_LOCKOUT_THRESHOLD", Reason: "must be at least 1"}
	}
	if c.LockoutWindow <= 0 {
		return &Error{Field: "GATEKEEP_LOCKOUT_WINDOW", Reason: "must be positive"}
	}
	if c.BanSweepInterval <= 0 {
		return &Error{Field: "GATEKEEP_BAN_SWEEP_INTERVAL", Reason: "must be positive"}
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return &Error{Field: "GATEKEEP_LOG_FORMAT", Reason: "must be console or json"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
