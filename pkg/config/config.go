// Package config centralizes tuning defaults and the environment
// surface of the server binaries.
package config

import (
	"os"
	"strconv"
	"time"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDBPath      = "data/aquifer.db"
	DefaultMaxMemoryMB = 48
)

// Cache tuning
const (
	DefaultResponseTTL     = time.Hour
	DefaultLocalMaxEntries = 1000
	BadgerGCInterval       = 10 * time.Minute
	BadgerGCDiscardRatio   = 0.5
)

// Warming
const (
	DefaultWarmWorkers  = 4
	DefaultWarmInterval = 6 * time.Hour
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Config is the process configuration, read once at startup.
type Config struct {
	Port            string
	DBPath          string
	SharedCachePath string // empty runs local-memory-only
	MaxMemoryMB     int64
	ResponseTTL     time.Duration
	LocalMaxEntries int
	WarmWorkers     int
	WarmInterval    time.Duration
	WarmingCatalog  string // YAML pattern file; empty disables scheduled warming
	PurgeURL        string
	LogLevel        string
}

// FromEnv builds a Config from the environment, falling back to the
// defaults for anything unset or unparsable.
func FromEnv() Config {
	return Config{
		Port:            envOr("PORT", DefaultPort),
		DBPath:          envOr("AQUIFER_DB_PATH", DefaultDBPath),
		SharedCachePath: envOr("AQUIFER_SHARED_CACHE_PATH", ""),
		MaxMemoryMB:     envInt64("AQUIFER_MAX_MEMORY_MB", DefaultMaxMemoryMB),
		ResponseTTL:     envDuration("AQUIFER_CACHE_TTL", DefaultResponseTTL),
		LocalMaxEntries: int(envInt64("AQUIFER_LOCAL_MAX_ENTRIES", DefaultLocalMaxEntries)),
		WarmWorkers:     int(envInt64("AQUIFER_WARM_WORKERS", DefaultWarmWorkers)),
		WarmInterval:    envDuration("AQUIFER_WARM_INTERVAL", DefaultWarmInterval),
		WarmingCatalog:  envOr("AQUIFER_WARMING_CATALOG", ""),
		PurgeURL:        envOr("AQUIFER_PURGE_URL", ""),
		LogLevel:        envOr("AQUIFER_LOG_LEVEL", "info"),
	}
}

// Addr is the listen address derived from Port.
func (c Config) Addr() string {
	return ":" + c.Port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
