package middleware

import (
	"time"

	"github.com/sievetrace-io/sievetrace/internal/config"
)

// Config holds rate limiter configuration.
//
// Two tiers: a global bucket covering all requests, and a per-source bucket
// keyed by client address. Burst fields of 0 are computed as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 100
	SourceRPS int // Default: 20

	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS)
	SourceBurst int // Default: 0 (computed as 2 × SourceRPS)

	// Idle-source cleanup.
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxSources      int           // Default: 10,000
}

// LoadConfig loads rate limiter config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		SourceRPS: config.GetEnvInt("RATE_LIMIT_SOURCE_RPS", defaultSourceRPS),

		GlobalBurst: config.GetEnvInt("RATE_LIMIT_GLOBAL_BURST", 0),
		SourceBurst: config.GetEnvInt("RATE_LIMIT_SOURCE_BURST", 0),

		CleanupInterval: config.GetEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", cleanupIntervalDefault),
		IdleTimeout:     config.GetEnvDuration("RATE_LIMIT_IDLE_TIMEOUT", idleTimeoutDefault),
		MaxSources:      config.GetEnvInt("RATE_LIMIT_MAX_SOURCES", defaultMaxSources),
	}
}
