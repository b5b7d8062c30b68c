package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries the runtime knobs for the execution core. Values come from
// environment variables with defaults suitable for local development.
type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string

	// Tick coordinator
	TickInterval time.Duration

	// Intent execution
	ExecutionEnabled bool   // false = dry-run: intents complete without exchange calls
	ExecutionDriver  string // "sync" or "worker"
	MaxRetries       int
	RetryBaseDelay   time.Duration

	// Intent worker
	WorkerPollInterval     time.Duration
	MaxInFlight            int
	MaxInFlightPerExchange int

	// Exchange connector pacing
	MinRequestInterval time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
}

// Load reads configuration from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		Port:                   getString("PORT", "8080"),
		DatabasePath:           getString("DATABASE_PATH", "mmcore.db"),
		JWTSecret:              getString("JWT_SECRET", "mm-core-secret-key"),
		TickInterval:           getDuration("TICK_INTERVAL_MS", 1000) * time.Millisecond,
		ExecutionEnabled:       getBool("EXECUTION_ENABLED", true),
		ExecutionDriver:        getString("EXECUTION_DRIVER", "worker"),
		MaxRetries:             getInt("EXECUTION_MAX_RETRIES", 3),
		RetryBaseDelay:         getDuration("EXECUTION_RETRY_BASE_DELAY_MS", 250) * time.Millisecond,
		WorkerPollInterval:     getDuration("WORKER_POLL_INTERVAL_MS", 500) * time.Millisecond,
		MaxInFlight:            getInt("WORKER_MAX_IN_FLIGHT", 8),
		MaxInFlightPerExchange: getInt("WORKER_MAX_IN_FLIGHT_PER_EXCHANGE", 4),
		MinRequestInterval:     getDuration("EXCHANGE_MIN_REQUEST_INTERVAL_MS", 100) * time.Millisecond,
		ReconcileInterval:      getDuration("RECONCILE_INTERVAL_MS", 60000) * time.Millisecond,
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getInt(key, fallbackMs))
}
