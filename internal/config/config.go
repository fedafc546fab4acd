// Package config loads apex-debug runtime configuration from the
// environment (with optional .env support via godotenv).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the debugger reads at startup.
type Config struct {
	// NodeBinary holds the configured runtime command. Session launches
	// do not read it; their default command comes from SessionConfig.
	NodeBinary string

	// SpawnTimeout holds the configured wait for the inspector endpoint
	// line. Session launches use the SessionConfig default instead.
	SpawnTimeout time.Duration

	// CommandTimeout holds the configured per-CDP-call deadline. Session
	// launches use the SessionConfig default instead.
	CommandTimeout time.Duration

	// TerminateGrace holds the configured SIGTERM-to-SIGKILL grace.
	// Session launches use the SessionConfig default instead.
	TerminateGrace time.Duration

	// SampleIntervalFloor is the minimum accepted hang-detector interval.
	SampleIntervalFloor time.Duration

	// HTTPPort is the port for the HTTP control surface ("" disables it).
	HTTPPort string

	// Environment is "production" or "development".
	Environment string
}

// Load reads configuration once. A missing .env file is not an error.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		// Environment variables alone are fine.
		_ = godotenv.Load("../.env")
	}

	return &Config{
		NodeBinary:          getEnv("APEX_DEBUG_NODE", "node"),
		SpawnTimeout:        getEnvDuration("APEX_DEBUG_SPAWN_TIMEOUT", 10*time.Second),
		CommandTimeout:      getEnvDuration("APEX_DEBUG_COMMAND_TIMEOUT", 10*time.Second),
		TerminateGrace:      getEnvDuration("APEX_DEBUG_TERMINATE_GRACE", 2*time.Second),
		SampleIntervalFloor: getEnvDuration("APEX_DEBUG_SAMPLE_FLOOR", 10*time.Millisecond),
		HTTPPort:            getEnv("APEX_DEBUG_HTTP_PORT", ""),
		Environment:         getEnv("ENVIRONMENT", "development"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
