// Copyright 2025 Certen Protocol
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level configuration common to both the relay and
// coordinator binaries. A deployment's chain roster (which chains, which
// families, which RPC endpoints, which submitter keys) is structural and
// lives in the YAML overlay loaded by LoadChainsFile (file.go), not here:
// this struct covers only scalar, environment-native process settings.
type Config struct {
	// Identity
	InstanceID string // RELAY_ID or COORDINATOR_ID, required

	// HTTP surfaces
	ListenAddr  string // health + (coordinator-only) query API
	MetricsAddr string

	// Chain roster overlay
	ChainsConfigPath string // path to YAML file describing chain adapters

	// Storage
	DataDir string // goleveldb directory for cursor + projection state

	// Projection store backend ("kv" default, or "postgres")
	ProjectionBackend string
	DatabaseURL       string // required when ProjectionBackend == "postgres"

	// Delivery queue tuning (relay only; unused on coordinator)
	DeliveryWorkers     int
	DeliveryMaxAttempts int

	// Trust cache
	TrustRefreshInterval time.Duration

	LogLevel string

	ShutdownGrace time.Duration
}

// Load reads process configuration from environment variables.
//
// CRITICAL: these variables are read under exactly these names, with no
// aliases:
//   - RELAY_ID or COORDINATOR_ID (instanceIDEnvVar selects which)
//   - CHAINS_CONFIG_PATH (not CHAIN_CONFIG or CHAINS_FILE)
//   - DATABASE_URL (not DB_URL or POSTGRES_URL)
//
// SECURITY: InstanceID and ChainsConfigPath have no default and must be
// explicitly set. Call Validate() after Load() before starting the service.
func Load(instanceIDEnvVar string) (*Config, error) {
	cfg := &Config{
		InstanceID: getEnv(instanceIDEnvVar, ""),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		ChainsConfigPath: getEnv("CHAINS_CONFIG_PATH", ""),
		DataDir:          getEnv("DATA_DIR", "./data"),

		ProjectionBackend: getEnv("PROJECTION_BACKEND", "kv"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),

		DeliveryWorkers:     getEnvInt("DELIVERY_WORKERS", 4),
		DeliveryMaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 0),

		TrustRefreshInterval: getEnvDuration("TRUST_REFRESH_INTERVAL", 5*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and
// internally consistent. A process refuses to start rather than run
// against an inadmissible configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.InstanceID == "" {
		errs = append(errs, "instance id is required but not set")
	}
	if c.ChainsConfigPath == "" {
		errs = append(errs, "CHAINS_CONFIG_PATH is required but not set")
	}
	if c.ProjectionBackend != "kv" && c.ProjectionBackend != "postgres" {
		errs = append(errs, fmt.Sprintf("PROJECTION_BACKEND must be \"kv\" or \"postgres\", got %q", c.ProjectionBackend))
	}
	if c.ProjectionBackend == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required when PROJECTION_BACKEND=postgres")
	}
	if c.DeliveryWorkers < 0 {
		errs = append(errs, "DELIVERY_WORKERS must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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
