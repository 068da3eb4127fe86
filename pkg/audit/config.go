package audit

import (
	"os"
	"strconv"
)

// Config controls audit behavior.
type Config struct {
	Enabled         bool // Whether the HTTP capture middleware is active
	LogDenied       bool // Whether to log denied (401/403) requests
	ExportBatchSize int  // Events per batch when streaming an export
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		LogDenied:       true,
		ExportBatchSize: 500,
	}
}

// ConfigFromEnv loads config from environment variables.
// FLEET_AUDIT_ENABLED, FLEET_AUDIT_LOG_DENIED, FLEET_AUDIT_EXPORT_BATCH
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("FLEET_AUDIT_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("FLEET_AUDIT_LOG_DENIED"); v != "" {
		cfg.LogDenied, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("FLEET_AUDIT_EXPORT_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ExportBatchSize = n
		}
	}

	return cfg
}
