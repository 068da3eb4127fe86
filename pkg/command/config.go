package command

import (
	"os"
	"strconv"
)

// Config holds command lifecycle settings.
type Config struct {
	// DefaultTTLSec is applied when a proposal omits ttl_seconds.
	DefaultTTLSec int
	// MinTTLSec and MaxTTLSec clamp requested TTLs.
	MinTTLSec int
	MaxTTLSec int
	// DefaultMaxRetries bounds execution retries per command.
	DefaultMaxRetries int
	// RetryBackoffBaseSec is the base for exponential retry backoff.
	RetryBackoffBaseSec int
	// MaxTargets bounds how many miners one command may address.
	MaxTargets int
	// AllowConcurrentTargetCommands disables the propose-time check that
	// rejects targets which already have an in-flight command.
	AllowConcurrentTargetCommands bool
}

// DefaultConfig returns the default command settings.
func DefaultConfig() Config {
	return Config{
		DefaultTTLSec:       3600,
		MinTTLSec:           60,
		MaxTTLSec:           7 * 24 * 3600,
		DefaultMaxRetries:   3,
		RetryBackoffBaseSec: 30,
		MaxTargets:          1000,
	}
}

// ConfigFromEnv builds Config from environment variables, falling back to
// defaults:
//   - FLEET_COMMAND_DEFAULT_TTL_SEC, FLEET_COMMAND_MIN_TTL_SEC,
//     FLEET_COMMAND_MAX_TTL_SEC
//   - FLEET_COMMAND_MAX_RETRIES, FLEET_COMMAND_RETRY_BACKOFF_BASE_SEC
//   - FLEET_COMMAND_MAX_TARGETS
//   - FLEET_ALLOW_CONCURRENT_TARGET_COMMANDS: "true" skips the in-flight
//     target conflict check
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	setIntFromEnv(&cfg.DefaultTTLSec, "FLEET_COMMAND_DEFAULT_TTL_SEC")
	setIntFromEnv(&cfg.MinTTLSec, "FLEET_COMMAND_MIN_TTL_SEC")
	setIntFromEnv(&cfg.MaxTTLSec, "FLEET_COMMAND_MAX_TTL_SEC")
	setIntFromEnv(&cfg.DefaultMaxRetries, "FLEET_COMMAND_MAX_RETRIES")
	setIntFromEnv(&cfg.RetryBackoffBaseSec, "FLEET_COMMAND_RETRY_BACKOFF_BASE_SEC")
	setIntFromEnv(&cfg.MaxTargets, "FLEET_COMMAND_MAX_TARGETS")
	if v := os.Getenv("FLEET_ALLOW_CONCURRENT_TARGET_COMMANDS"); v != "" {
		cfg.AllowConcurrentTargetCommands = v == "true" || v == "1"
	}
	return cfg
}

func setIntFromEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
