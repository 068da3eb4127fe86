package dispatch

import (
	"os"
	"strconv"
)

// Config holds dispatch and sweep settings.
type Config struct {
	// LeaseTTLSec bounds how long a collector holds a claim before the
	// command becomes reclaimable.
	LeaseTTLSec int
	// PollMaxCommands caps commands handed out per poll.
	PollMaxCommands int
	// SweepIntervalSec is the expiry sweep period.
	SweepIntervalSec int
	// SweepBatch caps commands expired per sweep pass.
	SweepBatch int
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() Config {
	return Config{
		LeaseTTLSec:      120,
		PollMaxCommands:  20,
		SweepIntervalSec: 30,
		SweepBatch:       100,
	}
}

// ConfigFromEnv returns a Config built from environment variables, falling
// back to defaults:
//   - FLEET_LEASE_TTL_SEC
//   - FLEET_POLL_MAX_COMMANDS
//   - FLEET_SWEEP_INTERVAL_SEC
//   - FLEET_SWEEP_BATCH
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	setIntFromEnv(&cfg.LeaseTTLSec, "FLEET_LEASE_TTL_SEC")
	setIntFromEnv(&cfg.PollMaxCommands, "FLEET_POLL_MAX_COMMANDS")
	setIntFromEnv(&cfg.SweepIntervalSec, "FLEET_SWEEP_INTERVAL_SEC")
	setIntFromEnv(&cfg.SweepBatch, "FLEET_SWEEP_BATCH")
	return cfg
}

func setIntFromEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
