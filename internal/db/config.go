// Package db opens the backing store and normalizes driver-specific
// behavior the stores depend on.
package db

import (
	"os"
	"strconv"
	"time"
)

// Kind selects the SQL dialect.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindMySQL    Kind = "mysql"
	KindPostgres Kind = "postgres"
)

// Config holds database connection settings.
type Config struct {
	Kind            Kind
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// DefaultConfig returns a local sqlite configuration suitable for
// development.
func DefaultConfig() Config {
	return Config{
		Kind:            KindSQLite,
		DSN:             "fleet.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// ConfigFromEnv builds Config from environment variables, falling back to
// defaults:
//   - FLEET_DB_KIND: sqlite | mysql | postgres
//   - FLEET_DB_DSN: driver-specific connection string
//   - FLEET_DB_MAX_OPEN_CONNS, FLEET_DB_MAX_IDLE_CONNS
//   - FLEET_DB_CONN_MAX_LIFETIME: Go duration, e.g. "30m"
//   - FLEET_DB_DEBUG: "true" logs every statement
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("FLEET_DB_KIND"); v != "" {
		cfg.Kind = Kind(v)
	}
	if v := os.Getenv("FLEET_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("FLEET_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("FLEET_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("FLEET_DB_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConnMaxLifetime = d
		}
	}
	if v := os.Getenv("FLEET_DB_DEBUG"); v != "" {
		cfg.Debug = v == "true" || v == "1"
	}
	return cfg
}
