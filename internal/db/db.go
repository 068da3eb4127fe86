package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and applies pool settings.
//
// Lease claims depend on FOR UPDATE SKIP LOCKED, which mysql and postgres
// provide. sqlite serializes writers instead, which preserves claim
// exclusivity for a single process; use it for development and tests only.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Kind {
	case KindSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case KindMySQL:
		dialector = mysql.Open(cfg.DSN)
	case KindPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database kind %q", cfg.Kind)
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Kind, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Kind == KindSQLite {
		// One writer at a time keeps sqlite's lock errors out of the claim
		// and audit paths.
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}
