package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations so that two fleet-server
// replicas rolling out at the same time never run AutoMigrate concurrently.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock. It blocks
	// until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses advisory locks; other databases use a row-based
// fallback. The lock table is created immediately for the fallback strategy.
func NewMigrationLocker(gdb *gorm.DB) MigrationLocker {
	if gdb == nil {
		return &noopMigrationLock{}
	}
	if gdb.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     gdb,
			lockID: int64(crc32.ChecksumIEEE([]byte("fleet-server-migration"))),
		}
	}
	lock := &rowMigrationLock{db: gdb}
	// Create the lock table up front so concurrent callers never hit
	// "no such table" on their first WithLock call.
	_ = gdb.AutoMigrate(&migrationLockRow{})
	return lock
}

// noopMigrationLock is used when no database is configured.
type noopMigrationLock struct{}

func (n *noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock serializes migrations with PostgreSQL advisory locks.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// pg_advisory_lock blocks until the lock is available.
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// migrationLockRow is the single lock row for non-PostgreSQL databases.
type migrationLockRow struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRow) TableName() string { return "migration_lock" }

const (
	migrationLockKey  = "migration"
	lockRetryInterval = 1 * time.Second
	lockMaxRetries    = 30
	staleLockAge      = 5 * time.Minute
)

// rowMigrationLock locks via INSERT-or-fail on a fixed row (SQLite, MySQL).
// Rows older than staleLockAge are deleted before each attempt so a crashed
// migrator cannot wedge the next rollout.
type rowMigrationLock struct {
	db *gorm.DB
}

func (l *rowMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	row := migrationLockRow{
		ID:       migrationLockKey,
		LockedBy: defaultIdentity(),
	}

	acquired := false
	for i := 0; i < lockMaxRetries; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockKey, time.Now().Add(-staleLockAge)).
			Delete(&migrationLockRow{})

		row.LockedAt = time.Now()
		result := l.db.WithContext(ctx).Create(&row)
		if result.Error == nil {
			acquired = true
			break
		}
		if i == lockMaxRetries-1 {
			return fmt.Errorf("acquire migration lock after %d retries: %w", lockMaxRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("acquire migration lock")
	}

	defer func() {
		l.db.Where("id = ?", migrationLockKey).Delete(&migrationLockRow{})
	}()
	return fn()
}
