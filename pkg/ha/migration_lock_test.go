package ha

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A named shared-cache database lets every pool connection (and every
	// goroutine) see the same in-memory tables, while keeping tests
	// isolated from each other.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	return gdb
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	locker := NewMigrationLocker(nil)
	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestRowMigrationLock_WithLock(t *testing.T) {
	gdb := setupTestDB(t)
	locker := NewMigrationLocker(gdb)

	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}

	// Verify lock was released: lock table should be empty.
	var count int64
	gdb.Model(&migrationLockRow{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", count)
	}
}

func TestRowMigrationLock_ErrorPropagation(t *testing.T) {
	gdb := setupTestDB(t)
	locker := NewMigrationLocker(gdb)

	expectedErr := "migration failed"
	err := locker.WithLock(context.Background(), func() error {
		return &testError{msg: expectedErr}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != expectedErr {
		t.Errorf("error = %q, want %q", err.Error(), expectedErr)
	}

	// Lock should still be released after error.
	var count int64
	gdb.Model(&migrationLockRow{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", count)
	}
}

func TestRowMigrationLock_Serialization(t *testing.T) {
	gdb := setupTestDB(t)
	locker := NewMigrationLocker(gdb)

	// Two concurrent WithLock calls must serialize: only one runs the
	// critical section at a time.
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestRowMigrationLock_ContextCancellation(t *testing.T) {
	gdb := setupTestDB(t)
	locker := NewMigrationLocker(gdb)

	// Acquire the lock first.
	err := locker.WithLock(context.Background(), func() error {
		// While holding the lock, try to acquire it again with a cancelled
		// context.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err2 := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		if err2 == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

func TestRowMigrationLock_StealsStaleLock(t *testing.T) {
	gdb := setupTestDB(t)
	locker := NewMigrationLocker(gdb)

	// A holder that crashed mid-migration leaves its row behind.
	stale := migrationLockRow{
		ID:       migrationLockKey,
		LockedAt: time.Now().Add(-2 * staleLockAge),
		LockedBy: "crashed-pod",
	}
	if err := gdb.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed stale lock: %v", err)
	}

	start := time.Now()
	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
	// The stale row must be cleared on the first attempt, not waited out.
	if elapsed := time.Since(start); elapsed >= lockRetryInterval {
		t.Errorf("stale lock took %v to steal, want < %v", elapsed, lockRetryInterval)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string { return e.msg }
