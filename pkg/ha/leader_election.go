package ha

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashplane/hashplane/internal/db"
)

// errLeaseHeld aborts the acquire transaction when another replica holds an
// unexpired lease.
var errLeaseHeld = errors.New("lease held by another instance")

// leaderLease is the shared lease row. Whichever replica holds an
// unexpired lease under its identity is the leader; everyone else keeps
// polling for the expiry to pass.
type leaderLease struct {
	Name      string    `gorm:"primaryKey;column:name;type:varchar(64)"`
	HolderID  string    `gorm:"column:holder_id;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	RenewedAt time.Time `gorm:"column:renewed_at"`
}

// TableName returns the GORM table name.
func (leaderLease) TableName() string { return "leader_leases" }

// LeaderElector manages row-lease leader election for singleton background
// loops. Only the elected leader replica runs loops such as the command
// expiry sweeper; the election rides on the primary database, so it needs
// no coordination service.
type LeaderElector struct {
	config      *HAConfig
	db          *gorm.DB
	identity    string
	isLeader    bool
	lastRenewal time.Time
	seenLeader  string
	mu          sync.RWMutex
	logger      *slog.Logger
	onStart     func(ctx context.Context)
	onStop      func()
}

// NewLeaderElector creates a new LeaderElector. The identity should be
// unique per replica (typically the pod name or hostname).
func NewLeaderElector(cfg *HAConfig, gdb *gorm.DB, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config:   cfg,
		db:       gdb,
		identity: identity,
		logger:   logger,
	}
}

// AutoMigrate creates the lease table.
func (le *LeaderElector) AutoMigrate() error {
	return le.db.AutoMigrate(&leaderLease{})
}

// OnStartLeading registers a callback invoked when this instance becomes
// leader. The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses
// leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run starts leader election. It blocks until the context is cancelled, at
// which point a held lease is released so another replica can take over
// without waiting out the lease duration.
func (le *LeaderElector) Run(ctx context.Context) {
	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"leaseDuration", le.config.LeaseDuration,
		"renewDeadline", le.config.RenewDeadline,
		"retryPeriod", le.config.RetryPeriod,
	)

	ticker := time.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()

	var leaderCtx context.Context
	var cancelLeader context.CancelFunc

	for {
		acquired, holder := le.tryAcquireOrRenew(ctx)
		switch {
		case acquired && !le.IsLeader():
			le.setLeader(true)
			le.logger.Info("elected as leader", "identity", le.identity)
			leaderCtx, cancelLeader = context.WithCancel(ctx)
			if le.onStart != nil {
				go le.onStart(leaderCtx)
			}
		case acquired:
			le.mu.Lock()
			le.lastRenewal = time.Now()
			le.mu.Unlock()
		case !acquired && le.IsLeader():
			// Renewal failures get RenewDeadline of grace before the
			// leader steps down.
			if time.Since(le.renewedAt()) > le.config.RenewDeadline {
				le.stepDown(cancelLeader)
				cancelLeader = nil
			}
		default:
			le.observeLeader(holder)
		}

		select {
		case <-ctx.Done():
			if le.IsLeader() {
				le.release()
				le.stepDown(cancelLeader)
			}
			return
		case <-ticker.C:
		}
	}
}

// tryAcquireOrRenew attempts to take or extend the lease in one
// transaction. It returns whether this instance holds the lease afterwards
// and, when it does not, the identity of the current holder.
func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) (bool, string) {
	now := time.Now().UTC()
	holder := ""
	err := le.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// SQLite rejects FOR UPDATE; its writer model already serializes
		// the transaction.
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var lease leaderLease
		err := q.First(&lease, "name = ?", le.config.LeaseName).Error
		if err == gorm.ErrRecordNotFound {
			lease = leaderLease{
				Name:      le.config.LeaseName,
				HolderID:  le.identity,
				ExpiresAt: now.Add(le.config.LeaseDuration),
				RenewedAt: now,
			}
			if cerr := tx.Create(&lease).Error; cerr != nil {
				if db.IsDuplicateKey(cerr) {
					// Lost the creation race; retry next period.
					return errLeaseHeld
				}
				return cerr
			}
			return nil
		}
		if err != nil {
			return err
		}

		if lease.HolderID != le.identity && lease.ExpiresAt.After(now) {
			holder = lease.HolderID
			return errLeaseHeld
		}
		return tx.Model(&leaderLease{}).Where("name = ?", le.config.LeaseName).Updates(map[string]any{
			"holder_id":  le.identity,
			"expires_at": now.Add(le.config.LeaseDuration),
			"renewed_at": now,
		}).Error
	})
	if err != nil {
		return false, holder
	}
	return true, le.identity
}

// release deletes the lease row if this instance still holds it.
func (le *LeaderElector) release() {
	err := le.db.Where("name = ? AND holder_id = ?", le.config.LeaseName, le.identity).
		Delete(&leaderLease{}).Error
	if err != nil {
		le.logger.Error("failed to release leader lease", "error", err)
	}
}

func (le *LeaderElector) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.lastRenewal = time.Now()
	le.mu.Unlock()
}

func (le *LeaderElector) renewedAt() time.Time {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.lastRenewal
}

func (le *LeaderElector) stepDown(cancel context.CancelFunc) {
	le.setLeader(false)
	le.logger.Info("lost leadership", "identity", le.identity)
	if cancel != nil {
		cancel()
	}
	if le.onStop != nil {
		le.onStop()
	}
}

func (le *LeaderElector) observeLeader(holder string) {
	if holder == "" || holder == le.identity {
		return
	}
	le.mu.Lock()
	changed := le.seenLeader != holder
	le.seenLeader = holder
	le.mu.Unlock()
	if changed {
		le.logger.Info("new leader elected", "leader", holder)
	}
}
