package dispatch

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/command"
)

// LeaderGate reports whether this process currently holds the sweep
// leadership lease. With a nil gate the sweeper always runs, which is fine
// for a single replica.
type LeaderGate interface {
	IsLeader() bool
}

// Sweeper expires overdue commands in the background. Reclaiming elapsed
// leases needs no sweep at all: the claim predicate treats them as QUEUED.
type Sweeper struct {
	db     *gorm.DB
	store  *command.Store
	audit  *audit.Store
	gate   LeaderGate
	cfg    Config
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(db *gorm.DB, store *command.Store, auditStore *audit.Store, gate LeaderGate, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: db, store: store, audit: auditStore, gate: gate, cfg: cfg, logger: logger}
}

// SweepExpired marks one batch of overdue non-terminal commands EXPIRED and
// returns how many it moved. The per-command guarded update makes the sweep
// safe against concurrent acks and claims.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	overdue, err := s.store.ListOverdue(now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		c := overdue[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			moved, err := s.store.MarkExpired(tx, c.ID, now)
			if err != nil {
				return err
			}
			if !moved {
				return nil
			}
			expired++
			return s.audit.AppendTx(tx, &audit.Event{
				SiteID:    c.SiteID,
				ActorType: audit.ActorSystem,
				EventType: audit.EventCommandExpired,
				RefType:   "command",
				RefID:     c.ID,
				Payload: audit.JSONAny{
					"previous_status": string(c.Status),
					"expires_at":      c.ExpiresAt.Format(time.RFC3339),
				},
			})
		})
		if err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		s.logger.Info("expired overdue commands", "count", expired)
	}
	return expired, nil
}

// Run sweeps on the configured interval until ctx is cancelled. When a
// leader gate is set, non-leading replicas idle through their ticks.
func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if s.gate != nil && !s.gate.IsLeader() {
				continue
			}
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
