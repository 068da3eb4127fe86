// Package dispatch hands approved commands to polling edge collectors and
// ingests their results. The claim is the one contended path in the system:
// it uses a skip-locked read so concurrent pollers shed work instead of
// queueing, and a guarded update so each command is claimed exactly once.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/fleet"
)

// Dispatcher implements lease-based claim-and-hand-out for edge pollers.
type Dispatcher struct {
	db     *gorm.DB
	store  *command.Store
	audit  *audit.Store
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(db *gorm.DB, store *command.Store, auditStore *audit.Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{db: db, store: store, audit: auditStore, cfg: cfg, logger: logger}
}

// Poll claims up to limit commands for the device's site and zone and
// returns them with fresh leases. Eligible commands are QUEUED, or
// DISPATCHED with an elapsed lease; expired commands and commands backing
// off until next_attempt_at are never handed out. A device polling again
// before its own lease elapses does not re-receive commands it holds.
func (d *Dispatcher) Poll(ctx context.Context, device *fleet.EdgeDevice, requestedZone string, limit int) ([]command.Command, error) {
	zone, err := fleet.ResolveZone(device, requestedZone)
	if err != nil {
		d.auditZoneDenied(device, requestedZone)
		return nil, errZoneAccess("device %s is not bound to zone %s", device.ID, requestedZone)
	}
	if limit <= 0 || limit > d.cfg.PollMaxCommands {
		limit = d.cfg.PollMaxCommands
	}

	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(d.cfg.LeaseTTLSec) * time.Second)

	var claimed []command.Command
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var rows []command.Command

		// Locking read with SKIP LOCKED so concurrent pollers never block
		// on each other. Dialects without it (sqlite) run a plain select;
		// the guarded update below still keeps claims exclusive.
		q := tx.Where("site_id = ?", device.SiteID).
			Where("(zone_id = '' OR zone_id = ?)", zone).
			Where("expires_at > ?", now).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(status = ? OR (status = ? AND lease_until < ?))",
				command.StatusQueued, command.StatusDispatched, now).
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}

		for i := range rows {
			c := rows[i]
			// Re-check the claim predicate in the update: zero rows
			// affected means another poller won the race for this row.
			res := tx.Model(&command.Command{}).
				Where("id = ? AND (status = ? OR (status = ? AND lease_until < ?))",
					c.ID, command.StatusQueued, command.StatusDispatched, now).
				Updates(map[string]any{
					"status":      command.StatusDispatched,
					"lease_owner": device.ID,
					"lease_until": leaseUntil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			if err := d.audit.AppendTx(tx, &audit.Event{
				SiteID:    c.SiteID,
				ActorType: audit.ActorDevice,
				ActorID:   device.ID,
				EventType: audit.EventCommandDispatched,
				RefType:   "command",
				RefID:     c.ID,
				Payload: audit.JSONAny{
					"command_type": string(c.CommandType),
					"zone_id":      zone,
					"lease_until":  leaseUntil.Format(time.RFC3339),
					"retry_count":  c.RetryCount,
				},
			}); err != nil {
				return err
			}

			owner := device.ID
			c.Status = command.StatusDispatched
			c.LeaseOwner = &owner
			c.LeaseUntil = &leaseUntil
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		d.logger.Info("commands dispatched",
			"device_id", device.ID, "site_id", device.SiteID, "zone_id", zone, "count", len(claimed))
	}
	return claimed, nil
}

func (d *Dispatcher) auditZoneDenied(device *fleet.EdgeDevice, requestedZone string) {
	d.audit.Observe(&audit.Event{
		SiteID:    device.SiteID,
		ActorType: audit.ActorDevice,
		ActorID:   device.ID,
		EventType: audit.EventZoneAccessDenied,
		RefType:   "zone",
		RefID:     requestedZone,
		Payload: audit.JSONAny{
			"bound_zone":     device.ZoneID,
			"requested_zone": requestedZone,
		},
	})
}
