package command

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashplane/hashplane/internal/db"
	"github.com/hashplane/hashplane/pkg/filter"
)

func forUpdateClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// Store provides persistence for commands, targets and approvals.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AutoMigrate creates or updates the command tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Command{}); err != nil {
		return fmt.Errorf("auto-migrate commands: %w", err)
	}
	if err := s.db.AutoMigrate(&Target{}); err != nil {
		return fmt.Errorf("auto-migrate command_targets: %w", err)
	}
	if err := s.db.AutoMigrate(&Approval{}); err != nil {
		return fmt.Errorf("auto-migrate command_approvals: %w", err)
	}
	return nil
}

// Create inserts a command and its target rows.
func (s *Store) Create(cmd *Command, targets []Target) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cmd).Error; err != nil {
			return fmt.Errorf("create command: %w", err)
		}
		for i := range targets {
			targets[i].CommandID = cmd.ID
		}
		if err := tx.Create(&targets).Error; err != nil {
			return fmt.Errorf("create command targets: %w", err)
		}
		return nil
	})
}

// Get retrieves a command by id. Returns (nil, nil) when not found.
func (s *Store) Get(id string) (*Command, error) {
	var cmd Command
	if err := s.db.Where("id = ?", id).First(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return &cmd, nil
}

// GetForUpdate retrieves a command under a row lock inside tx. Dialects
// without FOR UPDATE (sqlite) fall back to a plain read.
func (s *Store) GetForUpdate(tx *gorm.DB, id string) (*Command, error) {
	var cmd Command
	q := tx.Where("id = ?", id)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(forUpdateClause())
	}
	if err := q.First(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get command for update: %w", err)
	}
	return &cmd, nil
}

// GetByDedupeKey retrieves the command created under a dedupe key.
// Returns (nil, nil) when no such command exists.
func (s *Store) GetByDedupeKey(key string) (*Command, error) {
	var cmd Command
	if err := s.db.Where("dedupe_key = ?", key).First(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get command by dedupe key: %w", err)
	}
	return &cmd, nil
}

// Targets returns the per-miner rows for a command in submission order.
func (s *Store) Targets(commandID string) ([]Target, error) {
	var targets []Target
	if err := s.db.Where("command_id = ?", commandID).Order("position ASC").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("get command targets: %w", err)
	}
	return targets, nil
}

// Approvals returns the decisions for a command ordered by step.
func (s *Store) Approvals(commandID string) ([]Approval, error) {
	var approvals []Approval
	if err := s.db.Where("command_id = ?", commandID).Order("step ASC, created_at ASC").Find(&approvals).Error; err != nil {
		return nil, fmt.Errorf("get command approvals: %w", err)
	}
	return approvals, nil
}

// HasApproved reports whether the approver already has an approve row on
// the command. Callers hold the command row lock, so check-then-insert is
// race-free.
func (s *Store) HasApproved(commandID, approverID string) (bool, error) {
	var count int64
	err := s.db.Model(&Approval{}).
		Where("command_id = ? AND approver_id = ? AND verdict = ?", commandID, approverID, VerdictApprove).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check approval decision: %w", err)
	}
	return count > 0, nil
}

// AddApproval inserts one decision row. The unique index on
// (command_id, approver_id, step) backstops the step bookkeeping under
// races.
func (s *Store) AddApproval(a *Approval) error {
	if err := s.db.Create(a).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return errDuplicateApproval("approver %s already decided step %d on command %s", a.ApproverID, a.Step, a.CommandID)
		}
		return fmt.Errorf("add approval: %w", err)
	}
	return nil
}

// CountApprovals tallies approve and deny decisions for a command. Each
// approver has at most one row, so approves equals distinct approvers.
func (s *Store) CountApprovals(commandID string) (approves, denies int, err error) {
	var approvals []Approval
	if err := s.db.Where("command_id = ?", commandID).Find(&approvals).Error; err != nil {
		return 0, 0, fmt.Errorf("count approvals: %w", err)
	}
	for _, a := range approvals {
		switch a.Verdict {
		case VerdictApprove:
			approves++
		case VerdictDeny:
			denies++
		}
	}
	return approves, denies, nil
}

// Save persists all fields of an already-loaded command.
func (s *Store) Save(cmd *Command) error {
	if err := s.db.Save(cmd).Error; err != nil {
		return fmt.Errorf("save command: %w", err)
	}
	return nil
}

// SaveTarget persists all fields of a target row.
func (s *Store) SaveTarget(t *Target) error {
	if err := s.db.Save(t).Error; err != nil {
		return fmt.Errorf("save command target: %w", err)
	}
	return nil
}

// InFlightTargets returns the subset of minerIDs that appear in a
// non-terminal command. Used by the propose-time conflict check.
func (s *Store) InFlightTargets(minerIDs []string) ([]string, error) {
	if len(minerIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := s.db.Table("command_targets").
		Joins("JOIN commands ON commands.id = command_targets.command_id").
		Where("command_targets.miner_id IN ?", minerIDs).
		Where("commands.status NOT IN ?", TerminalStatuses).
		Distinct().
		Pluck("command_targets.miner_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("check in-flight targets: %w", err)
	}
	return ids, nil
}

// ListFilter holds exact-match filters for listing commands.
type ListFilter struct {
	TenantID string
	SiteID   string
	Status   Status
}

// List returns a page of commands, newest first. The page token is the
// created_at of the last row on the previous page.
func (s *Store) List(f ListFilter, pred *filter.Predicate, pageSize int, pageToken string) ([]Command, string, int, error) {
	if pageSize <= 0 {
		pageSize = filter.DefaultPageSize
	}
	if pageSize > filter.MaxPageSize {
		pageSize = filter.MaxPageSize
	}

	base := s.db.Model(&Command{})
	if f.TenantID != "" {
		base = base.Where("tenant_id = ?", f.TenantID)
	}
	if f.SiteID != "" {
		base = base.Where("site_id = ?", f.SiteID)
	}
	if f.Status != "" {
		base = base.Where("status = ?", f.Status)
	}
	if pred != nil {
		base = base.Where(pred.SQL, pred.Args...)
	}

	var totalSize int64
	if err := base.Session(&gorm.Session{}).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count commands: %w", err)
	}

	query := base.Session(&gorm.Session{}).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, errValidation("invalid page token")
		}
		query = query.Where("created_at < ?", t)
	}

	var commands []Command
	if err := query.Find(&commands).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list commands: %w", err)
	}

	var nextToken string
	if len(commands) > pageSize {
		nextToken = commands[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		commands = commands[:pageSize]
	}
	return commands, nextToken, int(totalSize), nil
}

// MarkExpired transitions one overdue command to EXPIRED inside tx. The
// guarded update makes the sweep safe against a concurrent ack or claim:
// zero rows affected means someone else already moved the command on.
func (s *Store) MarkExpired(tx *gorm.DB, id string, now time.Time) (bool, error) {
	res := tx.Model(&Command{}).
		Where("id = ? AND status NOT IN ?", id, TerminalStatuses).
		Updates(map[string]any{
			"status":      StatusExpired,
			"terminal_at": now,
			"lease_owner": nil,
			"lease_until": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark command expired: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListOverdue returns non-terminal commands whose TTL has elapsed.
func (s *Store) ListOverdue(now time.Time, limit int) ([]Command, error) {
	var commands []Command
	err := s.db.
		Where("expires_at < ? AND status NOT IN ?", now, TerminalStatuses).
		Order("expires_at ASC").
		Limit(limit).
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("list overdue commands: %w", err)
	}
	return commands, nil
}
