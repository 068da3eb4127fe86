package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/policy"
)

// Service implements the command lifecycle operations: propose, approve,
// deny and rollback. Lifecycle mutations and their audit events commit in
// the same transaction.
type Service struct {
	db     *gorm.DB
	store  *Store
	fleet  *fleet.Store
	policy *policy.Engine
	audit  *audit.Store
	cfg    Config
	logger *slog.Logger
}

// NewService creates a command service.
func NewService(db *gorm.DB, store *Store, fleetStore *fleet.Store, engine *policy.Engine, auditStore *audit.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		store:  store,
		fleet:  fleetStore,
		policy: engine,
		audit:  auditStore,
		cfg:    cfg,
		logger: logger,
	}
}

// Store returns the underlying command store.
func (s *Service) Store() *Store { return s.store }

// ProposeRequest is the input to Propose.
type ProposeRequest struct {
	SiteID      string
	ZoneID      string
	CommandType Type
	Payload     map[string]any
	TargetIDs   []string
	TTLSeconds  int
	DedupeKey   string
}

// ProposeResult reports the stored command and whether this call created
// it. Created is false when a dedupe key matched an existing command.
type ProposeResult struct {
	Command *Command
	Created bool
}

// Propose validates, gates and persists a new command.
func (s *Service) Propose(ctx context.Context, id authz.Identity, req ProposeRequest) (*ProposeResult, error) {
	if !id.Role.AtLeast(authz.RoleCustomer) {
		return nil, errAccessDenied("role %s cannot propose commands", id.Role)
	}
	if req.SiteID == "" {
		return nil, errValidation("site_id is required")
	}
	if req.CommandType == "" {
		return nil, errValidation("command_type is required")
	}

	targets := dedupeOrdered(req.TargetIDs)
	if len(targets) == 0 {
		return nil, errValidation("target_ids must not be empty")
	}
	if len(targets) > s.cfg.MaxTargets {
		return nil, errValidation("a command may target at most %d miners", s.cfg.MaxTargets)
	}

	site, err := s.fleet.GetSite(req.SiteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errNotFound("site %s not found", req.SiteID)
	}
	if !id.Role.AtLeast(authz.RoleOperator) && site.TenantID != id.TenantID {
		s.auditDenied(id, req.SiteID, "command.propose", "site belongs to another tenant")
		return nil, errAccessDenied("site %s is not in your tenant", req.SiteID)
	}

	if req.ZoneID != "" {
		zone, err := s.fleet.GetZone(req.ZoneID)
		if err != nil {
			return nil, err
		}
		if zone == nil || zone.SiteID != req.SiteID {
			return nil, errNotFound("zone %s not found in site %s", req.ZoneID, req.SiteID)
		}
	}

	miners, err := s.fleet.GetMinersByIDs(targets)
	if err != nil {
		return nil, err
	}
	if missing := missingTargets(targets, miners); len(missing) > 0 {
		return nil, errValidation("unknown miner ids: %s", strings.Join(missing, ", "))
	}
	var powerKW float64
	for _, m := range miners {
		if m.SiteID != req.SiteID {
			return nil, errValidation("miner %s is not in site %s", m.ID, req.SiteID)
		}
		if req.ZoneID != "" && m.ZoneID != req.ZoneID {
			return nil, errValidation("miner %s is not in zone %s", m.ID, req.ZoneID)
		}
		if id.Role == authz.RoleCustomer && m.OwnerID != id.Subject {
			s.auditDenied(id, req.SiteID, "command.propose", fmt.Sprintf("miner %s is not owned by requester", m.ID))
			return nil, errAccessDenied("miner %s is not owned by you", m.ID)
		}
		powerKW += m.NominalPowerKW
	}

	if err := ValidatePayload(req.CommandType, req.Payload); err != nil {
		return nil, err
	}

	// Dedupe before the in-flight check: a retried proposal must find its
	// original, not collide with it.
	if req.DedupeKey != "" {
		existing, err := s.store.GetByDedupeKey(req.DedupeKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &ProposeResult{Command: existing, Created: false}, nil
		}
	}

	if !s.cfg.AllowConcurrentTargetCommands {
		busy, err := s.store.InFlightTargets(targets)
		if err != nil {
			return nil, err
		}
		if len(busy) > 0 {
			// The conflicting command may be our own dedupe twin, committed
			// by a concurrent proposal between the two checks.
			if req.DedupeKey != "" {
				existing, getErr := s.store.GetByDedupeKey(req.DedupeKey)
				if getErr == nil && existing != nil {
					return &ProposeResult{Command: existing, Created: false}, nil
				}
			}
			return nil, errValidation("targets already have in-flight commands: %s", summarizeIDs(busy))
		}
	}

	sitePowerKW, err := s.fleet.SitePowerKW(req.SiteID)
	if err != nil {
		return nil, err
	}
	var powerPercent float64
	if sitePowerKW > 0 {
		powerPercent = powerKW / sitePowerKW * 100
	}

	decision := s.policy.Evaluate(req.SiteID, string(req.CommandType), policy.Impact{
		TargetCount:  len(targets),
		PowerKW:      powerKW,
		PowerPercent: powerPercent,
	})

	now := time.Now().UTC()
	cmd := &Command{
		ID:                  uuid.New().String(),
		TenantID:            site.TenantID,
		SiteID:              req.SiteID,
		ZoneID:              req.ZoneID,
		CommandType:         req.CommandType,
		Payload:             JSONAny(req.Payload),
		Status:              StatusQueued,
		RiskTier:            string(decision.RiskTier),
		RequireApproval:     decision.RequireApproval,
		RequireDualApproval: decision.RequireDualApproval,
		StepsRequired:       decision.StepsRequired,
		RequestedBy:         id.Subject,
		ExpiresAt:           now.Add(s.ttl(req.TTLSeconds)),
		MaxRetries:          s.cfg.DefaultMaxRetries,
		RetryBackoffBaseSec: s.cfg.RetryBackoffBaseSec,
	}
	if decision.RequireApproval {
		cmd.Status = StatusPendingApproval
	}
	if req.DedupeKey != "" {
		key := req.DedupeKey
		cmd.DedupeKey = &key
	}
	rows := make([]Target, len(targets))
	for i, minerID := range targets {
		rows[i] = Target{MinerID: minerID, Position: i, Status: TargetPending}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		st := s.store.WithTx(tx)
		if err := st.Create(cmd, rows); err != nil {
			return err
		}
		return s.audit.AppendTx(tx, &audit.Event{
			SiteID:    cmd.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandProposed,
			RefType:   "command",
			RefID:     cmd.ID,
			Payload: audit.JSONAny{
				"command_type":   string(cmd.CommandType),
				"target_count":   len(rows),
				"risk_tier":      cmd.RiskTier,
				"status":         string(cmd.Status),
				"steps_required": cmd.StepsRequired,
				"impact_kw":      powerKW,
				"impact_percent": powerPercent,
			},
		})
	})
	if err != nil {
		// A concurrent proposal may have taken the dedupe key between our
		// check and the insert; the first writer wins, return its command.
		if req.DedupeKey != "" {
			existing, getErr := s.store.GetByDedupeKey(req.DedupeKey)
			if getErr == nil && existing != nil {
				return &ProposeResult{Command: existing, Created: false}, nil
			}
		}
		return nil, err
	}

	s.logger.Info("command proposed",
		"command_id", cmd.ID, "type", cmd.CommandType, "site_id", cmd.SiteID,
		"targets", len(rows), "status", cmd.Status, "risk_tier", cmd.RiskTier)
	return &ProposeResult{Command: cmd, Created: true}, nil
}

// ApproveResult reports the state after one approval decision.
type ApproveResult struct {
	Status        Status `json:"status"`
	Approvals     int    `json:"approvals"`
	StepsRequired int    `json:"stepsRequired"`
}

// Approve records one approval step and queues the command once the
// required number of distinct approvers is reached.
func (s *Service) Approve(ctx context.Context, id authz.Identity, commandID, reason string, step int) (*ApproveResult, error) {
	if !id.Role.AtLeast(authz.RoleOperator) {
		return nil, errAccessDenied("role %s cannot approve commands", id.Role)
	}

	var result *ApproveResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		st := s.store.WithTx(tx)
		cmd, err := s.store.GetForUpdate(tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return errNotFound("command %s not found", commandID)
		}
		if cmd.Status != StatusPending && cmd.Status != StatusPendingApproval {
			return errInvalidState("command is %s, approvals only apply before queueing", cmd.Status)
		}
		if cmd.RequestedBy == id.Subject {
			return errAccessDenied("requester cannot approve their own command")
		}

		already, err := st.HasApproved(commandID, id.Subject)
		if err != nil {
			return err
		}
		if already {
			return errDuplicateApproval("approver %s already approved command %s", id.Subject, commandID)
		}

		approves, _, err := st.CountApprovals(commandID)
		if err != nil {
			return err
		}
		expectedStep := approves + 1
		if step != 0 && step != expectedStep {
			return errValidation("expected approval step %d, got %d", expectedStep, step)
		}

		if err := st.AddApproval(&Approval{
			ID:         uuid.New().String(),
			CommandID:  commandID,
			ApproverID: id.Subject,
			Step:       expectedStep,
			Verdict:    VerdictApprove,
			Reason:     reason,
		}); err != nil {
			return err
		}

		approves++
		queued := approves >= cmd.StepsRequired
		if queued {
			if err := ValidateTransition(cmd.Status, StatusQueued); err != nil {
				return err
			}
			now := time.Now().UTC()
			cmd.Status = StatusQueued
			cmd.ApprovedBy = id.Subject
			cmd.ApprovedAt = &now
			if err := st.Save(cmd); err != nil {
				return err
			}
		}

		if err := s.audit.AppendTx(tx, &audit.Event{
			SiteID:    cmd.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandApproved,
			RefType:   "command",
			RefID:     cmd.ID,
			Payload: audit.JSONAny{
				"step":           expectedStep,
				"approvals":      approves,
				"steps_required": cmd.StepsRequired,
				"queued":         queued,
			},
		}); err != nil {
			return err
		}

		result = &ApproveResult{Status: cmd.Status, Approvals: approves, StepsRequired: cmd.StepsRequired}
		return nil
	})
	if err != nil {
		if AsError(err).Code == CodeAccessDenied {
			s.auditDenied(id, "", "command.approve", err.Error())
		}
		return nil, err
	}
	s.logger.Info("command approval recorded", "command_id", commandID, "approver", id.Subject, "status", result.Status)
	return result, nil
}

// Deny records a denial and cancels the command from any non-terminal
// state. There is no partially-denied state.
func (s *Service) Deny(ctx context.Context, id authz.Identity, commandID, reason string) (*ApproveResult, error) {
	if !id.Role.AtLeast(authz.RoleOperator) {
		return nil, errAccessDenied("role %s cannot deny commands", id.Role)
	}

	var result *ApproveResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		st := s.store.WithTx(tx)
		cmd, err := s.store.GetForUpdate(tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return errNotFound("command %s not found", commandID)
		}
		if IsTerminal(cmd.Status) {
			return errInvalidState("command is already %s", cmd.Status)
		}

		approves, denies, err := st.CountApprovals(commandID)
		if err != nil {
			return err
		}
		if err := st.AddApproval(&Approval{
			ID:         uuid.New().String(),
			CommandID:  commandID,
			ApproverID: id.Subject,
			Step:       approves + denies + 1,
			Verdict:    VerdictDeny,
			Reason:     reason,
		}); err != nil {
			return err
		}

		previous := cmd.Status
		if err := ValidateTransition(cmd.Status, StatusCancelled); err != nil {
			return err
		}
		now := time.Now().UTC()
		cmd.Status = StatusCancelled
		cmd.TerminalAt = &now
		cmd.LeaseOwner = nil
		cmd.LeaseUntil = nil
		if err := st.Save(cmd); err != nil {
			return err
		}

		if err := s.audit.AppendTx(tx, &audit.Event{
			SiteID:    cmd.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandDenied,
			RefType:   "command",
			RefID:     cmd.ID,
			Payload: audit.JSONAny{
				"reason":          reason,
				"previous_status": string(previous),
			},
		}); err != nil {
			return err
		}
		result = &ApproveResult{Status: cmd.Status, Approvals: approves, StepsRequired: cmd.StepsRequired}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("command denied", "command_id", commandID, "approver", id.Subject)
	return result, nil
}

// Cancel withdraws a command from any non-terminal state. The requester
// may cancel their own command; any other caller needs an operator role.
// Unlike Deny it records no approval verdict.
func (s *Service) Cancel(ctx context.Context, id authz.Identity, commandID, reason string) (*Command, error) {
	var cancelled *Command
	err := s.db.Transaction(func(tx *gorm.DB) error {
		st := s.store.WithTx(tx)
		cmd, err := s.store.GetForUpdate(tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return errNotFound("command %s not found", commandID)
		}
		if cmd.RequestedBy != id.Subject && !id.Role.AtLeast(authz.RoleOperator) {
			return errAccessDenied("only the requester or an operator can cancel a command")
		}
		if IsTerminal(cmd.Status) {
			return errInvalidState("command is already %s", cmd.Status)
		}

		previous := cmd.Status
		if err := ValidateTransition(cmd.Status, StatusCancelled); err != nil {
			return err
		}
		now := time.Now().UTC()
		cmd.Status = StatusCancelled
		cmd.TerminalAt = &now
		cmd.LeaseOwner = nil
		cmd.LeaseUntil = nil
		if err := st.Save(cmd); err != nil {
			return err
		}

		if err := s.audit.AppendTx(tx, &audit.Event{
			SiteID:    cmd.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandCancelled,
			RefType:   "command",
			RefID:     cmd.ID,
			Payload: audit.JSONAny{
				"reason":          reason,
				"previous_status": string(previous),
			},
		}); err != nil {
			return err
		}
		cancelled = cmd
		return nil
	})
	if err != nil {
		if AsError(err).Code == CodeAccessDenied {
			s.auditDenied(id, "", "command.cancel", err.Error())
		}
		return nil, err
	}
	s.logger.Info("command cancelled", "command_id", commandID, "actor", id.Subject)
	return cancelled, nil
}

// Rollback creates a new command that undoes a completed one. The new
// command carries the original's risk tier and always passes through the
// approval gate.
func (s *Service) Rollback(ctx context.Context, id authz.Identity, commandID, reason string) (*Command, error) {
	if !id.Role.AtLeast(authz.RoleOperator) {
		return nil, errAccessDenied("role %s cannot roll back commands", id.Role)
	}

	orig, err := s.store.Get(commandID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, errNotFound("command %s not found", commandID)
	}
	switch orig.Status {
	case StatusSucceeded, StatusPartial, StatusFailed:
	default:
		return nil, errInvalidState("rollback requires a completed command, not %s", orig.Status)
	}

	origTargets, err := s.store.Targets(commandID)
	if err != nil {
		return nil, err
	}
	minerIDs := make([]string, len(origTargets))
	for i, t := range origTargets {
		minerIDs[i] = t.MinerID
	}

	miners, err := s.fleet.GetMinersByIDs(minerIDs)
	if err != nil {
		return nil, err
	}
	var powerKW float64
	for _, m := range miners {
		powerKW += m.NominalPowerKW
	}
	sitePowerKW, err := s.fleet.SitePowerKW(orig.SiteID)
	if err != nil {
		return nil, err
	}
	var powerPercent float64
	if sitePowerKW > 0 {
		powerPercent = powerKW / sitePowerKW * 100
	}

	decision := s.policy.Evaluate(orig.SiteID, string(orig.CommandType), policy.Impact{
		TargetCount:  len(minerIDs),
		PowerKW:      powerKW,
		PowerPercent: powerPercent,
	})
	steps := decision.StepsRequired
	if steps < 1 {
		steps = 1
	}

	now := time.Now().UTC()
	rollback := &Command{
		ID:          uuid.New().String(),
		TenantID:    orig.TenantID,
		SiteID:      orig.SiteID,
		ZoneID:      orig.ZoneID,
		CommandType: TypeRollback,
		Payload: JSONAny{
			"original_command_id": orig.ID,
			"original_type":       string(orig.CommandType),
			"original_payload":    map[string]any(orig.Payload),
		},
		Status:              StatusPendingApproval,
		RiskTier:            orig.RiskTier,
		RequireApproval:     true,
		RequireDualApproval: decision.RequireDualApproval,
		StepsRequired:       steps,
		RequestedBy:         id.Subject,
		ExpiresAt:           now.Add(s.ttl(0)),
		MaxRetries:          s.cfg.DefaultMaxRetries,
		RetryBackoffBaseSec: s.cfg.RetryBackoffBaseSec,
		RollbackOf:          orig.ID,
	}
	rows := make([]Target, len(minerIDs))
	for i, minerID := range minerIDs {
		rows[i] = Target{MinerID: minerID, Position: i, Status: TargetPending}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		st := s.store.WithTx(tx)
		if err := st.Create(rollback, rows); err != nil {
			return err
		}
		if err := s.audit.AppendTx(tx, &audit.Event{
			SiteID:    orig.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandRollback,
			RefType:   "command",
			RefID:     orig.ID,
			Payload: audit.JSONAny{
				"new_command_id": rollback.ID,
				"reason":         reason,
			},
		}); err != nil {
			return err
		}
		return s.audit.AppendTx(tx, &audit.Event{
			SiteID:    orig.SiteID,
			ActorType: audit.ActorUser,
			ActorID:   id.Subject,
			EventType: audit.EventCommandProposed,
			RefType:   "command",
			RefID:     rollback.ID,
			Payload: audit.JSONAny{
				"command_type":   string(TypeRollback),
				"rollback_of":    orig.ID,
				"target_count":   len(rows),
				"risk_tier":      rollback.RiskTier,
				"status":         string(rollback.Status),
				"steps_required": rollback.StepsRequired,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rollback proposed", "command_id", rollback.ID, "rollback_of", orig.ID, "requested_by", id.Subject)
	return rollback, nil
}

func (s *Service) ttl(requested int) time.Duration {
	ttl := s.cfg.DefaultTTLSec
	if requested > 0 {
		ttl = requested
	}
	if ttl < s.cfg.MinTTLSec {
		ttl = s.cfg.MinTTLSec
	}
	if ttl > s.cfg.MaxTTLSec {
		ttl = s.cfg.MaxTTLSec
	}
	return time.Duration(ttl) * time.Second
}

func (s *Service) auditDenied(id authz.Identity, siteID, operation, detail string) {
	s.audit.Observe(&audit.Event{
		SiteID:    siteID,
		ActorType: audit.ActorUser,
		ActorID:   id.Subject,
		EventType: audit.EventAccessDenied,
		RefType:   "operation",
		RefID:     operation,
		Payload:   audit.JSONAny{"detail": detail, "role": string(id.Role), "tenant_id": id.TenantID},
	})
}

// dedupeOrdered removes duplicate ids while preserving first-seen order.
func dedupeOrdered(ids []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || !seen.Add(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func missingTargets(requested []string, found []fleet.Miner) []string {
	have := mapset.NewThreadUnsafeSet[string]()
	for _, m := range found {
		have.Add(m.ID)
	}
	var missing []string
	for _, id := range requested {
		if !have.Contains(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

func summarizeIDs(ids []string) string {
	const maxShown = 5
	if len(ids) <= maxShown {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(ids[:maxShown], ", "), len(ids)-maxShown)
}
