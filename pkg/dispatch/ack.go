package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/fleet"
)

// Ack phases. A started ack moves the command to RUNNING without touching
// retry state; a final ack (the default) carries per-target results.
const (
	PhaseStarted  = "started"
	PhaseFinished = "finished"
)

// TargetResult is one per-miner outcome reported by a collector.
type TargetResult struct {
	MinerID         string `json:"miner_id"`
	Status          string `json:"status"`
	ResultCode      string `json:"result_code,omitempty"`
	Message         string `json:"message,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
	StartedAt       string `json:"started_at,omitempty"`
	FinishedAt      string `json:"finished_at,omitempty"`
}

// AckRequest is a collector's execution report for one command.
type AckRequest struct {
	Phase   string         `json:"phase,omitempty"`
	Success bool           `json:"success"`
	Targets []TargetResult `json:"targets,omitempty"`
}

// AckResult is the processed outcome returned to the collector.
type AckResult struct {
	CommandStatus command.Status `json:"command_status"`
	Replayed      bool           `json:"replayed"`
	WillRetry     bool           `json:"will_retry"`
	RetryCount    int            `json:"retry_count"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
}

// AckDigest returns the hex SHA-256 of the normalized request. Targets are
// sorted by miner id before hashing so that a collector re-sending the same
// results in a different order still hits the replay path.
func AckDigest(req AckRequest) string {
	norm := AckRequest{
		Phase:   req.Phase,
		Success: req.Success,
		Targets: append([]TargetResult(nil), req.Targets...),
	}
	if norm.Phase == "" {
		norm.Phase = PhaseFinished
	}
	sort.Slice(norm.Targets, func(i, j int) bool { return norm.Targets[i].MinerID < norm.Targets[j].MinerID })
	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AckProcessor ingests collector results idempotently and drives the
// retry/backoff schedule.
type AckProcessor struct {
	db     *gorm.DB
	store  *command.Store
	audit  *audit.Store
	logger *slog.Logger
}

// NewAckProcessor creates an AckProcessor.
func NewAckProcessor(db *gorm.DB, store *command.Store, auditStore *audit.Store, logger *slog.Logger) *AckProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AckProcessor{db: db, store: store, audit: auditStore, logger: logger}
}

// Ack processes one execution report. A report whose digest matches the
// command's stored ack hash is a replay: the previously computed outcome is
// returned with replayed=true and no state changes at all. A new report
// updates per-target rows, closes the command once every target is
// terminal, or schedules a backoff retry on overall failure.
func (p *AckProcessor) Ack(ctx context.Context, device *fleet.EdgeDevice, commandID string, req AckRequest) (*AckResult, error) {
	digest := AckDigest(req)
	now := time.Now().UTC()

	var result *AckResult
	var replayed bool
	var siteID string
	err := p.db.Transaction(func(tx *gorm.DB) error {
		st := p.store.WithTx(tx)
		cmd, err := p.store.GetForUpdate(tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return errNotFound("command %s not found", commandID)
		}
		siteID = cmd.SiteID

		if cmd.AckHash != "" && cmd.AckHash == digest {
			replayed = true
			result = &AckResult{
				CommandStatus: cmd.Status,
				Replayed:      true,
				WillRetry:     cmd.Status == command.StatusQueued && cmd.NextAttemptAt != nil,
				RetryCount:    cmd.RetryCount,
				NextAttemptAt: cmd.NextAttemptAt,
			}
			return nil
		}
		if command.IsTerminal(cmd.Status) {
			return errInvalidState("command is already %s", cmd.Status)
		}
		if cmd.LeaseOwner == nil || *cmd.LeaseOwner != device.ID {
			p.auditLeaseDenied(device, cmd)
			return errAccessDenied("device %s does not hold the lease on command %s", device.ID, commandID)
		}

		if req.Phase == PhaseStarted {
			if err := command.ValidateTransition(cmd.Status, command.StatusRunning); err != nil {
				return err
			}
			cmd.Status = command.StatusRunning
			if err := st.Save(cmd); err != nil {
				return err
			}
			if err := p.audit.AppendTx(tx, &audit.Event{
				SiteID:    cmd.SiteID,
				ActorType: audit.ActorDevice,
				ActorID:   device.ID,
				EventType: audit.EventCommandAcked,
				RefType:   "command",
				RefID:     cmd.ID,
				Payload:   audit.JSONAny{"phase": PhaseStarted, "status": string(cmd.Status)},
			}); err != nil {
				return err
			}
			result = &AckResult{CommandStatus: cmd.Status, RetryCount: cmd.RetryCount}
			return nil
		}

		targets, err := st.Targets(commandID)
		if err != nil {
			return err
		}
		byMiner := make(map[string]*command.Target, len(targets))
		for i := range targets {
			byMiner[targets[i].MinerID] = &targets[i]
		}
		for _, r := range req.Targets {
			row, ok := byMiner[r.MinerID]
			if !ok {
				return errValidation("result references miner %s, which is not a target of command %s", r.MinerID, commandID)
			}
			status, err := parseTargetStatus(r.Status)
			if err != nil {
				return err
			}
			row.Status = status
			row.ResultCode = r.ResultCode
			row.Message = r.Message
			row.ExecutionTimeMS = r.ExecutionTimeMS
			if ts, ok := parseResultTime(r.StartedAt); ok {
				row.StartedAt = &ts
			}
			if ts, ok := parseResultTime(r.FinishedAt); ok {
				row.FinishedAt = &ts
			}
			if err := st.SaveTarget(row); err != nil {
				return err
			}
		}

		res := &AckResult{}
		if !req.Success {
			if cmd.RetryCount >= cmd.MaxRetries {
				if err := command.ValidateTransition(cmd.Status, command.StatusFailed); err != nil {
					return err
				}
				cmd.Status = command.StatusFailed
				cmd.TerminalAt = &now
				cmd.LeaseOwner = nil
				cmd.LeaseUntil = nil
			} else {
				if err := command.ValidateTransition(cmd.Status, command.StatusQueued); err != nil {
					return err
				}
				cmd.RetryCount++
				backoff := time.Duration(cmd.RetryBackoffBaseSec*(1<<cmd.RetryCount)) * time.Second
				next := now.Add(backoff)
				cmd.Status = command.StatusQueued
				cmd.NextAttemptAt = &next
				cmd.LeaseOwner = nil
				cmd.LeaseUntil = nil
				res.WillRetry = true
			}
		} else {
			allTerminal, anyOK, allOK := aggregateTargets(targets)
			if allTerminal {
				final := command.StatusFailed
				switch {
				case allOK:
					final = command.StatusSucceeded
				case anyOK:
					final = command.StatusPartial
				}
				if err := command.ValidateTransition(cmd.Status, final); err != nil {
					return err
				}
				cmd.Status = final
				cmd.TerminalAt = &now
				cmd.LeaseOwner = nil
				cmd.LeaseUntil = nil
			} else if cmd.Status == command.StatusDispatched {
				// Partial report: execution is underway, more acks follow.
				cmd.Status = command.StatusRunning
			}
		}

		cmd.AckHash = digest
		if err := st.Save(cmd); err != nil {
			return err
		}

		res.CommandStatus = cmd.Status
		res.RetryCount = cmd.RetryCount
		res.NextAttemptAt = cmd.NextAttemptAt

		if err := p.audit.AppendTx(tx, &audit.Event{
			SiteID:    cmd.SiteID,
			ActorType: audit.ActorDevice,
			ActorID:   device.ID,
			EventType: audit.EventCommandAcked,
			RefType:   "command",
			RefID:     cmd.ID,
			Payload: audit.JSONAny{
				"success":      req.Success,
				"status":       string(cmd.Status),
				"targets":      len(req.Targets),
				"retry_count":  cmd.RetryCount,
				"will_retry":   res.WillRetry,
				"replayed":     false,
			},
		}); err != nil {
			return err
		}
		if res.WillRetry {
			if err := p.audit.AppendTx(tx, &audit.Event{
				SiteID:    cmd.SiteID,
				ActorType: audit.ActorSystem,
				EventType: audit.EventCommandRetry,
				RefType:   "command",
				RefID:     cmd.ID,
				Payload: audit.JSONAny{
					"retry_count":     cmd.RetryCount,
					"max_retries":     cmd.MaxRetries,
					"next_attempt_at": cmd.NextAttemptAt.Format(time.RFC3339),
				},
			}); err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		// Replays change no state; the audit trail still records them.
		p.audit.Observe(&audit.Event{
			SiteID:    siteID,
			ActorType: audit.ActorDevice,
			ActorID:   device.ID,
			EventType: audit.EventCommandAcked,
			RefType:   "command",
			RefID:     commandID,
			Payload:   audit.JSONAny{"replayed": true, "status": string(result.CommandStatus)},
		})
	} else {
		p.logger.Info("ack processed",
			"command_id", commandID, "device_id", device.ID,
			"status", result.CommandStatus, "will_retry", result.WillRetry, "retry_count", result.RetryCount)
	}
	return result, nil
}

func (p *AckProcessor) auditLeaseDenied(device *fleet.EdgeDevice, cmd *command.Command) {
	owner := ""
	if cmd.LeaseOwner != nil {
		owner = *cmd.LeaseOwner
	}
	p.audit.Observe(&audit.Event{
		SiteID:    cmd.SiteID,
		ActorType: audit.ActorDevice,
		ActorID:   device.ID,
		EventType: audit.EventAccessDenied,
		RefType:   "command",
		RefID:     cmd.ID,
		Payload:   audit.JSONAny{"detail": "ack without lease", "lease_owner": owner},
	})
}

func parseTargetStatus(s string) (command.TargetStatus, error) {
	switch command.TargetStatus(s) {
	case command.TargetSucceeded, command.TargetFailed, command.TargetSkipped:
		return command.TargetStatus(s), nil
	default:
		return "", errValidation("unknown target status %q", s)
	}
}

func parseResultTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// aggregateTargets reports whether every target is terminal and how the
// terminal ones split between success and failure.
func aggregateTargets(targets []command.Target) (allTerminal, anyOK, allOK bool) {
	allTerminal = true
	allOK = len(targets) > 0
	for _, t := range targets {
		switch t.Status {
		case command.TargetSucceeded:
			anyOK = true
		case command.TargetFailed, command.TargetSkipped:
			allOK = false
		default:
			allTerminal = false
			allOK = false
		}
	}
	return allTerminal, anyOK, allOK
}
