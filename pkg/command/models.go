// Package command implements the command lifecycle: proposal, the
// risk-tiered approval gate, and the persistent state machine that dispatch
// and acknowledgment advance.
package command

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashplane/hashplane/pkg/vault"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusQueued          Status = "QUEUED"
	StatusDispatched      Status = "DISPATCHED"
	StatusRunning         Status = "RUNNING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusPartial         Status = "PARTIAL"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// TerminalStatuses are the states a command never leaves. Rollback creates
// a new command instead of reviving the old one.
var TerminalStatuses = []Status{
	StatusSucceeded, StatusPartial, StatusFailed, StatusCancelled, StatusExpired,
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s Status) bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Type is the command type enum. The set is closed: payload validation,
// dispatch mapping and risk tiering all switch exhaustively over it.
type Type string

const (
	TypeReboot        Type = "REBOOT"
	TypePowerMode     Type = "POWER_MODE"
	TypeChangePool    Type = "CHANGE_POOL"
	TypeSetFreq       Type = "SET_FREQ"
	TypeThermalPolicy Type = "THERMAL_POLICY"
	TypeLED           Type = "LED"
	TypeCustom        Type = "CUSTOM"
	TypeRollback      Type = "ROLLBACK"
)

// TargetStatus is the per-target execution state.
type TargetStatus string

const (
	TargetPending   TargetStatus = "PENDING"
	TargetSucceeded TargetStatus = "SUCCEEDED"
	TargetFailed    TargetStatus = "FAILED"
	TargetSkipped   TargetStatus = "SKIPPED"
)

// Verdict is an approver's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// JSONAny is a JSON object column.
type JSONAny map[string]any

func (j JSONAny) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONAny) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Command is the persistent record for one unit of work against a set of
// miners. The control plane is its sole writer; edge collectors only see
// the projection handed out by dispatch.
type Command struct {
	ID                  string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID            string     `gorm:"column:tenant_id;index:idx_commands_tenant;not null"`
	SiteID              string     `gorm:"column:site_id;index:idx_commands_claim,priority:1;not null"`
	ZoneID              string     `gorm:"column:zone_id"`
	CommandType         Type       `gorm:"column:command_type;not null"`
	Payload             JSONAny    `gorm:"column:payload;type:text"`
	Status              Status     `gorm:"column:status;index:idx_commands_claim,priority:2;not null"`
	RiskTier            string     `gorm:"column:risk_tier;not null"`
	RequireApproval     bool       `gorm:"column:require_approval;not null"`
	RequireDualApproval bool       `gorm:"column:require_dual_approval;not null"`
	StepsRequired       int        `gorm:"column:steps_required;not null"`
	RequestedBy         string     `gorm:"column:requested_by;not null"`
	ApprovedBy          string     `gorm:"column:approved_by"`
	ApprovedAt          *time.Time `gorm:"column:approved_at"`
	ExpiresAt           time.Time  `gorm:"column:expires_at;not null"`
	LeaseOwner          *string    `gorm:"column:lease_owner"`
	LeaseUntil          *time.Time `gorm:"column:lease_until"`
	RetryCount          int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries          int        `gorm:"column:max_retries;not null"`
	RetryBackoffBaseSec int        `gorm:"column:retry_backoff_base_sec;not null"`
	NextAttemptAt       *time.Time `gorm:"column:next_attempt_at"`
	AckHash             string     `gorm:"column:ack_hash;type:varchar(64)"`
	TerminalAt          *time.Time `gorm:"column:terminal_at"`
	DedupeKey           *string    `gorm:"column:dedupe_key;uniqueIndex:idx_commands_dedupe"`
	RollbackOf          string     `gorm:"column:rollback_of;type:varchar(36)"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Command) TableName() string { return "commands" }

// Target is the per-miner execution record for one command. Position
// preserves the order targets were submitted in.
type Target struct {
	ID              int64        `gorm:"primaryKey;autoIncrement;column:id"`
	CommandID       string       `gorm:"column:command_id;index:idx_targets_command;uniqueIndex:idx_targets_unique,priority:1;not null"`
	MinerID         string       `gorm:"column:miner_id;index:idx_targets_miner;uniqueIndex:idx_targets_unique,priority:2;not null"`
	Position        int          `gorm:"column:position;not null"`
	Status          TargetStatus `gorm:"column:status;not null;default:PENDING"`
	ResultCode      string       `gorm:"column:result_code"`
	Message         string       `gorm:"column:message"`
	ExecutionTimeMS int64        `gorm:"column:execution_time_ms"`
	StartedAt       *time.Time   `gorm:"column:started_at"`
	FinishedAt      *time.Time   `gorm:"column:finished_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Target) TableName() string { return "command_targets" }

// Approval is one approve/deny decision, keyed by
// (command_id, approver_id, step). Append-only; rows are never mutated
// after insertion.
type Approval struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	CommandID  string    `gorm:"column:command_id;index:idx_approvals_command;uniqueIndex:idx_approvals_unique,priority:1;not null"`
	ApproverID string    `gorm:"column:approver_id;uniqueIndex:idx_approvals_unique,priority:2;not null"`
	Step       int       `gorm:"column:step;uniqueIndex:idx_approvals_unique,priority:3;not null"`
	Verdict    Verdict   `gorm:"column:verdict;not null"`
	Reason     string    `gorm:"column:reason"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Approval) TableName() string { return "command_approvals" }

// APICommand is the API-facing command representation.
type APICommand struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenantId"`
	SiteID              string         `json:"siteId"`
	ZoneID              string         `json:"zoneId,omitempty"`
	CommandType         Type           `json:"commandType"`
	Payload             map[string]any `json:"payload,omitempty"`
	Status              Status         `json:"status"`
	RiskTier            string         `json:"riskTier"`
	RequireApproval     bool           `json:"requireApproval"`
	RequireDualApproval bool           `json:"requireDualApproval"`
	StepsRequired       int            `json:"stepsRequired"`
	RequestedBy         string         `json:"requestedBy"`
	ApprovedBy          string         `json:"approvedBy,omitempty"`
	ApprovedAt          string         `json:"approvedAt,omitempty"`
	ExpiresAt           string         `json:"expiresAt"`
	RetryCount          int            `json:"retryCount"`
	MaxRetries          int            `json:"maxRetries"`
	NextAttemptAt       string         `json:"nextAttemptAt,omitempty"`
	TerminalAt          string         `json:"terminalAt,omitempty"`
	RollbackOf          string         `json:"rollbackOf,omitempty"`
	CreatedAt           string         `json:"createdAt"`
	Targets             []APITarget    `json:"targets,omitempty"`
	Approvals           []APIApproval  `json:"approvals,omitempty"`
}

// APITarget is the API-facing per-target result.
type APITarget struct {
	MinerID         string       `json:"minerId"`
	Position        int          `json:"position"`
	Status          TargetStatus `json:"status"`
	ResultCode      string       `json:"resultCode,omitempty"`
	Message         string       `json:"message,omitempty"`
	ExecutionTimeMS int64        `json:"executionTimeMs,omitempty"`
	StartedAt       string       `json:"startedAt,omitempty"`
	FinishedAt      string       `json:"finishedAt,omitempty"`
}

// APIApproval is the API-facing approval decision.
type APIApproval struct {
	ApproverID string  `json:"approverId"`
	Step       int     `json:"step"`
	Verdict    Verdict `json:"verdict"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// APICommandList is a paginated command listing.
type APICommandList struct {
	Commands      []APICommand `json:"commands"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
	TotalSize     int          `json:"totalSize"`
}

func toAPICommand(c *Command, targets []Target, approvals []Approval) APICommand {
	ac := APICommand{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		SiteID:              c.SiteID,
		ZoneID:              c.ZoneID,
		CommandType:         c.CommandType,
		Payload:             vault.MaskPayload(c.Payload),
		Status:              c.Status,
		RiskTier:            c.RiskTier,
		RequireApproval:     c.RequireApproval,
		RequireDualApproval: c.RequireDualApproval,
		StepsRequired:       c.StepsRequired,
		RequestedBy:         c.RequestedBy,
		ApprovedBy:          c.ApprovedBy,
		ExpiresAt:           c.ExpiresAt.Format(time.RFC3339),
		RetryCount:          c.RetryCount,
		MaxRetries:          c.MaxRetries,
		RollbackOf:          c.RollbackOf,
		CreatedAt:           c.CreatedAt.Format(time.RFC3339),
	}
	if c.ApprovedAt != nil {
		ac.ApprovedAt = c.ApprovedAt.Format(time.RFC3339)
	}
	if c.NextAttemptAt != nil {
		ac.NextAttemptAt = c.NextAttemptAt.Format(time.RFC3339)
	}
	if c.TerminalAt != nil {
		ac.TerminalAt = c.TerminalAt.Format(time.RFC3339)
	}
	for _, t := range targets {
		at := APITarget{
			MinerID:         t.MinerID,
			Position:        t.Position,
			Status:          t.Status,
			ResultCode:      t.ResultCode,
			Message:         t.Message,
			ExecutionTimeMS: t.ExecutionTimeMS,
		}
		if t.StartedAt != nil {
			at.StartedAt = t.StartedAt.Format(time.RFC3339)
		}
		if t.FinishedAt != nil {
			at.FinishedAt = t.FinishedAt.Format(time.RFC3339)
		}
		ac.Targets = append(ac.Targets, at)
	}
	for _, a := range approvals {
		ac.Approvals = append(ac.Approvals, APIApproval{
			ApproverID: a.ApproverID,
			Step:       a.Step,
			Verdict:    a.Verdict,
			Reason:     a.Reason,
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		})
	}
	return ac
}
