package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Actor types recorded on audit events.
const (
	ActorUser   = "user"
	ActorDevice = "device"
	ActorSystem = "system"
)

// Event types emitted by the control plane. Producers outside this package
// use these constants so operators can filter on stable names.
const (
	EventCommandProposed    = "command.proposed"
	EventCommandApproved    = "command.approved"
	EventCommandDenied      = "command.denied"
	EventCommandCancelled   = "command.cancelled"
	EventCommandRollback    = "command.rollback"
	EventCommandDispatched  = "command.dispatched"
	EventCommandAcked       = "command.acked"
	EventCommandRetry       = "command.retry_scheduled"
	EventCommandExpired     = "command.expired"
	EventCredentialUpdated  = "credential.updated"
	EventCredentialRevealed = "credential.revealed"
	EventCredentialMigrated = "credential.migrated"
	EventDeviceRegistered   = "device.registered"
	EventDeviceRevoked      = "device.revoked"
	EventZoneAccessDenied   = "security.zone_access_denied"
	EventAntiRollbackReject = "security.anti_rollback_reject"
	EventAccessDenied       = "security.access_denied"
	EventChainGenesis       = "audit.genesis"
)

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Event is one immutable entry in the hash-chained audit ledger. Events are
// totally ordered by ID; each embeds the previous event's hash so the chain
// detects insertion, removal, and reordering after the fact.
type Event struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	SiteID    string    `gorm:"column:site_id;index:idx_audit_site_time,priority:1"`
	ActorType string    `gorm:"column:actor_type;not null"`
	ActorID   string    `gorm:"column:actor_id;index"`
	EventType string    `gorm:"column:event_type;index:idx_audit_type_time,priority:1;not null"`
	RefType   string    `gorm:"column:ref_type;index:idx_audit_ref,priority:1"`
	RefID     string    `gorm:"column:ref_id;index:idx_audit_ref,priority:2"`
	Payload   JSONAny   `gorm:"column:payload;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index:idx_audit_site_time,priority:2;index:idx_audit_type_time,priority:2"`
	// TsNano is the hash input for the event time. Fractional-second storage
	// differs between engines, so the hashed value must be an exact integer.
	TsNano    int64  `gorm:"column:ts_nano;not null"`
	PrevHash  string `gorm:"column:prev_hash;type:varchar(64);not null"`
	EventHash string `gorm:"column:event_hash;type:varchar(64);not null"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "audit_events" }

// chainHead is a single fixed row holding the current chain tail. Appends
// lock this row so "read tail, hash, insert" serializes across processes
// without an application-level mutex.
type chainHead struct {
	ID       int    `gorm:"primaryKey;column:id"`
	TailID   int64  `gorm:"column:tail_id"`
	TailHash string `gorm:"column:tail_hash;type:varchar(64);not null"`
}

// TableName returns the GORM table name.
func (chainHead) TableName() string { return "audit_chain_head" }
