// Package vault protects per-miner credentials under one of three trust
// models selected per site: role-gated masking of plaintext, server
// envelope encryption under a per-site data key, or device end-to-end
// encryption where the server only ever holds an opaque blob. Every
// mutation carries a strictly increasing anti-rollback counter.
package vault

import "time"

// Storage prefixes distinguishing protected value encodings. A value with
// neither prefix is masking-mode plaintext.
const (
	PrefixEncrypted = "ENC:"
	PrefixE2EE      = "E2EE:"
)

// CredentialRecord is the stored credential for one miner. Value is opaque:
// plaintext in masking mode, PrefixEncrypted+base64 in envelope mode,
// PrefixE2EE+blob in E2EE mode. Mode records how this value is actually
// protected, which can lag the site mode until migration completes.
type CredentialRecord struct {
	MinerID             string    `gorm:"primaryKey;column:miner_id;type:varchar(36)"`
	SiteID              string    `gorm:"column:site_id;index;not null"`
	Mode                int       `gorm:"column:mode;not null"`
	Value               string    `gorm:"column:value;type:text;not null"`
	Fingerprint         string    `gorm:"column:fingerprint;type:varchar(16);index"`
	LastAcceptedCounter int64     `gorm:"column:last_accepted_counter;default:0;not null"`
	UpdatedBy           string    `gorm:"column:updated_by"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (CredentialRecord) TableName() string { return "credential_records" }

// SiteKey is the wrapped data-encryption key for one site. The DEK is
// generated on first envelope-mode store and never leaves the process
// unwrapped.
type SiteKey struct {
	SiteID     string    `gorm:"primaryKey;column:site_id;type:varchar(36)"`
	WrappedKey string    `gorm:"column:wrapped_key;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (SiteKey) TableName() string { return "site_keys" }
