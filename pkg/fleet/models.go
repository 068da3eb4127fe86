// Package fleet holds the consulted state the control plane reads but does
// not continuously mutate: sites, zones, miners, and the edge devices bound
// to them. Inventory arrives from a YAML file or from site-management
// tooling; the command path only reads it.
package fleet

import "time"

// Credential protection modes, selected per site.
const (
	ModeMasking  = 1 // plaintext server-side, role-gated masked display
	ModeEnvelope = 2 // server envelope encryption under a site DEK
	ModeE2EE     = 3 // device end-to-end encryption, server stores opaque blob
)

// Site is a hosting location for miners.
type Site struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name           string    `gorm:"column:name;not null"`
	TenantID       string    `gorm:"column:tenant_id;index;default:default;not null"`
	CredentialMode int       `gorm:"column:credential_mode;default:1;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Site) TableName() string { return "sites" }

// Zone is a subdivision of a site. Edge devices bind to exactly one
// (site, zone) pair at registration.
type Zone struct {
	ID       string `gorm:"primaryKey;column:id;type:varchar(36)"`
	SiteID   string `gorm:"column:site_id;index;not null"`
	Name     string `gorm:"column:name;not null"`
	Capacity int    `gorm:"column:capacity"`
}

// TableName returns the GORM table name.
func (Zone) TableName() string { return "zones" }

// Miner is one managed mining device.
type Miner struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	SiteID         string    `gorm:"column:site_id;index:idx_miners_site_zone,priority:1;not null"`
	ZoneID         string    `gorm:"column:zone_id;index:idx_miners_site_zone,priority:2"`
	TenantID       string    `gorm:"column:tenant_id;index;default:default;not null"`
	OwnerID        string    `gorm:"column:owner_id;index"`
	MACAddr        string    `gorm:"column:mac_addr;uniqueIndex"`
	Model          string    `gorm:"column:model"`
	NominalPowerKW float64   `gorm:"column:nominal_power_kw"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Miner) TableName() string { return "miners" }

// EdgeDevice is an untrusted collector that polls for commands and executes
// them against miners. The bearer token is stored only as a salted hash.
type EdgeDevice struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	SiteID       string     `gorm:"column:site_id;index;not null"`
	ZoneID       string     `gorm:"column:zone_id;not null"`
	Name         string     `gorm:"column:name"`
	TokenSalt    string     `gorm:"column:token_salt;not null"`
	TokenHash    string     `gorm:"column:token_hash;not null"`
	Revoked      bool       `gorm:"column:revoked;default:false;not null"`
	LastSeenAt   *time.Time `gorm:"column:last_seen_at"`
	RegisteredAt time.Time  `gorm:"column:registered_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (EdgeDevice) TableName() string { return "edge_devices" }
