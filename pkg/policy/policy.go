// Package policy maps a proposed command to its risk tier and approval
// requirement. Each command type carries a baseline tier; per-site YAML
// policies override tiers, gates, and the thresholds above which a HIGH-tier
// command escalates from single to dual approval.
package policy

import (
	"sort"

	"golang.org/x/exp/maps"
)

// RiskTier classifies how dangerous a command type is.
type RiskTier string

const (
	TierLow    RiskTier = "LOW"
	TierMedium RiskTier = "MEDIUM"
	TierHigh   RiskTier = "HIGH"
)

// baselineTiers is the compiled-in tier per command type. Pool changes
// redirect hashrate and custom payloads are uninspectable, so both sit at
// HIGH; LED is cosmetic.
var baselineTiers = map[string]RiskTier{
	"REBOOT":         TierMedium,
	"POWER_MODE":     TierMedium,
	"CHANGE_POOL":    TierHigh,
	"SET_FREQ":       TierMedium,
	"THERMAL_POLICY": TierMedium,
	"LED":            TierLow,
	"CUSTOM":         TierHigh,
	"ROLLBACK":       TierHigh,
}

// BaselineTier returns the compiled-in tier for a command type. Unknown
// types rate HIGH so nothing unrecognized slips past the approval gate.
func BaselineTier(commandType string) RiskTier {
	if t, ok := baselineTiers[commandType]; ok {
		return t
	}
	return TierHigh
}

// KnownCommandTypes returns the command types with baseline tiers, sorted.
func KnownCommandTypes() []string {
	types := maps.Keys(baselineTiers)
	sort.Strings(types)
	return types
}

// Default escalation thresholds for HIGH-tier commands.
const (
	DefaultMaxTargetsSingle = 100
	DefaultMaxImpactKW      = 500.0
	DefaultMaxImpactPercent = 25.0
)

// SitePolicy is one per-(site, command type) policy entry. An empty SiteID
// makes the entry the default for all sites. Pointer fields distinguish
// "not set, use the tier default" from an explicit false.
type SitePolicy struct {
	SiteID              string   `yaml:"site_id"`
	CommandType         string   `yaml:"command_type"`
	RiskTier            RiskTier `yaml:"risk_tier"`
	RequireApproval     *bool    `yaml:"require_approval"`
	RequireDualApproval *bool    `yaml:"require_dual_approval"`
	MaxTargetsSingle    int      `yaml:"max_targets_single"`
	MaxImpactKW         float64  `yaml:"max_impact_kw"`
	MaxImpactPercent    float64  `yaml:"max_impact_percent"`
}

// Decision is the resolved approval requirement for one proposal.
type Decision struct {
	RiskTier            RiskTier
	RequireApproval     bool
	RequireDualApproval bool
	StepsRequired       int
	// ThresholdExceeded is set when a HIGH-tier command escalated to dual
	// approval because of target count or power impact.
	ThresholdExceeded bool
}

// Impact describes the blast radius of a proposal, as estimated by the
// caller from fleet inventory.
type Impact struct {
	TargetCount  int
	PowerKW      float64
	PowerPercent float64
}
