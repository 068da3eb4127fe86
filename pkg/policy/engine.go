package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk YAML shape.
type PolicyFile struct {
	Policies []SitePolicy `yaml:"policies"`
}

type snapshot struct {
	// entries is keyed by siteID + "\x00" + commandType; the all-sites
	// default for a type is stored under the empty site ID.
	entries map[string]SitePolicy
}

func policyKey(siteID, commandType string) string {
	return siteID + "\x00" + commandType
}

// Engine resolves approval decisions against the current policy snapshot.
// Reload swaps the snapshot atomically, so a watcher can refresh policies
// while proposals are being evaluated.
type Engine struct {
	mu     sync.RWMutex
	snap   *snapshot
	logger *slog.Logger
}

// NewEngine returns an engine with no site policies; every evaluation
// falls through to the baseline tiers until a policy file is loaded.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		snap:   &snapshot{entries: map[string]SitePolicy{}},
		logger: logger,
	}
}

// LoadFile reads and validates a policy YAML file and swaps it in. A
// missing file is not an error: the engine keeps baseline behavior.
func (e *Engine) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("policy file not found, using baseline tiers", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	snap, err := buildSnapshot(file.Policies)
	if err != nil {
		return fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	e.logger.Info("loaded approval policies", "path", path, "count", len(file.Policies))
	return nil
}

func buildSnapshot(policies []SitePolicy) (*snapshot, error) {
	entries := make(map[string]SitePolicy, len(policies))
	for i, p := range policies {
		if p.CommandType == "" {
			return nil, fmt.Errorf("policy %d: command_type is required", i)
		}
		switch p.RiskTier {
		case "", TierLow, TierMedium, TierHigh:
		default:
			return nil, fmt.Errorf("policy %d: unknown risk_tier %q", i, p.RiskTier)
		}
		if p.MaxTargetsSingle < 0 || p.MaxImpactKW < 0 || p.MaxImpactPercent < 0 {
			return nil, fmt.Errorf("policy %d: thresholds must not be negative", i)
		}
		key := policyKey(p.SiteID, p.CommandType)
		if _, dup := entries[key]; dup {
			return nil, fmt.Errorf("policy %d: duplicate entry for site %q type %q", i, p.SiteID, p.CommandType)
		}
		entries[key] = p
	}
	return &snapshot{entries: entries}, nil
}

// lookup resolves the effective policy entry for a site and command type:
// exact match first, then the all-sites default for the type.
func (s *snapshot) lookup(siteID, commandType string) (SitePolicy, bool) {
	if p, ok := s.entries[policyKey(siteID, commandType)]; ok {
		return p, true
	}
	if p, ok := s.entries[policyKey("", commandType)]; ok {
		return p, true
	}
	return SitePolicy{}, false
}

// Evaluate resolves the approval decision for one proposal.
//
// The tier comes from the policy override or the baseline. LOW-tier
// commands need no approval, everything else needs one step, and a
// HIGH-tier command escalates to two steps when the policy demands dual
// approval or the impact exceeds the configured thresholds.
func (e *Engine) Evaluate(siteID, commandType string, impact Impact) Decision {
	e.mu.RLock()
	snap := e.snap
	e.mu.RUnlock()

	entry, hasEntry := snap.lookup(siteID, commandType)

	tier := BaselineTier(commandType)
	if hasEntry && entry.RiskTier != "" {
		tier = entry.RiskTier
	}

	requireApproval := tier != TierLow
	if hasEntry && entry.RequireApproval != nil {
		requireApproval = *entry.RequireApproval
	}

	maxTargets := DefaultMaxTargetsSingle
	maxKW := DefaultMaxImpactKW
	maxPercent := DefaultMaxImpactPercent
	if hasEntry {
		if entry.MaxTargetsSingle > 0 {
			maxTargets = entry.MaxTargetsSingle
		}
		if entry.MaxImpactKW > 0 {
			maxKW = entry.MaxImpactKW
		}
		if entry.MaxImpactPercent > 0 {
			maxPercent = entry.MaxImpactPercent
		}
	}

	exceeded := impact.TargetCount > maxTargets ||
		impact.PowerKW > maxKW ||
		impact.PowerPercent > maxPercent

	dual := false
	if hasEntry && entry.RequireDualApproval != nil && *entry.RequireDualApproval {
		dual = true
	}
	if tier == TierHigh && exceeded {
		dual = true
	}
	if dual {
		// Dual approval implies approval.
		requireApproval = true
	}

	steps := 0
	if requireApproval {
		steps = 1
		if dual {
			steps = 2
		}
	}

	return Decision{
		RiskTier:            tier,
		RequireApproval:     requireApproval,
		RequireDualApproval: dual,
		StepsRequired:       steps,
		ThresholdExceeded:   tier == TierHigh && exceeded,
	}
}
