package policy

import "os"

// Config holds approval policy settings.
type Config struct {
	// PolicyPath points at the YAML policy file. Empty means baseline
	// tiers only.
	PolicyPath string
	// Reload enables watching the policy file for changes.
	Reload bool
}

func DefaultConfig() Config {
	return Config{
		PolicyPath: "",
		Reload:     true,
	}
}

// ConfigFromEnv builds Config from environment variables, falling back to
// defaults:
//   - FLEET_POLICY_FILE: path to the approval policy YAML
//   - FLEET_POLICY_RELOAD: "false" disables hot reload
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("FLEET_POLICY_FILE"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("FLEET_POLICY_RELOAD"); v != "" {
		cfg.Reload = v == "true" || v == "1"
	}
	return cfg
}
