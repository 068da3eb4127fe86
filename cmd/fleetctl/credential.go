package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage miner management credentials",
}

type apiCredentialView struct {
	MinerID     string `json:"miner_id"`
	SiteID      string `json:"site_id"`
	Mode        int    `json:"mode"`
	Fingerprint string `json:"fingerprint"`
	Counter     int64  `json:"counter"`
	Protected   bool   `json:"protected"`
	Value       string `json:"value,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

var modeNames = map[int]string{
	1: "masking",
	2: "envelope",
	3: "e2ee",
}

var modeValues = map[string]int{
	"masking":  1,
	"envelope": 2,
	"e2ee":     3,
}

func modeName(mode int) string {
	if name, ok := modeNames[mode]; ok {
		return name
	}
	return fmt.Sprintf("%d", mode)
}

var credentialGetCmd = &cobra.Command{
	Use:   "get <miner-id>",
	Short: "Show a miner's credential in protected form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var view apiCredentialView
		if err := client.getJSON(apiBase+"/miners/"+args[0]+"/credential", &view); err != nil {
			return fmt.Errorf("failed to get credential: %w", err)
		}

		if !tableMode() {
			return printOutput(view)
		}
		fmt.Printf("Miner:       %s  (site %s)\n", view.MinerID, view.SiteID)
		fmt.Printf("Mode:        %s\n", modeName(view.Mode))
		if view.Value != "" {
			fmt.Printf("Value:       %s\n", view.Value)
		}
		fmt.Printf("Fingerprint: %s\n", view.Fingerprint)
		fmt.Printf("Counter:     %d\n", view.Counter)
		if view.UpdatedBy != "" {
			fmt.Printf("Updated:     %s by %s\n", view.UpdatedAt, view.UpdatedBy)
		}
		return nil
	},
}

var (
	setValue   string
	setCounter int64
)

var credentialSetCmd = &cobra.Command{
	Use:   "set <miner-id>",
	Short: "Store a new credential value for a miner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]any{"value": setValue, "counter": setCounter}
		var view apiCredentialView
		if err := client.postJSON(apiBase+"/miners/"+args[0]+"/credential", body, &view); err != nil {
			return fmt.Errorf("failed to set credential: %w", err)
		}

		if !tableMode() {
			return printOutput(view)
		}
		fmt.Printf("Stored credential for %s (mode %s, counter %d, fingerprint %s)\n",
			view.MinerID, modeName(view.Mode), view.Counter, view.Fingerprint)
		return nil
	},
}

var revealReason string

var credentialRevealCmd = &cobra.Command{
	Use:   "reveal <miner-id>",
	Short: "Reveal a plaintext credential (audited, admin only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]any{"reason": revealReason}
		var result struct {
			MinerID     string `json:"miner_id"`
			Mode        int    `json:"mode"`
			Value       string `json:"value"`
			Fingerprint string `json:"fingerprint"`
		}
		if err := client.postJSON(apiBase+"/miners/"+args[0]+"/reveal", body, &result); err != nil {
			return fmt.Errorf("failed to reveal credential: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}
		fmt.Printf("Miner:       %s  (mode %s)\n", result.MinerID, modeName(result.Mode))
		fmt.Printf("Value:       %s\n", result.Value)
		fmt.Printf("Fingerprint: %s\n", result.Fingerprint)
		return nil
	},
}

var migrateMode string

var credentialMigrateCmd = &cobra.Command{
	Use:   "migrate <site-id>",
	Short: "Migrate every credential on a site to a new protection mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		target, ok := modeValues[migrateMode]
		if !ok {
			return fmt.Errorf("unknown mode %q: choose masking, envelope or e2ee", migrateMode)
		}

		body := map[string]any{"target_mode": target}
		var report struct {
			SiteID     string `json:"site_id"`
			TargetMode int    `json:"target_mode"`
			Outcomes   []struct {
				MinerID string `json:"miner_id"`
				Status  string `json:"status"`
				Reason  string `json:"reason"`
			} `json:"outcomes"`
			Migrated int `json:"migrated"`
			Failed   int `json:"failed"`
			Skipped  int `json:"skipped"`
		}
		if err := client.postJSON(apiBase+"/sites/"+args[0]+"/batch-migrate", body, &report); err != nil {
			return fmt.Errorf("failed to migrate credentials: %w", err)
		}

		if !tableMode() {
			return printOutput(report)
		}

		headers := []string{"Miner", "Status", "Reason"}
		rows := make([][]string, 0, len(report.Outcomes))
		for _, o := range report.Outcomes {
			reason := o.Reason
			if reason == "" {
				reason = "-"
			}
			rows = append(rows, []string{o.MinerID, o.Status, truncate(reason, 50)})
		}
		printTable(headers, rows)
		fmt.Printf("Site %s -> %s: %d migrated, %d failed, %d skipped\n",
			report.SiteID, modeName(report.TargetMode), report.Migrated, report.Failed, report.Skipped)
		return nil
	},
}

func init() {
	credentialSetCmd.Flags().StringVar(&setValue, "value", "", "Credential value, or an opaque blob for e2ee sites (required)")
	credentialSetCmd.Flags().Int64Var(&setCounter, "counter", 0, "Monotonic update counter; must exceed the stored one")
	_ = credentialSetCmd.MarkFlagRequired("value")

	credentialRevealCmd.Flags().StringVar(&revealReason, "reason", "", "Reason recorded in the audit ledger (required)")
	_ = credentialRevealCmd.MarkFlagRequired("reason")

	credentialMigrateCmd.Flags().StringVar(&migrateMode, "mode", "", "Target mode: masking, envelope or e2ee (required)")
	_ = credentialMigrateCmd.MarkFlagRequired("mode")

	credentialCmd.AddCommand(credentialGetCmd)
	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialRevealCmd)
	credentialCmd.AddCommand(credentialMigrateCmd)
}
