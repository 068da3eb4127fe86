package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Propose, inspect and decide fleet commands",
}

// apiCommand mirrors the server's command representation, restricted to
// the fields the CLI renders.
type apiCommand struct {
	ID            string         `json:"id"`
	SiteID        string         `json:"siteId"`
	ZoneID        string         `json:"zoneId"`
	CommandType   string         `json:"commandType"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	RiskTier      string         `json:"riskTier"`
	StepsRequired int            `json:"stepsRequired"`
	RequestedBy   string         `json:"requestedBy"`
	ApprovedBy    string         `json:"approvedBy"`
	ExpiresAt     string         `json:"expiresAt"`
	RetryCount    int            `json:"retryCount"`
	TerminalAt    string         `json:"terminalAt"`
	RollbackOf    string         `json:"rollbackOf"`
	CreatedAt     string         `json:"createdAt"`
	Targets       []struct {
		MinerID    string `json:"minerId"`
		Status     string `json:"status"`
		ResultCode string `json:"resultCode"`
		Message    string `json:"message"`
	} `json:"targets"`
	Approvals []apiApproval `json:"approvals"`
}

type apiApproval struct {
	ApproverID string `json:"approverId"`
	Step       int    `json:"step"`
	Verdict    string `json:"verdict"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"createdAt"`
}

var (
	proposeSite    string
	proposeZone    string
	proposeType    string
	proposeTargets []string
	proposePayload string
	proposeTTL     int
	proposeDedupe  string
)

var commandProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a new command against a set of miners",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var payload map[string]any
		if proposePayload != "" {
			if err := json.Unmarshal([]byte(proposePayload), &payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}

		body := map[string]any{
			"site_id":      proposeSite,
			"zone_id":      proposeZone,
			"command_type": proposeType,
			"payload":      payload,
			"target_ids":   proposeTargets,
			"ttl_seconds":  proposeTTL,
			"dedupe_key":   proposeDedupe,
		}

		var result map[string]any
		if err := client.postJSON(apiBase+"/commands", body, &result); err != nil {
			return fmt.Errorf("failed to propose command: %w", err)
		}
		return printJSON(result)
	},
}

var (
	listSite      string
	listStatus    string
	listFilter    string
	listPageSize  int
	listPageToken string
)

var commandListCmd = &cobra.Command{
	Use:   "list",
	Short: "List commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		q := url.Values{}
		if listSite != "" {
			q.Set("site_id", listSite)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listFilter != "" {
			q.Set("filterQuery", listFilter)
		}
		if listPageSize > 0 {
			q.Set("pageSize", fmt.Sprintf("%d", listPageSize))
		}
		if listPageToken != "" {
			q.Set("pageToken", listPageToken)
		}
		path := apiBase + "/commands"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Commands      []apiCommand `json:"commands"`
			NextPageToken string       `json:"nextPageToken"`
			TotalSize     int          `json:"totalSize"`
		}
		if err := client.getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to list commands: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}

		headers := []string{"ID", "Type", "Site", "Status", "Risk", "Requested By", "Created At"}
		rows := make([][]string, 0, len(result.Commands))
		for _, c := range result.Commands {
			rows = append(rows, []string{
				c.ID, c.CommandType, c.SiteID, c.Status, c.RiskTier, c.RequestedBy, c.CreatedAt,
			})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		if result.NextPageToken != "" {
			fmt.Printf("Next page: --page-token %s\n", result.NextPageToken)
		}
		return nil
	},
}

var commandShowCmd = &cobra.Command{
	Use:   "show <command-id>",
	Short: "Show one command with its targets and approvals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var c apiCommand
		if err := client.getJSON(apiBase+"/commands/"+args[0], &c); err != nil {
			return fmt.Errorf("failed to get command: %w", err)
		}

		if !tableMode() {
			return printOutput(c)
		}

		fmt.Printf("ID:          %s\n", c.ID)
		fmt.Printf("Type:        %s\n", c.CommandType)
		fmt.Printf("Site:        %s", c.SiteID)
		if c.ZoneID != "" {
			fmt.Printf("  Zone: %s", c.ZoneID)
		}
		fmt.Println()
		fmt.Printf("Status:      %s\n", c.Status)
		fmt.Printf("Risk tier:   %s  (approvals required: %d)\n", c.RiskTier, c.StepsRequired)
		fmt.Printf("Requested:   %s at %s\n", c.RequestedBy, c.CreatedAt)
		if c.ApprovedBy != "" {
			fmt.Printf("Approved by: %s\n", c.ApprovedBy)
		}
		if c.RollbackOf != "" {
			fmt.Printf("Rollback of: %s\n", c.RollbackOf)
		}
		fmt.Printf("Expires:     %s\n", c.ExpiresAt)
		if c.TerminalAt != "" {
			fmt.Printf("Finished:    %s\n", c.TerminalAt)
		}

		if len(c.Targets) > 0 {
			fmt.Println()
			headers := []string{"Miner", "Status", "Result", "Message"}
			rows := make([][]string, 0, len(c.Targets))
			for _, t := range c.Targets {
				rows = append(rows, []string{t.MinerID, t.Status, t.ResultCode, truncate(t.Message, 40)})
			}
			printTable(headers, rows)
		}
		if len(c.Approvals) > 0 {
			fmt.Println()
			printApprovalsTable(c.Approvals)
		}
		return nil
	},
}

var (
	decisionReason string
	decisionStep   int
)

var commandApproveCmd = &cobra.Command{
	Use:   "approve <command-id>",
	Short: "Record one approval step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		body := map[string]any{"reason": decisionReason, "step": decisionStep}
		var result map[string]any
		if err := client.postJSON(apiBase+"/commands/"+args[0]+"/approve", body, &result); err != nil {
			return fmt.Errorf("failed to approve command: %w", err)
		}
		return printJSON(result)
	},
}

var commandDenyCmd = &cobra.Command{
	Use:   "deny <command-id>",
	Short: "Deny and cancel a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		body := map[string]any{"reason": decisionReason}
		var result map[string]any
		if err := client.postJSON(apiBase+"/commands/"+args[0]+"/deny", body, &result); err != nil {
			return fmt.Errorf("failed to deny command: %w", err)
		}
		return printJSON(result)
	},
}

var commandCancelCmd = &cobra.Command{
	Use:   "cancel <command-id>",
	Short: "Withdraw a command that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		body := map[string]any{"reason": decisionReason}
		var result map[string]any
		if err := client.postJSON(apiBase+"/commands/"+args[0]+"/cancel", body, &result); err != nil {
			return fmt.Errorf("failed to cancel command: %w", err)
		}
		return printJSON(result)
	},
}

var commandRollbackCmd = &cobra.Command{
	Use:   "rollback <command-id>",
	Short: "Propose the command that undoes a completed one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		body := map[string]any{"reason": decisionReason}
		var result map[string]any
		if err := client.postJSON(apiBase+"/commands/"+args[0]+"/rollback", body, &result); err != nil {
			return fmt.Errorf("failed to roll back command: %w", err)
		}
		return printJSON(result)
	},
}

var commandApprovalsCmd = &cobra.Command{
	Use:   "approvals <command-id>",
	Short: "Show the approval trail for a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			CommandID     string        `json:"command_id"`
			StepsRequired int           `json:"steps_required"`
			Approvals     []apiApproval `json:"approvals"`
		}
		if err := client.getJSON(apiBase+"/commands/"+args[0]+"/approvals", &result); err != nil {
			return fmt.Errorf("failed to list approvals: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}
		printApprovalsTable(result.Approvals)
		fmt.Printf("Required: %d\n", result.StepsRequired)
		return nil
	},
}

func printApprovalsTable(approvals []apiApproval) {
	headers := []string{"Step", "Approver", "Verdict", "Reason", "Time"}
	rows := make([][]string, 0, len(approvals))
	for _, a := range approvals {
		reason := a.Reason
		if reason == "" {
			reason = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", a.Step), a.ApproverID, a.Verdict, truncate(reason, 40), a.CreatedAt,
		})
	}
	printTable(headers, rows)
}

func init() {
	commandProposeCmd.Flags().StringVar(&proposeSite, "site", "", "Site ID (required)")
	commandProposeCmd.Flags().StringVar(&proposeZone, "zone", "", "Zone ID")
	commandProposeCmd.Flags().StringVar(&proposeType, "type", "", "Command type, e.g. reboot or power_limit (required)")
	commandProposeCmd.Flags().StringSliceVar(&proposeTargets, "targets", nil, "Comma-separated miner IDs (required)")
	commandProposeCmd.Flags().StringVar(&proposePayload, "payload", "", "Command payload as a JSON object")
	commandProposeCmd.Flags().IntVar(&proposeTTL, "ttl", 0, "Command TTL in seconds (0 uses the server default)")
	commandProposeCmd.Flags().StringVar(&proposeDedupe, "dedupe-key", "", "Idempotency key; a repeat proposal returns the original")
	_ = commandProposeCmd.MarkFlagRequired("site")
	_ = commandProposeCmd.MarkFlagRequired("type")
	_ = commandProposeCmd.MarkFlagRequired("targets")

	commandListCmd.Flags().StringVar(&listSite, "site", "", "Filter by site ID")
	commandListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status, e.g. QUEUED or PENDING_APPROVAL")
	commandListCmd.Flags().StringVar(&listFilter, "filter", "", `Filter expression, e.g. 'risk_tier = "HIGH" AND retry_count > 0'`)
	commandListCmd.Flags().IntVar(&listPageSize, "page-size", 0, "Page size")
	commandListCmd.Flags().StringVar(&listPageToken, "page-token", "", "Page token from a previous listing")

	for _, c := range []*cobra.Command{commandApproveCmd, commandDenyCmd, commandCancelCmd, commandRollbackCmd} {
		c.Flags().StringVar(&decisionReason, "reason", "", "Reason recorded in the audit ledger")
	}
	commandApproveCmd.Flags().IntVar(&decisionStep, "step", 0, "Expected approval step (0 accepts the next)")

	commandCmd.AddCommand(commandProposeCmd)
	commandCmd.AddCommand(commandListCmd)
	commandCmd.AddCommand(commandShowCmd)
	commandCmd.AddCommand(commandApproveCmd)
	commandCmd.AddCommand(commandDenyCmd)
	commandCmd.AddCommand(commandCancelCmd)
	commandCmd.AddCommand(commandRollbackCmd)
	commandCmd.AddCommand(commandApprovalsCmd)
}
