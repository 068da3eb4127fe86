package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read and verify the audit ledger",
}

type apiAuditEvent struct {
	ID        int64          `json:"id"`
	SiteID    string         `json:"site_id"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id"`
	EventType string         `json:"event_type"`
	RefType   string         `json:"ref_type"`
	RefID     string         `json:"ref_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
	EventHash string         `json:"event_hash"`
}

var (
	auditSite      string
	auditEventType string
	auditActorType string
	auditActorID   string
	auditRefType   string
	auditRefID     string
	auditPageSize  int
	auditPageToken string
)

var auditEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		q := url.Values{}
		if auditSite != "" {
			q.Set("site_id", auditSite)
		}
		if auditEventType != "" {
			q.Set("event_type", auditEventType)
		}
		if auditActorType != "" {
			q.Set("actor_type", auditActorType)
		}
		if auditActorID != "" {
			q.Set("actor_id", auditActorID)
		}
		if auditRefType != "" {
			q.Set("ref_type", auditRefType)
		}
		if auditRefID != "" {
			q.Set("ref_id", auditRefID)
		}
		if auditPageSize > 0 {
			q.Set("pageSize", fmt.Sprintf("%d", auditPageSize))
		}
		if auditPageToken != "" {
			q.Set("pageToken", auditPageToken)
		}
		path := apiBase + "/audit/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Events        []apiAuditEvent `json:"events"`
			NextPageToken string          `json:"nextPageToken"`
			TotalSize     int             `json:"totalSize"`
		}
		if err := client.getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}

		headers := []string{"ID", "Event", "Actor", "Ref", "Site", "Created At"}
		rows := make([][]string, 0, len(result.Events))
		for _, e := range result.Events {
			actor := e.ActorType + ":" + e.ActorID
			ref := e.RefType + ":" + e.RefID
			rows = append(rows, []string{
				fmt.Sprintf("%d", e.ID), e.EventType, truncate(actor, 32), truncate(ref, 44), e.SiteID, e.CreatedAt,
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

var auditShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one audit event with its hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var event apiAuditEvent
		if err := client.getJSON(apiBase+"/audit/events/"+args[0], &event); err != nil {
			return fmt.Errorf("failed to get audit event: %w", err)
		}
		return printOutput(event)
	},
}

var (
	verifyFromID int64
	verifyToID   int64
)

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first break",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		q := url.Values{}
		if auditSite != "" {
			q.Set("site_id", auditSite)
		}
		if verifyFromID > 0 {
			q.Set("from_id", fmt.Sprintf("%d", verifyFromID))
		}
		if verifyToID > 0 {
			q.Set("to_id", fmt.Sprintf("%d", verifyToID))
		}
		path := apiBase + "/audit/verify"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			VerifyOK           bool  `json:"verify_ok"`
			EventsChecked      int64 `json:"events_checked"`
			FirstBrokenEventID int64 `json:"first_broken_event_id"`
		}
		if err := client.getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to verify audit chain: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}
		if !result.VerifyOK {
			return fmt.Errorf("chain breaks at event %d (%d events checked)",
				result.FirstBrokenEventID, result.EventsChecked)
		}
		fmt.Printf("OK: %d events verified\n", result.EventsChecked)
		return nil
	},
}

var (
	exportFrom string
	exportTo   string
	exportOut  string
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a time window of the ledger as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		q := url.Values{}
		if exportFrom != "" {
			q.Set("from", exportFrom)
		}
		if exportTo != "" {
			q.Set("to", exportTo)
		}
		path := apiBase + "/audit/export"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := client.getStream(path, out); err != nil {
			return fmt.Errorf("failed to export audit events: %w", err)
		}
		if exportOut != "" {
			fmt.Printf("Exported to %s\n", exportOut)
		}
		return nil
	},
}

func init() {
	auditEventsCmd.Flags().StringVar(&auditSite, "site", "", "Filter by site ID")
	auditEventsCmd.Flags().StringVar(&auditEventType, "event-type", "", "Filter by event type, e.g. command.approved")
	auditEventsCmd.Flags().StringVar(&auditActorType, "actor-type", "", "Filter by actor type: user, device or system")
	auditEventsCmd.Flags().StringVar(&auditActorID, "actor-id", "", "Filter by actor ID")
	auditEventsCmd.Flags().StringVar(&auditRefType, "ref-type", "", "Filter by reference type, e.g. command or credential")
	auditEventsCmd.Flags().StringVar(&auditRefID, "ref-id", "", "Filter by reference ID")
	auditEventsCmd.Flags().IntVar(&auditPageSize, "page-size", 0, "Page size")
	auditEventsCmd.Flags().StringVar(&auditPageToken, "page-token", "", "Page token from a previous listing")

	auditVerifyCmd.Flags().StringVar(&auditSite, "site", "", "Verify a single site's chain")
	auditVerifyCmd.Flags().Int64Var(&verifyFromID, "from-id", 0, "First event ID to check")
	auditVerifyCmd.Flags().Int64Var(&verifyToID, "to-id", 0, "Last event ID to check")

	auditExportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start, RFC 3339 (required)")
	auditExportCmd.Flags().StringVar(&exportTo, "to", "", "Window end, RFC 3339 (required)")
	auditExportCmd.Flags().StringVar(&exportOut, "out", "", "Write to a file instead of stdout")
	_ = auditExportCmd.MarkFlagRequired("from")
	_ = auditExportCmd.MarkFlagRequired("to")

	auditCmd.AddCommand(auditEventsCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}
