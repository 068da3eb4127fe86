package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Enroll, list and revoke edge devices",
}

var deviceSite string

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered edge devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		path := apiBase + "/devices"
		if deviceSite != "" {
			path += "?site_id=" + deviceSite
		}

		var result struct {
			Devices []struct {
				ID           string `json:"id"`
				SiteID       string `json:"siteId"`
				ZoneID       string `json:"zoneId"`
				Name         string `json:"name"`
				Revoked      bool   `json:"revoked"`
				LastSeenAt   string `json:"lastSeenAt"`
				RegisteredAt string `json:"registeredAt"`
			} `json:"devices"`
		}
		if err := client.getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}

		headers := []string{"ID", "Name", "Site", "Zone", "Status", "Last Seen"}
		rows := make([][]string, 0, len(result.Devices))
		for _, d := range result.Devices {
			status := "active"
			if d.Revoked {
				status = "revoked"
			}
			lastSeen := d.LastSeenAt
			if lastSeen == "" {
				lastSeen = "-"
			}
			rows = append(rows, []string{d.ID, d.Name, d.SiteID, d.ZoneID, status, lastSeen})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", len(result.Devices))
		return nil
	},
}

var (
	registerSite   string
	registerZone   string
	registerName   string
	registerSecret string
)

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Enroll a new edge device and print its token",
	Long:  "Enrolls a device through the edge surface. The token is shown once and cannot be recovered; store it on the device immediately.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]any{
			"site_id":       registerSite,
			"zone_id":       registerZone,
			"name":          registerName,
			"enroll_secret": registerSecret,
		}
		var result struct {
			DeviceID     string `json:"device_id"`
			SiteID       string `json:"site_id"`
			ZoneID       string `json:"zone_id"`
			Token        string `json:"token"`
			RegisteredAt string `json:"registered_at"`
		}
		if err := client.postJSON(apiBase+"/edge/register", body, &result); err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}
		fmt.Printf("Device %s registered on site %s zone %s at %s\n",
			result.DeviceID, result.SiteID, result.ZoneID, result.RegisteredAt)
		fmt.Printf("Token (shown once): %s\n", result.Token)
		return nil
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result map[string]any
		if err := client.postJSON(apiBase+"/devices/"+args[0]+"/revoke", nil, &result); err != nil {
			return fmt.Errorf("failed to revoke device: %w", err)
		}

		if !tableMode() {
			return printOutput(result)
		}
		fmt.Printf("Device %s revoked\n", args[0])
		return nil
	},
}

func init() {
	deviceListCmd.Flags().StringVar(&deviceSite, "site", "", "Filter by site ID")

	deviceRegisterCmd.Flags().StringVar(&registerSite, "site", "", "Site ID (required)")
	deviceRegisterCmd.Flags().StringVar(&registerZone, "zone", "", "Zone ID (required)")
	deviceRegisterCmd.Flags().StringVar(&registerName, "name", "", "Human-readable device name")
	deviceRegisterCmd.Flags().StringVar(&registerSecret, "enroll-secret", "", "Fleet enrollment secret (required)")
	_ = deviceRegisterCmd.MarkFlagRequired("site")
	_ = deviceRegisterCmd.MarkFlagRequired("zone")
	_ = deviceRegisterCmd.MarkFlagRequired("enroll-secret")

	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceRevokeCmd)
}
