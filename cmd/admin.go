package main

import (
	"encoding/json"
	"fmt"

	"trial-license-system/internal/fingerprint"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and the bootstrap administrator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var components fingerprint.Components

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compute a device fingerprint from hardware components without storing it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := fingerprint.Validate(components); err != nil {
			return err
		}
		return printJSON(cmd, fingerprint.Generate(components))
	},
}

func init() {
	f := fingerprintCmd.Flags()
	f.StringVar(&components.Platform, "platform", "", "operating system family (required)")
	f.StringVar(&components.Hostname, "hostname", "", "host name")
	f.StringVar(&components.MACAddress, "mac", "", "primary MAC address")
	f.StringVar(&components.CPUID, "cpu-id", "", "CPU identifier")
	f.StringVar(&components.MotherboardSerial, "motherboard-serial", "", "motherboard serial number")
	f.StringVar(&components.DiskSerial, "disk-serial", "", "system disk serial number")
	f.StringVar(&components.SystemUUID, "system-uuid", "", "SMBIOS system UUID")
	f.StringVar(&components.OSVersion, "os-version", "", "operating system version")
}

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Inspect and revoke license keys",
}

var licenseStatusCmd = &cobra.Command{
	Use:   "status KEY",
	Short: "Show the derived status of a license key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.authority.CheckLicenseKeyStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var revokeReason string

var licenseRevokeCmd = &cobra.Command{
	Use:   "revoke KEY",
	Short: "Revoke a license key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		actor, err := a.systemActor(cmd.Context())
		if err != nil {
			return err
		}
		res, err := a.authority.RevokeLicenseKey(cmd.Context(), args[0], revokeReason, actor)
		if err != nil {
			return err
		}
		if err := printJSON(cmd, res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%s", res.Message)
		}
		return nil
	},
}

func init() {
	licenseRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "why the key is revoked (required)")
	_ = licenseRevokeCmd.MarkFlagRequired("reason")
	licenseCmd.AddCommand(licenseStatusCmd, licenseRevokeCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with offline sync queues",
}

var queueProcessCmd = &cobra.Command{
	Use:   "process [CLIENT_ID]",
	Short: "Redeliver pending envelopes of one client, or of every client",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		actor, err := a.systemActor(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			report, err := a.gateway.ProcessOfflineQueue(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		}
		reports, err := a.gateway.ProcessAllQueues(cmd.Context(), actor)
		if err != nil {
			return err
		}
		return printJSON(cmd, reports)
	},
}

func init() {
	queueCmd.AddCommand(queueProcessCmd)
}

var (
	clientName      string
	clientProvision bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage tenant clients",
}

var clientAddCmd = &cobra.Command{
	Use:   "add CLIENT_ID",
	Short: "Register a client, optionally provisioning its own database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.clients.Register(cmd.Context(), args[0], clientName)
		if err != nil {
			return err
		}
		if clientProvision {
			if _, err := a.dbs.Get(c.ID); err != nil {
				return fmt.Errorf("provision tenant database: %w", err)
			}
		}
		if actor, err := a.systemActor(cmd.Context()); err == nil {
			_ = a.audit.LogOperation(cmd.Context(), actor, "client.register", "client", c.ID, map[string]any{"name": clientName, "provisioned": clientProvision})
		}
		return printJSON(cmd, c)
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clients with their sync health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		clients, err := a.clients.List(cmd.Context())
		if err != nil {
			return err
		}
		out := make([]any, 0, len(clients))
		for i := range clients {
			health, err := a.gateway.SyncStatus(cmd.Context(), clients[i].ID)
			if err != nil {
				return err
			}
			out = append(out, health)
		}
		return printJSON(cmd, out)
	},
}

func init() {
	clientAddCmd.Flags().StringVar(&clientName, "name", "", "display name")
	clientAddCmd.Flags().BoolVar(&clientProvision, "provision-db", false, "create and migrate the per-client database")
	clientCmd.AddCommand(clientAddCmd, clientListCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
