package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	userID    string
	userRole  string
)

var rootCmd = &cobra.Command{
	Use:   "custodyctl",
	Short: "CLI for the custody server",
	Long: `custodyctl drives the custody server's batch API: creating batches,
appending stage attestations, transferring custody, and finalizing.

The caller identity is sent as trusted gateway headers; --user and --role
stand in for whatever identity provider fronts the server in production.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Custody server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "Caller user id (default: from CUSTODY_USER env)")
	rootCmd.PersistentFlags().StringVar(&userRole, "role", "", "Caller role, e.g. brand_owner (default: from CUSTODY_ROLE env)")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(syncJobsCmd)
	rootCmd.AddCommand(healthCmd)
}

// resolvedUser returns the effective caller id.
// Priority: --user flag > CUSTODY_USER env var.
func resolvedUser() string {
	if userID != "" {
		return userID
	}
	return os.Getenv("CUSTODY_USER")
}

// resolvedRole returns the effective caller role.
func resolvedRole() string {
	if userRole != "" {
		return userRole
	}
	return os.Getenv("CUSTODY_ROLE")
}
