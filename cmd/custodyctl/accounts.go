package main

import (
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage custodial accounts",
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a custodial signing account for the caller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			UserID    string `json:"userId"`
			PublicKey string `json:"publicKey"`
		}
		if err := newClient().postJSON("/api/v1/accounts", nil, &out); err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(out)
		}
		printTable([]string{"user id", "public key"}, [][]string{{out.UserID, out.PublicKey}})
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsCreateCmd)
}
