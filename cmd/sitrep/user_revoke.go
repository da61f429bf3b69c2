package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var userRevokeCmd = &cobra.Command{
	Use:   "revoke <user-id>",
	Short: "Revoke an operator account",
	Long: "Deactivate an operator account. Its token stops authenticating " +
		"immediately; the account and its history are kept for audit.",
	Args: cobra.ExactArgs(1),
	RunE: runUserRevoke,
}

func runUserRevoke(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	db, err := resolveUserStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetUserActive(ctx, userID, false); err != nil {
		return err
	}

	if userJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      userID,
			"revoked": true,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Revoked user %q\n", userID)
	return nil
}
