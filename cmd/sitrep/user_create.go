package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sitrep/internal/api"
	"github.com/hyperengineering/sitrep/internal/types"
)

var (
	createEmail string
	createRole  string
)

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an operator account",
	Long: "Create an operator account and print its bearer token. The token is " +
		"shown exactly once; only its hash is stored.",
	Args: cobra.ExactArgs(1),
	RunE: runUserCreate,
}

func init() {
	userCreateCmd.Flags().StringVar(&createEmail, "email", "",
		"Contact email")
	userCreateCmd.Flags().StringVar(&createRole, "role", "assessor",
		"Role: admin, coordinator, assessor, responder, donor")
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := context.Background()

	role := types.Role(createRole)
	if !types.ValidRole(role) {
		return fmt.Errorf("invalid role %q (valid: admin, coordinator, assessor, responder, donor)", createRole)
	}

	db, err := resolveUserStore()
	if err != nil {
		return err
	}
	defer db.Close()

	token, err := api.GenerateToken()
	if err != nil {
		return err
	}

	user := &types.User{
		Name:      name,
		Email:     createEmail,
		Role:      role,
		TokenHash: api.HashToken(token),
		Active:    true,
	}
	if err := db.CreateUser(ctx, user); err != nil {
		return err
	}

	if userJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      user.ID,
			"name":    user.Name,
			"email":   user.Email,
			"role":    user.Role,
			"token":   token,
			"created": user.CreatedAt,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created user %q (id: %s, role: %s)\n", user.Name, user.ID, user.Role)
	fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", token)
	fmt.Fprintln(cmd.OutOrStdout(), "Store this token now; it cannot be recovered.")
	return nil
}
