package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator accounts",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func runUserList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := resolveUserStore()
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := db.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	// Sort by name
	sort.Slice(users, func(i, j int) bool {
		return users[i].Name < users[j].Name
	})

	if userJSONOutput {
		items := make([]map[string]any, len(users))
		for i, u := range users {
			items[i] = map[string]any{
				"id":      u.ID,
				"name":    u.Name,
				"email":   u.Email,
				"role":    u.Role,
				"active":  u.Active,
				"created": u.CreatedAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"users": items,
			"total": len(items),
		})
	}

	if len(users) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tROLE\tACTIVE\tEMAIL\tCREATED")
	for _, u := range users {
		email := u.Email
		if email == "" {
			email = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			u.ID,
			u.Name,
			u.Role,
			u.Active,
			email,
			u.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}
