package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sitrep/internal/config"
	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
)

var (
	userDBOverride string
	userJSONOutput bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
	Long:  "Create, list, and revoke operator accounts without running the server.",
}

func init() {
	userCmd.PersistentFlags().StringVar(&userDBOverride, "db", "",
		"Database path (overrides config and SITREP_DB_PATH)")
	userCmd.PersistentFlags().BoolVar(&userJSONOutput, "json", false,
		"Output in JSON format")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userRevokeCmd)
}

// resolveUserStore opens the server store from config with optional --db
// override. Conflict strategies are irrelevant for account management, so
// the default registry is used.
func resolveUserStore() (*store.SQLiteStore, error) {
	dbPath := userDBOverride
	if dbPath == "" {
		dbCfg, err := config.LoadDatabaseConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = dbCfg.Path
	}

	strategies, err := sitrepsync.NewRegistry(sitrepsync.StrategyLastWriteWins, nil)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(dbPath, strategies)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
