package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/sitrep/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending schema migrations from the embedded
// SQL files. Goose's own logging is silenced; the resulting version is
// logged here instead.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	slog.Debug("schema migrated",
		"component", "store",
		"action", "migrate",
		"version", version,
	)
	return nil
}
