package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/palacehq/palace/internal/config"
	"github.com/palacehq/palace/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Long: `Open the database and run any pending schema migrations. Migrations
are guarded by a file lock so concurrent processes cannot race; the same
migrations run automatically when the daemon starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		store, err := sqlite.NewWithOptions(context.Background(), dbPath, sqlite.Options{
			MigrationLockFile:    config.GetString("db.migration-lock-file"),
			MigrationLockTimeout: config.GetDuration("db.migration-lock-timeout"),
		})
		if err != nil {
			return err
		}
		defer store.Close()
		if jsonOutput {
			outputJSON(map[string]interface{}{"migrated": true, "db": dbPath})
			return nil
		}
		fmt.Printf("schema up to date: %s\n", dbPath)
		return nil
	},
}
