package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"copy-trading-bot/internal/database"
)

func newMigrateCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rc.load("migrate"); err != nil {
				return err
			}
			defer rc.close()
			if !rc.cfg.DatabaseConfig.Enabled {
				return fmt.Errorf("database is not enabled (set DB_ENABLED=true)")
			}

			db, err := database.NewDB(rc.cfg.DatabaseConfig, rc.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return db.RunMigrations(ctx)
		},
	}
}
