package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/berqenas/dbsync/internal/logger"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back all control-plane database migrations. This drops the sync
engine's tables; jobs, conflicts, and watermarks are lost.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	m, cfg, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	if !yes {
		if !confirmMigration("roll back migrations on", cfg) {
			logger.Info("Migration cancelled by user")
			return nil
		}
	}

	logger.Info("Rolling back database migrations...")
	if err := m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}

	logger.Info("Migrations rolled back successfully")
	return nil
}
