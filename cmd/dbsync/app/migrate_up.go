package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/berqenas/dbsync/database"
	"github.com/berqenas/dbsync/internal/config"
	"github.com/berqenas/dbsync/internal/logger"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending control-plane database migrations to bring the schema up
to date. The database connection parameters are read from the config file.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	m, cfg, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	if !yes {
		if !confirmMigration("apply migrations to", cfg) {
			logger.Info("Migration cancelled by user")
			return nil
		}
	}

	logger.Info("Applying database migrations...")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Database schema is already up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	reportVersion(m)
	return nil
}

// migratorFromFlags loads the config named by --config and builds a migrator
// for the control-plane database.
func migratorFromFlags(cmd *cobra.Command) (database.Migrator, *config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, cfg, nil
}

// confirmMigration prompts for a yes/no answer before touching the schema.
func confirmMigration(action string, cfg *config.Config) bool {
	logger.Infof("About to %s database: %s@%s:%d/%s",
		action, cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	fmt.Print("Continue? (yes/no): ")
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "yes" || response == "y"
}

// reportVersion logs the schema version after a migration run.
func reportVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	switch {
	case err != nil:
		logger.Warnf("Unable to get migration version: %v", err)
	case dirty:
		logger.Warnf("Database is in a dirty state at version %d", version)
	default:
		logger.Infof("Migrations applied successfully. Current version: %d", version)
	}
}
