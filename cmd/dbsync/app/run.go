package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/berqenas/dbsync/internal/config"
	"github.com/berqenas/dbsync/internal/db"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/scheduler"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync pass and exit",
	Long: `Run a single sync pass for a registered remote database and exit. Useful
for cron-driven deployments and for testing a registration before enabling
the periodic scheduler.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	runCmd.Flags().String("registration", "", "Registration id to sync (required)")
	runCmd.Flags().String("table", "", "Sync only this table (default: all tables)")
	runCmd.Flags().Bool("full", false, "Ignore the stored watermark and re-detect everything")

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	if err := runCmd.MarkFlagRequired("registration"); err != nil {
		panic(err)
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	regStr, err := cmd.Flags().GetString("registration")
	if err != nil {
		return fmt.Errorf("failed to get registration flag: %w", err)
	}
	table, err := cmd.Flags().GetString("table")
	if err != nil {
		return fmt.Errorf("failed to get table flag: %w", err)
	}
	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("failed to get full flag: %w", err)
	}

	registrationID, err := uuid.Parse(regStr)
	if err != nil {
		return fmt.Errorf("invalid registration id %q: %w", regStr, err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to control-plane database: %w", err)
	}
	defer conn.Close()

	svc := state.NewDBService(conn.Pool)

	cloud, err := store.Open(cfg.CloudStore)
	if err != nil {
		return fmt.Errorf("failed to open cloud store: %w", err)
	}
	defer func() {
		if closeErr := cloud.Close(); closeErr != nil {
			logger.Errorf("Failed to close cloud store: %v", closeErr)
		}
	}()

	mode := state.SyncModeIncremental
	if full {
		mode = state.SyncModeFull
	}

	sched := scheduler.New(svc, cloud,
		scheduler.WithMaxRetries(cfg.Scheduler.RetryLimit()),
	)

	jobIDs, err := sched.RunOnce(ctx, registrationID, table, mode)
	if err != nil {
		return fmt.Errorf("sync pass failed: %w", err)
	}

	failed := 0
	for _, jobID := range jobIDs {
		job, err := svc.GetJob(ctx, jobID)
		if err != nil {
			logger.Warnf("Failed to load job %s: %v", jobID, err)
			continue
		}
		if job.Status == state.JobStatusFailed {
			failed++
			msg := ""
			if job.ErrorMsg != nil {
				msg = *job.ErrorMsg
			}
			logger.Errorf("Job %s for table %s failed: %s", job.ID, job.Table, msg)
			continue
		}
		logger.Infof("Job %s for table %s %s: records_synced=%d",
			job.ID, job.Table, job.Status, job.RecordsSynced)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sync jobs failed", failed, len(jobIDs))
	}
	return nil
}
