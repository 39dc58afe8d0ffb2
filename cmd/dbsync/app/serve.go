package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/berqenas/dbsync/internal/api"
	"github.com/berqenas/dbsync/internal/config"
	"github.com/berqenas/dbsync/internal/db"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/scheduler"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/store"
	"github.com/berqenas/dbsync/internal/telemetry"
	"github.com/berqenas/dbsync/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine and its control-plane API",
	Long: `Start the sync engine: the periodic scheduler, the worker pool, and the
REST API for registering remote databases, triggering passes, and resolving
parked conflicts.

The server requires a configuration file (--config) that specifies the
control-plane database, the cloud data store, and scheduler settings.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second // Sync triggers may open remote stores
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	logger.Infof("Starting dbsync server on %s", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Infof("Loaded configuration from %s (cloud store: %s)",
		configPath, cfg.CloudStore.Kind)

	// Control-plane database
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to control-plane database: %w", err)
	}
	defer conn.Close()

	svc := state.NewDBService(conn.Pool)

	// Cloud data store, shared by every registration
	cloud, err := store.Open(cfg.CloudStore)
	if err != nil {
		return fmt.Errorf("failed to open cloud store: %w", err)
	}
	defer func() {
		if closeErr := cloud.Close(); closeErr != nil {
			logger.Errorf("Failed to close cloud store: %v", closeErr)
		}
	}()
	if err := cloud.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping cloud store: %w", err)
	}

	// Metrics
	meterOpts := []telemetry.MeterProviderOption{
		telemetry.WithMeterServiceVersion(versions.GetVersionInfo().Version),
	}
	if cfg.Telemetry != nil {
		meterOpts = append(meterOpts,
			telemetry.WithMeterEndpoint(cfg.Telemetry.Endpoint),
			telemetry.WithMeterInsecure(cfg.Telemetry.Insecure),
		)
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, meterOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	defer func() {
		type shutdowner interface {
			Shutdown(context.Context) error
		}
		if sd, ok := meterProvider.(shutdowner); ok {
			if err := sd.Shutdown(context.Background()); err != nil {
				logger.Errorf("Failed to shut down meter provider: %v", err)
			}
		}
	}()

	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	// Scheduler with worker pool and periodic trigger loop
	sched := scheduler.New(svc, cloud,
		scheduler.WithWorkers(cfg.Scheduler.WorkerCount()),
		scheduler.WithInterval(cfg.Scheduler.SyncInterval()),
		scheduler.WithMaxRetries(cfg.Scheduler.RetryLimit()),
		scheduler.WithMetrics(syncMetrics),
	)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go func() {
		if err := sched.Start(schedCtx); err != nil {
			logger.Errorf("Sync scheduler failed: %v", err)
		}
	}()

	router := api.NewServer(svc, sched,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
		api.WithReadinessCheck("control-plane", conn),
		api.WithReadinessCheck("cloud-store", cloud),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	if err := sched.Stop(); err != nil {
		logger.Errorf("Failed to stop sync scheduler: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
