// Package bootstrap handles application initialization and lifecycle management
// for the node-index service.
//
// The bootstrap process follows these phases:
//   - Phase 0: Profiling - Start Pyroscope (if enabled)
//   - Phase 1: Config & Logger - Load configuration and create logger
//   - Phase 2: Database - Connect to PostgreSQL and create repositories
//   - Phase 3: Events - Connect the Redis stream publisher (if enabled)
//   - Phase 4: Services - Metrics, worker pool, harvester, webhooks, processor
//   - Phase 5: Recovery - Resume unfinished events and start schedules
//   - Phase 6: Server - Run the HTTP server until interrupted
//   - Phase 7: Drain - Stop schedules and drain the worker pool
package bootstrap

import (
	"context"
	"fmt"
	"os"

	infralogger "github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/profiling"
)

// Start initializes and runs the service using the configuration at configPath.
// It blocks until the server is interrupted or fails.
func Start(configPath string) error {
	// Phase 1: Load config and create logger
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Phase 0: Start Pyroscope continuous profiling (if enabled)
	profiler, err := profiling.Start(cfg.Profiling, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		return fmt.Errorf("failed to start profiler: %w", err)
	}
	defer func() {
		if stopErr := profiler.Stop(); stopErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to stop profiler: %v\n", stopErr)
		}
	}()

	log, err := CreateLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting Node Index Service",
		infralogger.String("name", cfg.Service.Name),
		infralogger.String("version", cfg.Service.Version),
		infralogger.Int("port", cfg.Service.Port),
	)

	// Phase 2: Setup database
	db, err := SetupDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}
	defer func() {
		if closeErr := db.DB.Close(); closeErr != nil {
			log.Error("Failed to close database connection", infralogger.Error(closeErr))
		}
	}()
	log.Info("Database connection established")

	// Phase 3: Setup event stream publisher
	stream := SetupEventStream(cfg, log)
	defer stream.Close()

	// Phase 4: Setup services
	services, err := SetupServices(cfg, log, db, stream)
	if err != nil {
		return fmt.Errorf("failed to setup services: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	services.Pool.Start(ctx)

	// Phase 5: Recovery and schedules
	scheduler, err := SetupScheduler(ctx, cfg, log, services)
	if err != nil {
		return fmt.Errorf("failed to setup scheduler: %w", err)
	}
	StartBackground(ctx, cfg, log, services)
	scheduler.Start()

	// Phase 6: Run HTTP server until interrupt
	server := SetupHTTPServer(cfg, log, db, stream, services)
	runErr := server.Run(ctx)

	// Phase 7: Drain
	cancel()
	Shutdown(cfg, log, scheduler, services)

	if runErr != nil {
		log.Error("Server error", infralogger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Info("Node Index Service stopped")
	return nil
}
