package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	infralogger "github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
)

// SetupScheduler registers the recovery and self ping schedules. The returned
// cron is not started.
func SetupScheduler(
	ctx context.Context,
	cfg *config.Config,
	log infralogger.Logger,
	services *ServiceComponents,
) (*cron.Cron, error) {
	c := cron.New()

	if cfg.Recovery.Schedule != "" {
		if _, err := services.Scanner.Schedule(ctx, c, cfg.Recovery.Schedule); err != nil {
			return nil, fmt.Errorf("recovery schedule: %w", err)
		}
		log.Info("Recovery scheduled", infralogger.String("schedule", cfg.Recovery.Schedule))
	}

	if services.Pinger != nil {
		if _, err := services.Pinger.Schedule(ctx, c, cfg.SelfPing.Schedule); err != nil {
			return nil, fmt.Errorf("self ping schedule: %w", err)
		}
		log.Info("Self ping scheduled",
			infralogger.String("schedule", cfg.SelfPing.Schedule),
			infralogger.Strings("endpoints", cfg.SelfPing.Endpoints),
		)
	}

	return c, nil
}

// StartBackground runs the startup recovery scan and the first self ping
// without delaying the HTTP server.
func StartBackground(ctx context.Context, cfg *config.Config, log infralogger.Logger, services *ServiceComponents) {
	if cfg.Recovery.RunOnStartup() {
		go func() {
			if _, err := services.Scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Startup recovery failed", infralogger.Error(err))
			}
		}()
	}

	if services.Pinger != nil {
		go services.Pinger.PingAll(ctx)
	}
}

// Shutdown stops the schedules and drains the worker pool. Tasks still queued
// when the drain times out stay unfinished for the next startup recovery.
func Shutdown(cfg *config.Config, log infralogger.Logger, c *cron.Cron, services *ServiceComponents) {
	log.Info("Stopping scheduler")
	<-c.Stop().Done()

	log.Info("Draining worker pool", infralogger.Int("queued", services.Pool.QueueDepth()))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer cancel()

	if err := services.Pool.Stop(ctx); err != nil {
		log.Warn("Worker pool did not drain in time", infralogger.Error(err))
	}
}
