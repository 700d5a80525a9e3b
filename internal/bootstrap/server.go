package bootstrap

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	infragin "github.com/jonesrussell/north-cloud/node-index/infrastructure/gin"
	infralogger "github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	inframetrics "github.com/jonesrussell/north-cloud/node-index/infrastructure/metrics"
	infraredis "github.com/jonesrussell/north-cloud/node-index/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/node-index/internal/api"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
)

const (
	httpReadTimeout    = 15 * time.Second
	httpWriteTimeout   = 30 * time.Second
	httpIdleTimeout    = 60 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// SetupHTTPServer creates the HTTP server with health checks, metrics and the
// registry routes.
func SetupHTTPServer(
	cfg *config.Config,
	log infralogger.Logger,
	db *DatabaseComponents,
	stream *EventStream,
	services *ServiceComponents,
) *infragin.Server {
	handler := api.NewHandler(
		services.Processor,
		db.Entries,
		db.Events,
		services.Scanner,
		api.Config{ValidDuration: cfg.Index.Ping.ValidDuration},
		log.With(infralogger.String("component", "api")),
	)
	metricsHandler := promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{})
	httpMetrics := inframetrics.NewHTTPMetrics(services.Registry, metrics.Namespace)

	builder := infragin.NewServerBuilder(cfg.Service.Name, cfg.Service.Port).
		WithLogger(log).
		WithDebug(cfg.Service.Debug).
		WithVersion(cfg.Service.Version).
		WithTimeouts(httpReadTimeout, httpWriteTimeout, httpIdleTimeout).
		WithCORSOrigins(cfg.Service.CORSOrigins).
		WithTrustedProxies(cfg.Service.TrustedProxies).
		WithDatabaseHealthCheck(func() error {
			return database.Ping(db.DB)
		}).
		WithRoutes(func(router *gin.Engine) {
			router.Use(httpMetrics.Middleware())
			api.SetupRoutes(router, handler, cfg.Auth.JWTSecret, cfg.Metrics.Path, metricsHandler)
		})

	if stream.Client != nil {
		builder = builder.WithRedisHealthCheck(infraredis.HealthCheck(stream.Client, healthCheckTimeout))
	}

	return builder.Build()
}
