package bootstrap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/circuitbreaker"
	infralogger "github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/events"
	"github.com/jonesrussell/north-cloud/node-index/internal/harvester"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
	"github.com/jonesrussell/north-cloud/node-index/internal/processor"
	"github.com/jonesrussell/north-cloud/node-index/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/node-index/internal/recovery"
	"github.com/jonesrussell/north-cloud/node-index/internal/selfping"
	"github.com/jonesrussell/north-cloud/node-index/internal/webhook"
	"github.com/jonesrussell/north-cloud/node-index/internal/worker"
)

// ServiceComponents holds the wired registry components.
type ServiceComponents struct {
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Pool      *worker.Pool
	Processor *processor.Processor
	Scanner   *recovery.Scanner
	// Pinger is nil when self ping is disabled.
	Pinger *selfping.Pinger
}

// SetupServices creates the metrics registry, worker pool and every component
// feeding it.
func SetupServices(
	cfg *config.Config,
	log infralogger.Logger,
	db *DatabaseComponents,
	stream *EventStream,
) (*ServiceComponents, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	pool := worker.NewPool(worker.Config{
		Workers:   cfg.Worker.Count,
		QueueSize: cfg.Worker.QueueSize,
	}, log.With(infralogger.String("component", "worker")), m)

	publisher := events.NewPublisher(stream.Client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen,
		log.With(infralogger.String("component", "events")), m)

	dispatcher := webhook.NewDispatcher(
		cfg.Webhooks,
		cfg.WebhookDelivery.Timeout,
		db.Events,
		pool,
		log.With(infralogger.String("component", "webhook")),
		webhook.Options{
			Publisher: publisher,
			Metrics:   m,
			Breaker: circuitbreaker.Config{
				FailureThreshold: cfg.WebhookDelivery.FailureThreshold,
				OpenTimeout:      cfg.WebhookDelivery.OpenTimeout,
			},
		},
	)

	retrieval := cfg.Index.Retrieval
	fetcher := harvester.New(harvester.Config{
		Timeout:           retrieval.Timeout,
		RequestsPerSecond: retrieval.RequestsPerSecond,
		Burst:             retrieval.Burst,
		MaxBodyBytes:      retrieval.MaxBodyBytes,
		UserAgent:         retrieval.UserAgent,
	}, nil, log.With(infralogger.String("component", "harvester")))

	denyList, err := cfg.Index.Ping.DenyPatterns()
	if err != nil {
		return nil, fmt.Errorf("compile deny list: %w", err)
	}

	proc := processor.New(processor.Config{
		AutoPermit:    cfg.Index.AutoPermitEnabled(),
		RetrievalWait: retrieval.RateLimitWait,
		DenyList:      denyList,
	}, processor.Deps{
		Entries: db.Entries,
		Events:  db.Events,
		Limiter: ratelimit.NewLimiter(db.Events,
			cfg.Index.Ping.RateLimitHits, cfg.Index.Ping.RateLimitDuration, nil),
		Fetcher:  fetcher,
		Notifier: dispatcher,
		Pool:     pool,
		Locker:   database.NewAdvisoryLocker(db.DB),
		Metrics:  m,
		Logger:   log.With(infralogger.String("component", "processor")),
	})

	scanner := recovery.NewScanner(db.Events, proc, recovery.Config{
		StaleAfter: cfg.Recovery.StaleAfter,
	}, log.With(infralogger.String("component", "recovery")), m, nil)

	var pinger *selfping.Pinger
	if cfg.SelfPing.Enabled {
		pinger = selfping.New(selfping.Config{
			ClientURL: cfg.SelfPing.ClientURL,
			Endpoints: cfg.SelfPing.Endpoints,
			Retry:     retry.Config{MaxAttempts: cfg.SelfPing.MaxAttempts},
		}, nil, log.With(infralogger.String("component", "selfping")))
	}

	return &ServiceComponents{
		Registry:  registry,
		Metrics:   m,
		Pool:      pool,
		Processor: proc,
		Scanner:   scanner,
		Pinger:    pinger,
	}, nil
}
