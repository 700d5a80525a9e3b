// Package metrics exposes Prometheus metrics for the registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "node_index"

	resultSuccess = "success"
	resultFailure = "failure"
)

// Ping results.
const (
	PingAccepted    = "accepted"
	PingRateLimited = "rate_limited"
	PingInvalid     = "invalid"
)

// Metrics holds all Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PingsTotal         *prometheus.CounterVec
	HarvestsTotal      *prometheus.CounterVec
	HarvestDuration    prometheus.Histogram
	WebhooksTotal      *prometheus.CounterVec
	TasksTotal         *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	RecoveredEvents    *prometheus.CounterVec
	EntriesCreated     prometheus.Counter
	StreamPublishTotal *prometheus.CounterVec
}

// New creates and registers all collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pings_total",
			Help:      "Incoming pings by result",
		}, []string{"result"}),
		HarvestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "harvests_total",
			Help:      "Metadata retrievals by resulting entry state",
		}, []string{"state"}),
		HarvestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "harvest_duration_seconds",
			Help:      "Duration of metadata retrievals",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by subscriber and result",
		}, []string{"subscriber", "result"}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Background tasks by name and result",
		}, []string{"task", "result"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Duration of background tasks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the worker queue",
		}),
		RecoveredEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "recovery",
			Name:      "events_total",
			Help:      "Unfinished events handled by recovery scans by result",
		}, []string{"result"}),
		EntriesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "entries_created_total",
			Help:      "Registry entries created by pings",
		}),
		StreamPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "publish_total",
			Help:      "Event stream publishes by result",
		}, []string{"result"}),
	}
}

// ObservePing counts one ping outcome.
func (m *Metrics) ObservePing(result string) {
	if m == nil {
		return
	}
	m.PingsTotal.WithLabelValues(result).Inc()
}

// ObserveEntryCreated counts one new entry.
func (m *Metrics) ObserveEntryCreated() {
	if m == nil {
		return
	}
	m.EntriesCreated.Inc()
}

// ObserveHarvest records one metadata retrieval. state is the entry state or
// "SKIPPED".
func (m *Metrics) ObserveHarvest(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HarvestsTotal.WithLabelValues(state).Inc()
	if duration > 0 {
		m.HarvestDuration.Observe(duration.Seconds())
	}
}

// ObserveWebhook records one delivery.
func (m *Metrics) ObserveWebhook(subscriber string, ok bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(subscriber, result(ok)).Inc()
}

// ObserveTask implements worker.Observer.
func (m *Metrics) ObserveTask(name string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(name, result(err == nil)).Inc()
	m.TaskDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// SetQueueDepth implements worker.Observer.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// ObserveRecovery adds recovery scan outcomes.
func (m *Metrics) ObserveRecovery(processed, failed, skipped int) {
	if m == nil {
		return
	}
	m.RecoveredEvents.WithLabelValues("processed").Add(float64(processed))
	m.RecoveredEvents.WithLabelValues("failed").Add(float64(failed))
	m.RecoveredEvents.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveStreamPublish records one event stream publish.
func (m *Metrics) ObserveStreamPublish(ok bool) {
	if m == nil {
		return
	}
	m.StreamPublishTotal.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}
