// Package config holds the node-index service configuration.
package config

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"

	infraconfig "github.com/jonesrussell/north-cloud/node-index/infrastructure/config"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/profiling"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

const (
	defaultServiceName        = "node-index"
	defaultServicePort        = 8070
	defaultRedisStream        = "node-index:events"
	defaultRedisStreamMaxLen  = 10000
	defaultPingValidDuration  = 7 * 24 * time.Hour
	defaultPingRateWindow     = 6 * time.Hour
	defaultPingRateHits       = 10
	defaultRetrievalWait      = 10 * time.Minute
	defaultRetrievalTimeout   = time.Minute
	defaultRetrievalMaxBody   = 5 << 20
	defaultWorkerCount        = 4
	defaultWorkerQueueSize    = 256
	defaultWorkerDrain        = 30 * time.Second
	defaultRecoveryStale      = 10 * time.Minute
	defaultWebhookTimeout     = 10 * time.Second
	defaultWebhookFailures    = 5
	defaultWebhookOpenTimeout = time.Minute
	defaultSelfPingSchedule   = "@every 168h"
	defaultSelfPingAttempts   = 3
	defaultMetricsPath        = "/metrics"
)

// Config is the complete service configuration.
type Config struct {
	Service         ServiceConfig              `yaml:"service"`
	Database        infraconfig.DatabaseConfig `yaml:"database"`
	Redis           RedisConfig                `yaml:"redis"`
	Auth            AuthConfig                 `yaml:"auth"`
	Index           IndexConfig                `yaml:"index"`
	Worker          WorkerConfig               `yaml:"worker"`
	Recovery        RecoveryConfig             `yaml:"recovery"`
	Webhooks        []WebhookConfig            `yaml:"webhooks"`
	WebhookDelivery WebhookDeliveryConfig      `yaml:"webhook_delivery"`
	SelfPing        SelfPingConfig             `yaml:"self_ping"`
	Logging         infraconfig.LoggingConfig  `yaml:"logging"`
	Metrics         MetricsConfig              `yaml:"metrics"`
	Profiling       profiling.Config           `yaml:"profiling"`
}

// ServiceConfig holds HTTP server settings.
type ServiceConfig struct {
	Name        string   `env:"SERVICE_NAME"      yaml:"name"`
	Version     string   `env:"SERVICE_VERSION"   yaml:"version"`
	Port        int      `env:"NODE_INDEX_PORT"   yaml:"port"`
	Debug       bool     `env:"APP_DEBUG"         yaml:"debug"`
	CORSOrigins []string `env:"CORS_ORIGINS"      yaml:"cors_origins"`
	// TrustedProxies may set X-Forwarded-For / X-Real-IP. Empty means the
	// socket peer is the remote address used for ping rate limiting.
	TrustedProxies []string `env:"TRUSTED_PROXIES" yaml:"trusted_proxies"`
}

// RedisConfig adds the event stream settings to the shared Redis connection.
type RedisConfig struct {
	infraconfig.RedisConfig `yaml:",inline"`

	Stream       string `env:"REDIS_EVENTS_STREAM" yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// AuthConfig holds the admin token secret.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// IndexConfig holds the registry behaviour.
type IndexConfig struct {
	Ping       PingConfig      `yaml:"ping"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	AutoPermit *bool           `env:"INDEX_AUTO_PERMIT" yaml:"auto_permit"`
}

// PingConfig governs ping ingestion.
type PingConfig struct {
	ValidDuration     time.Duration `env:"INDEX_PING_VALID_DURATION"      yaml:"valid_duration"`
	RateLimitDuration time.Duration `env:"INDEX_PING_RATE_LIMIT_DURATION" yaml:"rate_limit_duration"`
	RateLimitHits     int           `env:"INDEX_PING_RATE_LIMIT_HITS"     yaml:"rate_limit_hits"`
	DenyList          []string      `env:"INDEX_PING_DENY_LIST"           yaml:"deny_list"`
}

// RetrievalConfig governs metadata harvesting.
type RetrievalConfig struct {
	RateLimitWait     time.Duration `env:"INDEX_RETRIEVAL_RATE_LIMIT_WAIT" yaml:"rate_limit_wait"`
	Timeout           time.Duration `env:"INDEX_RETRIEVAL_TIMEOUT"         yaml:"timeout"`
	RequestsPerSecond float64       `env:"INDEX_RETRIEVAL_RPS"             yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	UserAgent         string        `yaml:"user_agent"`
}

// WorkerConfig sizes the background pool.
type WorkerConfig struct {
	Count        int           `env:"WORKER_COUNT"      yaml:"count"`
	QueueSize    int           `env:"WORKER_QUEUE_SIZE" yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// RecoveryConfig governs the unfinished-event scan.
type RecoveryConfig struct {
	OnStartup  *bool         `env:"RECOVERY_ON_STARTUP" yaml:"on_startup"`
	Schedule   string        `env:"RECOVERY_SCHEDULE"   yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// WebhookConfig is one subscriber. An empty Actions list subscribes to all.
type WebhookConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Actions []string `yaml:"actions"`
	Enabled *bool    `yaml:"enabled"`
}

// WebhookDeliveryConfig governs outbound webhook calls.
type WebhookDeliveryConfig struct {
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" yaml:"timeout"`
	// FailureThreshold consecutive failures pause deliveries to a subscriber
	// for OpenTimeout.
	FailureThreshold int           `env:"WEBHOOK_FAILURE_THRESHOLD" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `env:"WEBHOOK_OPEN_TIMEOUT"      yaml:"open_timeout"`
}

// SelfPingConfig announces this registry to other registries.
type SelfPingConfig struct {
	Enabled     bool     `env:"SELF_PING_ENABLED"    yaml:"enabled"`
	Schedule    string   `env:"SELF_PING_SCHEDULE"   yaml:"schedule"`
	ClientURL   string   `env:"SELF_PING_CLIENT_URL" yaml:"client_url"`
	Endpoints   []string `env:"SELF_PING_ENDPOINTS"  yaml:"endpoints"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// AutoPermitEnabled reports whether new entries are accepted without review.
func (c *IndexConfig) AutoPermitEnabled() bool {
	return c.AutoPermit == nil || *c.AutoPermit
}

// RunOnStartup reports whether recovery runs before the server starts.
func (c *RecoveryConfig) RunOnStartup() bool {
	return c.OnStartup == nil || *c.OnStartup
}

// IsEnabled reports whether the subscriber receives deliveries.
func (w *WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Matches reports whether the subscriber wants action.
func (w *WebhookConfig) Matches(action domain.WebhookAction) bool {
	if len(w.Actions) == 0 {
		return true
	}
	for _, a := range w.Actions {
		if domain.WebhookAction(a) == action {
			return true
		}
	}
	return false
}

// DenyPatterns compiles the ping deny list.
func (c *PingConfig) DenyPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(c.DenyList))
	for i, expr := range c.DenyList {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &infraconfig.ValidationError{
				Field:   fmt.Sprintf("index.ping.deny_list[%d]", i),
				Message: err.Error(),
			}
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg, err := infraconfig.LoadWithDefaults(path, SetDefaults)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("invalid config: %w", validateErr)
	}

	return cfg, nil
}

// SetDefaults fills every unset value.
func SetDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.Version == "" {
		cfg.Service.Version = "dev"
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = defaultServicePort
	}
	cfg.Database.SetDefaults()
	cfg.Redis.SetDefaults()
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = defaultRedisStream
	}
	if cfg.Redis.StreamMaxLen == 0 {
		cfg.Redis.StreamMaxLen = defaultRedisStreamMaxLen
	}
	setIndexDefaults(&cfg.Index)
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = defaultWorkerCount
	}
	if cfg.Worker.QueueSize == 0 {
		cfg.Worker.QueueSize = defaultWorkerQueueSize
	}
	if cfg.Worker.DrainTimeout == 0 {
		cfg.Worker.DrainTimeout = defaultWorkerDrain
	}
	if cfg.Recovery.StaleAfter == 0 {
		cfg.Recovery.StaleAfter = defaultRecoveryStale
	}
	if cfg.WebhookDelivery.Timeout == 0 {
		cfg.WebhookDelivery.Timeout = defaultWebhookTimeout
	}
	if cfg.WebhookDelivery.FailureThreshold == 0 {
		cfg.WebhookDelivery.FailureThreshold = defaultWebhookFailures
	}
	if cfg.WebhookDelivery.OpenTimeout == 0 {
		cfg.WebhookDelivery.OpenTimeout = defaultWebhookOpenTimeout
	}
	if cfg.SelfPing.Schedule == "" {
		cfg.SelfPing.Schedule = defaultSelfPingSchedule
	}
	if cfg.SelfPing.MaxAttempts == 0 {
		cfg.SelfPing.MaxAttempts = defaultSelfPingAttempts
	}
	cfg.Logging.SetDefaults()
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func setIndexDefaults(c *IndexConfig) {
	if c.Ping.ValidDuration == 0 {
		c.Ping.ValidDuration = defaultPingValidDuration
	}
	if c.Ping.RateLimitDuration == 0 {
		c.Ping.RateLimitDuration = defaultPingRateWindow
	}
	if c.Ping.RateLimitHits == 0 {
		c.Ping.RateLimitHits = defaultPingRateHits
	}
	if c.Retrieval.RateLimitWait == 0 {
		c.Retrieval.RateLimitWait = defaultRetrievalWait
	}
	if c.Retrieval.Timeout == 0 {
		c.Retrieval.Timeout = defaultRetrievalTimeout
	}
	if c.Retrieval.MaxBodyBytes == 0 {
		c.Retrieval.MaxBodyBytes = defaultRetrievalMaxBody
	}
	if c.Retrieval.Burst == 0 {
		c.Retrieval.Burst = 1
	}
}

// Validate checks the configuration and returns the first problem found as a
// *config.ValidationError from the infrastructure package.
func (c *Config) Validate() error {
	checks := []func() error{
		func() error { return infraconfig.ValidatePort("service.port", c.Service.Port) },
		c.validateTrustedProxies,
		c.Database.Validate,
		c.Logging.Validate,
		func() error { return infraconfig.ValidateRequired("auth.jwt_secret", c.Auth.JWTSecret) },
		c.validateIndex,
		c.validateWorker,
		c.validateRecovery,
		c.validateWebhooks,
		c.validateSelfPing,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTrustedProxies() error {
	for i, p := range c.Service.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return &infraconfig.ValidationError{
				Field:   fmt.Sprintf("service.trusted_proxies[%d]", i),
				Message: "must be an IP address or CIDR",
			}
		}
	}
	return nil
}

func (c *Config) validateIndex() error {
	if c.Index.Ping.RateLimitHits < 1 {
		return &infraconfig.ValidationError{Field: "index.ping.rate_limit_hits", Message: "must be at least 1"}
	}
	if err := infraconfig.ValidatePositiveDuration("index.ping.valid_duration", c.Index.Ping.ValidDuration); err != nil {
		return err
	}
	if err := infraconfig.ValidatePositiveDuration(
		"index.ping.rate_limit_duration", c.Index.Ping.RateLimitDuration,
	); err != nil {
		return err
	}
	if err := infraconfig.ValidatePositiveDuration("index.retrieval.timeout", c.Index.Retrieval.Timeout); err != nil {
		return err
	}
	if c.Index.Retrieval.RateLimitWait < 0 {
		return &infraconfig.ValidationError{Field: "index.retrieval.rate_limit_wait", Message: "must not be negative"}
	}
	if c.Index.Retrieval.RequestsPerSecond < 0 {
		return &infraconfig.ValidationError{Field: "index.retrieval.requests_per_second", Message: "must not be negative"}
	}
	_, err := c.Index.Ping.DenyPatterns()
	return err
}

func (c *Config) validateWorker() error {
	if c.Worker.Count < 1 {
		return &infraconfig.ValidationError{Field: "worker.count", Message: "must be at least 1"}
	}
	if c.Worker.QueueSize < 1 {
		return &infraconfig.ValidationError{Field: "worker.queue_size", Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateRecovery() error {
	// A claimed event is only picked up again once stale, so staleness must
	// outlast the longest single attempt.
	longest := max(c.Index.Retrieval.Timeout, c.WebhookDelivery.Timeout)
	if c.Recovery.StaleAfter <= longest {
		return &infraconfig.ValidationError{
			Field:   "recovery.stale_after",
			Message: fmt.Sprintf("must exceed the longest retrieval or webhook timeout (%s)", longest),
		}
	}
	if c.Recovery.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Recovery.Schedule); err != nil {
		return &infraconfig.ValidationError{Field: "recovery.schedule", Message: err.Error()}
	}
	return nil
}

func (c *Config) validateWebhooks() error {
	seen := make(map[string]struct{}, len(c.Webhooks))
	for i := range c.Webhooks {
		w := &c.Webhooks[i]
		field := fmt.Sprintf("webhooks[%d]", i)
		if err := infraconfig.ValidateRequired(field+".name", w.Name); err != nil {
			return err
		}
		if _, dup := seen[w.Name]; dup {
			return &infraconfig.ValidationError{Field: field + ".name", Message: "duplicate name"}
		}
		seen[w.Name] = struct{}{}
		if err := infraconfig.ValidateHTTPURL(field+".url", w.URL); err != nil {
			return err
		}
		for _, a := range w.Actions {
			if !knownAction(domain.WebhookAction(a)) {
				return &infraconfig.ValidationError{Field: field + ".actions", Message: fmt.Sprintf("unknown action %q", a)}
			}
		}
	}
	return nil
}

func knownAction(a domain.WebhookAction) bool {
	switch a {
	case domain.WebhookActionNewEntry, domain.WebhookActionEntryValid, domain.WebhookActionEntryInvalid,
		domain.WebhookActionEntryUnreachable, domain.WebhookActionAdminTrigger:
		return true
	default:
		return false
	}
}

func (c *Config) validateSelfPing() error {
	if !c.SelfPing.Enabled {
		return nil
	}
	if err := infraconfig.ValidateHTTPURL("self_ping.client_url", c.SelfPing.ClientURL); err != nil {
		return err
	}
	if len(c.SelfPing.Endpoints) == 0 {
		return &infraconfig.ValidationError{Field: "self_ping.endpoints", Message: "at least one endpoint is required"}
	}
	for i, endpoint := range c.SelfPing.Endpoints {
		if err := infraconfig.ValidateHTTPURL(fmt.Sprintf("self_ping.endpoints[%d]", i), endpoint); err != nil {
			return err
		}
	}
	if _, err := cron.ParseStandard(c.SelfPing.Schedule); err != nil {
		return &infraconfig.ValidationError{Field: "self_ping.schedule", Message: err.Error()}
	}
	return nil
}
