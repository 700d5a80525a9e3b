// Package webhook notifies configured subscribers about registry changes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/circuitbreaker"
	infrahttp "github.com/jonesrussell/north-cloud/node-index/infrastructure/http"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/events"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
	"github.com/jonesrussell/north-cloud/node-index/internal/worker"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of body>" for subscribers with a secret.
	SignatureHeader = "X-Signature"
	// ActionHeader repeats the notification action.
	ActionHeader = "X-Index-Action"

	// TaskName labels delivery tasks in the worker pool.
	TaskName = "webhook_trigger"

	maxResponseBytes = 16 << 10
)

// EventStore persists WEBHOOK_TRIGGER events.
type EventStore interface {
	Create(ctx context.Context, event *domain.Event) error
	Update(ctx context.Context, event *domain.Event) error
	Claim(ctx context.Context, event *domain.Event, now time.Time) error
}

// Submitter hands work to the background pool.
type Submitter interface {
	Submit(task worker.Task) error
}

// Dispatcher fans notifications out to subscribers. Each delivery is its own
// event so unfinished deliveries are resumed by recovery.
type Dispatcher struct {
	subscribers map[string]config.WebhookConfig
	breakers    map[string]*circuitbreaker.Breaker
	order       []string
	events      EventStore
	pool        Submitter
	client      *http.Client
	timeout     time.Duration
	publisher   *events.Publisher
	metrics     *metrics.Metrics
	log         logger.Logger
	now         func() time.Time
}

// Options holds optional Dispatcher collaborators.
type Options struct {
	Client    *http.Client
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
	// Breaker configures the per-subscriber circuit breaker.
	Breaker circuitbreaker.Config
	Now     func() time.Time
}

// NewDispatcher creates a dispatcher for the enabled subscribers.
func NewDispatcher(
	subscribers []config.WebhookConfig,
	timeout time.Duration,
	store EventStore,
	pool Submitter,
	log logger.Logger,
	opts Options,
) *Dispatcher {
	d := &Dispatcher{
		subscribers: make(map[string]config.WebhookConfig, len(subscribers)),
		breakers:    make(map[string]*circuitbreaker.Breaker, len(subscribers)),
		events:      store,
		pool:        pool,
		client:      opts.Client,
		timeout:     timeout,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		log:         log,
		now:         opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.Breaker.Now == nil {
		opts.Breaker.Now = d.now
	}
	for _, s := range subscribers {
		if !s.IsEnabled() {
			continue
		}
		d.subscribers[s.Name] = s
		d.breakers[s.Name] = d.newBreaker(s.Name, opts.Breaker)
		d.order = append(d.order, s.Name)
	}
	if d.client == nil {
		d.client = infrahttp.NewClient(&infrahttp.ClientConfig{Timeout: timeout, MaxRedirects: -1})
	}
	return d
}

func (d *Dispatcher) newBreaker(name string, cfg circuitbreaker.Config) *circuitbreaker.Breaker {
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		d.log.Info("Webhook circuit changed state",
			logger.String("subscriber", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}
	return circuitbreaker.New(cfg)
}

// Dispatch records one WEBHOOK_TRIGGER event per matching subscriber and
// queues its delivery. It returns the number of deliveries created. Failures
// are logged; the caller's work is never affected.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	source *domain.Event,
	entry *domain.Entry,
	action domain.WebhookAction,
) int {
	n := domain.NewNotification(source, action, entry, d.now())
	d.publisher.PublishAsync(n)

	created := 0
	for _, name := range d.order {
		sub := d.subscribers[name]
		if !sub.Matches(action) {
			continue
		}

		ev := domain.NewWebhookTriggerEvent(source, sub.Name, sub.URL, n, d.now())
		if err := d.events.Create(ctx, ev); err != nil {
			d.log.Error("Failed to record webhook trigger",
				logger.String("subscriber", sub.Name),
				logger.String("source_event", source.ID.String()),
				logger.Error(err),
			)
			continue
		}
		created++

		if err := d.pool.Submit(d.Task(ev)); err != nil {
			d.log.Warn("Webhook delivery not queued, left for recovery",
				logger.String("subscriber", sub.Name),
				logger.String("event_id", ev.ID.String()),
				logger.Error(err),
			)
		}
	}
	return created
}

// Task wraps the delivery of ev for the worker pool.
func (d *Dispatcher) Task(ev *domain.Event) worker.Task {
	return worker.Task{
		Name:    TaskName,
		EventID: ev.ID.String(),
		Run: func(ctx context.Context) error {
			return d.Deliver(ctx, ev)
		},
	}
}

// Deliver POSTs the notification of a WEBHOOK_TRIGGER event and finishes the
// event with the recorded exchange. The event is claimed first, so a copy
// already picked up elsewhere (queued task versus recovery scan) is skipped
// without a second POST. Delivery failures are recorded and logged, not
// returned; only persistence errors are.
func (d *Dispatcher) Deliver(ctx context.Context, ev *domain.Event) error {
	trigger := ev.Payload.WebhookTrigger
	if trigger == nil {
		return fmt.Errorf("event %s has no webhook trigger payload", ev.ID)
	}
	if err := d.events.Claim(ctx, ev, d.now()); err != nil {
		if errors.Is(err, domain.ErrEventClaimed) {
			d.log.Debug("Webhook delivery already claimed, skipping",
				logger.String("subscriber", trigger.Subscriber),
				logger.String("event_id", ev.ID.String()),
			)
			return nil
		}
		return fmt.Errorf("claim webhook event: %w", err)
	}

	exchange := domain.NewOutgoingExchange(http.MethodPost, trigger.URL)
	trigger.Exchange = exchange

	sub, configured := d.subscribers[trigger.Subscriber]
	if !configured {
		exchange.Fail(0, "subscriber is not configured")
		return d.finish(ctx, ev, false)
	}

	body, err := json.Marshal(trigger.Notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	exchange.Request.Body = string(body)

	breaker := d.breakers[sub.Name]
	if allowErr := breaker.Allow(); allowErr != nil {
		exchange.Fail(0, allowErr.Error())
		d.log.Warn("Webhook delivery skipped",
			logger.String("subscriber", sub.Name),
			logger.String("event_id", ev.ID.String()),
			logger.Error(allowErr),
		)
		return d.finish(ctx, ev, false)
	}

	code, respBody, err := d.post(ctx, sub, trigger.URL, trigger.Notification.Action, body)
	exchange.Response.Code = code
	exchange.Response.Body = respBody
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutting down: keep the event unfinished for the next recovery scan.
		breaker.Release()
		return ctx.Err()
	case err != nil:
		exchange.Fail(code, err.Error())
	case code < http.StatusOK || code >= http.StatusMultipleChoices:
		exchange.Fail(code, fmt.Sprintf("unexpected status %d", code))
	default:
		exchange.Succeed(code)
	}

	ok := exchange.State == domain.ExchangeStateRetrieved
	breaker.Record(ok)
	if !ok {
		d.log.Warn("Webhook delivery failed",
			logger.String("subscriber", sub.Name),
			logger.String("event_id", ev.ID.String()),
			logger.Int("status", code),
			logger.String("error", exchange.Error),
		)
	}
	return d.finish(ctx, ev, ok)
}

func (d *Dispatcher) finish(ctx context.Context, ev *domain.Event, ok bool) error {
	d.metrics.ObserveWebhook(ev.Payload.WebhookTrigger.Subscriber, ok)
	ev.Finish(d.now())
	if err := d.events.Update(ctx, ev); err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}

func (d *Dispatcher) post(
	ctx context.Context,
	sub config.WebhookConfig,
	url string,
	action domain.WebhookAction,
	body []byte,
) (int, string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", infrahttp.DefaultUserAgent)
	req.Header.Set(ActionHeader, string(action))
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(respBody), nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
