// Package processor implements the registry workflows: ping ingestion,
// metadata retrieval, webhook triggering and admin re-harvests. Every
// workflow is recorded in the event log before any work is done.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/harvester"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
	"github.com/jonesrussell/north-cloud/node-index/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/node-index/internal/worker"
)

// ErrUnsupportedEvent is returned by Process for event types that are not
// resumable background work.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// EntryStore is the entry persistence the processor needs.
type EntryStore interface {
	Upsert(ctx context.Context, entry *domain.Entry) (*domain.Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Entry, error)
	GetByClientURL(ctx context.Context, clientURL string) (*domain.Entry, error)
	Update(ctx context.Context, entry *domain.Entry) error
	ListAccepted(ctx context.Context) ([]*domain.Entry, error)
}

// EventStore is the event log persistence the processor needs. Claim fails
// with domain.ErrEventClaimed when another copy of the event got there first.
type EventStore interface {
	Create(ctx context.Context, event *domain.Event) error
	Update(ctx context.Context, event *domain.Event) error
	Claim(ctx context.Context, event *domain.Event, now time.Time) error
}

// Locker serializes work per key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Limiter decides whether a ping is accepted.
type Limiter interface {
	Check(ctx context.Context, remoteAddr string) (ratelimit.Decision, error)
}

// Notifier creates and delivers webhook notifications.
type Notifier interface {
	Dispatch(ctx context.Context, source *domain.Event, entry *domain.Entry, action domain.WebhookAction) int
	Deliver(ctx context.Context, event *domain.Event) error
}

// Submitter hands work to the background pool.
type Submitter interface {
	Submit(task worker.Task) error
}

// Config holds the processing rules.
type Config struct {
	AutoPermit    bool
	RetrievalWait time.Duration
	DenyList      []*regexp.Regexp
}

// Deps bundles the processor collaborators.
type Deps struct {
	Entries  EntryStore
	Events   EventStore
	Limiter  Limiter
	Fetcher  harvester.Fetcher
	Notifier Notifier
	Pool     Submitter
	// Locker serializes the rate limit check and ping insert per address.
	// Nil leaves concurrent pings from one address unserialized.
	Locker  Locker
	Metrics *metrics.Metrics
	Logger  logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Processor runs the registry workflows.
type Processor struct {
	entries  EntryStore
	events   EventStore
	limiter  Limiter
	fetcher  harvester.Fetcher
	notifier Notifier
	pool     Submitter
	locker   Locker
	metrics  *metrics.Metrics
	log      logger.Logger
	now      func() time.Time
	cfg      Config
}

// New creates a processor.
func New(cfg Config, deps Deps) *Processor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		entries:  deps.Entries,
		events:   deps.Events,
		limiter:  deps.Limiter,
		fetcher:  deps.Fetcher,
		notifier: deps.Notifier,
		pool:     deps.Pool,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		now:      now,
		cfg:      cfg,
	}
}

// Process resumes one unfinished event. Panics are returned as errors.
func (p *Processor) Process(ctx context.Context, ev *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing event %s: %v", ev.ID, r)
		}
	}()

	switch ev.Type {
	case domain.EventTypeMetadataRetrieval:
		return p.ProcessMetadataRetrieval(ctx, ev)
	case domain.EventTypeWebhookTrigger:
		return p.ProcessWebhookTrigger(ctx, ev)
	case domain.EventTypeIncomingPing:
		return p.abandonPing(ctx, ev)
	case domain.EventTypeAdminTrigger:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}
}

// claim marks ev as executing. It reports false, with a nil error, when
// another copy of ev is already being or has been processed.
func (p *Processor) claim(ctx context.Context, ev *domain.Event) (bool, error) {
	err := p.events.Claim(ctx, ev, p.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrEventClaimed):
		p.log.Debug("Event already claimed, skipping",
			logger.String("event_id", ev.ID.String()),
			logger.String("type", string(ev.Type)),
		)
		return false, nil
	default:
		return false, fmt.Errorf("claim event: %w", err)
	}
}

// ProcessWebhookTrigger delivers one webhook.
func (p *Processor) ProcessWebhookTrigger(ctx context.Context, ev *domain.Event) error {
	return p.notifier.Deliver(ctx, ev)
}

// Task wraps the processing of ev for the worker pool.
func (p *Processor) Task(ev *domain.Event) worker.Task {
	return worker.Task{
		Name:    strings.ToLower(string(ev.Type)),
		EventID: ev.ID.String(),
		Run: func(ctx context.Context) error {
			return p.Process(ctx, ev)
		},
	}
}

// EnqueueRetrieval records a METADATA_RETRIEVAL event for entry and queues it.
// A full queue is not an error: the event stays unfinished for recovery.
func (p *Processor) EnqueueRetrieval(
	ctx context.Context,
	entry *domain.Entry,
	triggeredBy *uuid.UUID,
) (*domain.Event, error) {
	ev := domain.NewMetadataRetrievalEvent(entry, triggeredBy, p.now())
	if err := p.events.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("record metadata retrieval: %w", err)
	}

	if err := p.pool.Submit(p.Task(ev)); err != nil {
		p.log.Warn("Metadata retrieval not queued, left for recovery",
			logger.String("client_url", entry.ClientURL),
			logger.String("event_id", ev.ID.String()),
			logger.Error(err),
		)
	}
	return ev, nil
}

func errorBody(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return ""
	}
	return string(b)
}
