package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/circuitbreaker"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/webhook"
	"github.com/jonesrussell/north-cloud/node-index/internal/worker"
)

// storedEvent is the persisted claim state of one event.
type storedEvent struct {
	executedAt *time.Time
	finished   bool
}

// eventStore records created and updated events and enforces the claim and
// finished guards of the event log.
type eventStore struct {
	mu      sync.Mutex
	created []*domain.Event
	updated []*domain.Event
	rows    map[uuid.UUID]*storedEvent
	createF func(*domain.Event) error
}

func (s *eventStore) Create(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createF != nil {
		if err := s.createF(ev); err != nil {
			return err
		}
	}
	if s.rows == nil {
		s.rows = make(map[uuid.UUID]*storedEvent)
	}
	s.rows[ev.ID] = &storedEvent{executedAt: ev.ExecutedAt, finished: ev.IsFinished()}
	s.created = append(s.created, ev)
	return nil
}

func (s *eventStore) Claim(_ context.Context, ev *domain.Event, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ev.ID]
	if !ok || row.finished || !sameTime(row.executedAt, ev.ExecutedAt) {
		return domain.ErrEventClaimed
	}
	row.executedAt = &now
	ev.Execute(now)
	return nil
}

func (s *eventStore) Update(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ev.ID]
	if !ok || row.finished {
		return errors.New("event not found or already finished")
	}
	row.executedAt = ev.ExecutedAt
	row.finished = ev.IsFinished()
	s.updated = append(s.updated, ev)
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// inlinePool runs tasks synchronously, or rejects them when full is set.
type inlinePool struct {
	full bool
}

func (p *inlinePool) Submit(task worker.Task) error {
	if p.full {
		return worker.ErrQueueFull
	}
	return task.Run(context.Background())
}

type received struct {
	body      []byte
	signature string
	action    string
}

func newSubscriber(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()

	ch := make(chan received, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- received{
			body:      body,
			signature: r.Header.Get(webhook.SignatureHeader),
			action:    r.Header.Get(webhook.ActionHeader),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func sourceEvent() (*domain.Event, *domain.Entry) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := domain.NewEntry("https://fdp.example.org", true, now)
	entry.State = domain.EntryStateValid
	return domain.NewMetadataRetrievalEvent(entry, nil, now), entry
}

func TestDispatcher_DispatchDeliversSignedNotification(t *testing.T) {
	t.Parallel()

	srv, ch := newSubscriber(t, http.StatusOK)
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: srv.URL, Secret: "s3cret"}},
		time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	created := d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid)
	require.Equal(t, 1, created)

	got := <-ch
	assert.Equal(t, webhook.Sign("s3cret", got.body), got.signature)
	assert.Equal(t, "ENTRY_VALID", got.action)

	var n domain.Notification
	require.NoError(t, json.Unmarshal(got.body, &n))
	assert.Equal(t, source.ID, n.EventID)
	assert.Equal(t, domain.EventTypeMetadataRetrieval, n.EventType)
	assert.Equal(t, "https://fdp.example.org", n.ClientURL)
	assert.Equal(t, domain.EntryStateValid, n.State)

	require.Len(t, store.updated, 1)
	ev := store.updated[0]
	assert.True(t, ev.IsFinished())
	assert.Equal(t, source.ID, *ev.TriggeredBy)
	assert.Equal(t, domain.ExchangeStateRetrieved, ev.Payload.WebhookTrigger.Exchange.State)
}

func TestDispatcher_FiltersByAction(t *testing.T) {
	t.Parallel()

	srv, _ := newSubscriber(t, http.StatusOK)
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{
			{Name: "new-only", URL: srv.URL, Actions: []string{"NEW_ENTRY"}},
			{Name: "all", URL: srv.URL},
		},
		time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	assert.Equal(t, 1, d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryInvalid))
	require.Len(t, store.created, 1)
	assert.Equal(t, "all", store.created[0].Payload.WebhookTrigger.Subscriber)
}

func TestDispatcher_SkipsDisabledSubscribers(t *testing.T) {
	t.Parallel()

	disabled := false
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "off", URL: "http://127.0.0.1:1", Enabled: &disabled}},
		time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	assert.Zero(t, d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid))
	assert.Empty(t, store.created)
}

func TestDispatcher_FailedDeliveryIsFinishedNotRetried(t *testing.T) {
	t.Parallel()

	srv, ch := newSubscriber(t, http.StatusBadGateway)
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: srv.URL}},
		time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid)

	<-ch
	assert.Empty(t, ch)
	require.Len(t, store.updated, 1)
	x := store.updated[0].Payload.WebhookTrigger.Exchange
	assert.Equal(t, domain.ExchangeStateFailed, x.State)
	assert.Equal(t, http.StatusBadGateway, x.Response.Code)
	assert.True(t, store.updated[0].IsFinished())
}

func TestDispatcher_QueueFullLeavesEventUnfinished(t *testing.T) {
	t.Parallel()

	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: "http://127.0.0.1:1"}},
		time.Second, store, &inlinePool{full: true}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	assert.Equal(t, 1, d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid))
	require.Len(t, store.created, 1)
	assert.False(t, store.created[0].IsFinished())
	assert.Empty(t, store.updated)
}

func TestDispatcher_CreateFailureSkipsSubscriber(t *testing.T) {
	t.Parallel()

	store := &eventStore{createF: func(*domain.Event) error { return errors.New("db down") }}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: "http://127.0.0.1:1"}},
		time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	assert.Zero(t, d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid))
}

func TestDispatcher_DeliverUnknownSubscriber(t *testing.T) {
	t.Parallel()

	store := &eventStore{}
	d := webhook.NewDispatcher(nil, time.Second, store, &inlinePool{}, logger.NewNop(), webhook.Options{})

	source, entry := sourceEvent()
	n := domain.NewNotification(source, domain.WebhookActionEntryValid, entry, time.Now())
	ev := domain.NewWebhookTriggerEvent(source, "gone", "https://gone.example", n, time.Now())
	require.NoError(t, store.Create(t.Context(), ev))

	require.NoError(t, d.Deliver(t.Context(), ev))
	assert.True(t, ev.IsFinished())
	assert.Equal(t, domain.ExchangeStateFailed, ev.Payload.WebhookTrigger.Exchange.State)
}

func TestSign(t *testing.T) {
	t.Parallel()

	// echo -n '{}' | openssl dgst -sha256 -hmac key
	assert.Equal(t,
		"sha256=a777724d943eb48dc69bca8a4a6d57a04db3f9ec7e1de4e581e860265bdf3032",
		webhook.Sign("key", []byte("{}")),
	)
}

func TestDispatcher_OpenCircuitSkipsDelivery(t *testing.T) {
	t.Parallel()

	srv, ch := newSubscriber(t, http.StatusInternalServerError)
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: srv.URL}},
		time.Second, store, &inlinePool{}, logger.NewNop(),
		webhook.Options{Breaker: circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour}},
	)

	source, entry := sourceEvent()
	for range 3 {
		d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid)
	}

	assert.Len(t, ch, 2, "third delivery must not reach the subscriber")
	require.Len(t, store.updated, 3)
	skipped := store.updated[2]
	assert.True(t, skipped.IsFinished())
	x := skipped.Payload.WebhookTrigger.Exchange
	assert.Equal(t, domain.ExchangeStateFailed, x.State)
	assert.Contains(t, x.Error, "circuit breaker is open")
}

func TestDispatcher_DeliverSkipsEventClaimedByAnotherCopy(t *testing.T) {
	t.Parallel()

	srv, ch := newSubscriber(t, http.StatusOK)
	store := &eventStore{}
	d := webhook.NewDispatcher(
		[]config.WebhookConfig{{Name: "hub", URL: srv.URL}},
		time.Second, store, &inlinePool{full: true}, logger.NewNop(), webhook.Options{},
	)

	source, entry := sourceEvent()
	require.Equal(t, 1, d.Dispatch(t.Context(), source, entry, domain.WebhookActionEntryValid))

	// One copy waits in the pool queue while recovery loads another from the log.
	queued := store.created[0]
	recovered := *queued
	payload := *queued.Payload.WebhookTrigger
	recovered.Payload.WebhookTrigger = &payload

	require.NoError(t, d.Deliver(t.Context(), &recovered))
	require.NoError(t, d.Deliver(t.Context(), queued))

	assert.Len(t, ch, 1, "subscriber must be notified once")
	require.Len(t, store.updated, 1)
	assert.Same(t, &recovered, store.updated[0])
	assert.False(t, queued.IsFinished())
}
