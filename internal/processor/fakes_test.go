package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/harvester"
	"github.com/jonesrussell/north-cloud/node-index/internal/processor"
	"github.com/jonesrussell/north-cloud/node-index/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/node-index/internal/worker"
)

var errFinished = errors.New("event not found or already finished")

// memStore is an in-memory entry table and event log.
type memStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.Entry
	events  map[uuid.UUID]*domain.Event
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[uuid.UUID]*domain.Entry),
		events:  make(map[uuid.UUID]*domain.Event),
	}
}

func (s *memStore) Upsert(_ context.Context, entry *domain.Entry) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.ClientURL == entry.ClientURL {
			existing.UpdatedAt = entry.UpdatedAt
			cp := *existing
			return &cp, nil
		}
	}
	stored := *entry
	s.entries[entry.ID] = &stored
	cp := stored
	return &cp, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "entry", Key: id.String()}
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) GetByClientURL(_ context.Context, clientURL string) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ClientURL == clientURL {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Resource: "entry", Key: clientURL}
}

func (s *memStore) Update(_ context.Context, entry *domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return &domain.NotFoundError{Resource: "entry", Key: entry.ID.String()}
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *memStore) ListAccepted(_ context.Context) ([]*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Entry
	for _, e := range s.entries {
		if e.Permit == domain.EntryPermitAccepted {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) entry(clientURL string) *domain.Entry {
	e, err := s.GetByClientURL(context.Background(), clientURL)
	if err != nil {
		return nil
	}
	return e
}

func (s *memStore) addEntry(e *domain.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
}

// eventLog adapts memStore to the event store interfaces.
type eventLog struct{ *memStore }

func (l eventLog) Create(_ context.Context, ev *domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *ev
	l.events[ev.ID] = &cp
	return nil
}

func (l eventLog) Update(_ context.Context, ev *domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.events[ev.ID]
	if !ok || stored.IsFinished() {
		return errFinished
	}
	cp := *ev
	l.events[ev.ID] = &cp
	return nil
}

func (l eventLog) Claim(_ context.Context, ev *domain.Event, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.events[ev.ID]
	if !ok || stored.IsFinished() || !sameTime(stored.ExecutedAt, ev.ExecutedAt) {
		return domain.ErrEventClaimed
	}
	ev.Execute(now)
	stored.ExecutedAt = ev.ExecutedAt
	stored.UpdatedAt = now
	return nil
}

// ListUnfinished returns copies of unfinished events, oldest first, the way
// rows are read back from the log.
func (l eventLog) ListUnfinished(_ context.Context, updatedBefore time.Time, _ int) ([]*domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Event
	for _, ev := range l.events {
		if ev.IsFinished() || ev.UpdatedAt.After(updatedBefore) {
			continue
		}
		out = append(out, loadCopy(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// loadCopy deep-copies ev through its JSON payload so the copy shares no
// pointers with the stored event.
func loadCopy(ev *domain.Event) *domain.Event {
	cp := *ev
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		panic(err)
	}
	cp.Payload = domain.EventPayload{}
	if err := json.Unmarshal(raw, &cp.Payload); err != nil {
		panic(err)
	}
	return &cp
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (l eventLog) CountPingsSince(_ context.Context, remoteAddr string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == domain.EventTypeIncomingPing && ev.RemoteAddr == remoteAddr && ev.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (l eventLog) get(id uuid.UUID) *domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[id]
}

func (l eventLog) ofType(t domain.EventType) []*domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type dispatched struct {
	action    domain.WebhookAction
	clientURL string
	sourceID  uuid.UUID
}

// recordingNotifier records dispatches and deliveries.
type recordingNotifier struct {
	mu         sync.Mutex
	dispatches []dispatched
	delivered  []uuid.UUID
}

func (n *recordingNotifier) Dispatch(
	_ context.Context,
	source *domain.Event,
	entry *domain.Entry,
	action domain.WebhookAction,
) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := dispatched{action: action, sourceID: source.ID}
	if entry != nil {
		d.clientURL = entry.ClientURL
	}
	n.dispatches = append(n.dispatches, d)
	return 1
}

func (n *recordingNotifier) Deliver(_ context.Context, ev *domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, ev.ID)
	return nil
}

func (n *recordingNotifier) actions() []domain.WebhookAction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.WebhookAction, 0, len(n.dispatches))
	for _, d := range n.dispatches {
		out = append(out, d.action)
	}
	return out
}

// queue collects submitted tasks without running them.
type queue struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (q *queue) Submit(task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// fetcherFunc adapts a function to harvester.Fetcher.
type fetcherFunc func(ctx context.Context, clientURL string) (*harvester.Result, error)

func (f fetcherFunc) Harvest(ctx context.Context, clientURL string) (*harvester.Result, error) {
	return f(ctx, clientURL)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	proc     *processor.Processor
	store    *memStore
	events   eventLog
	notifier *recordingNotifier
	queue    *queue
	clock    *clock
}

type harnessOptions struct {
	cfg     processor.Config
	hits    int
	window  time.Duration
	fetcher harvester.Fetcher
	locker  processor.Locker
}

func newHarness(opts harnessOptions) *harness {
	if opts.hits == 0 {
		opts.hits = 10
	}
	if opts.window == 0 {
		opts.window = time.Hour
	}
	if opts.fetcher == nil {
		opts.fetcher = fetcherFunc(func(context.Context, string) (*harvester.Result, error) {
			return &harvester.Result{Exchange: domain.NewOutgoingExchange("GET", "")}, nil
		})
	}

	store := newMemStore()
	events := eventLog{store}
	h := &harness{
		store:    store,
		events:   events,
		notifier: &recordingNotifier{},
		queue:    &queue{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.proc = processor.New(opts.cfg, processor.Deps{
		Entries:  store,
		Events:   events,
		Limiter:  ratelimit.NewLimiter(events, opts.hits, opts.window, h.clock.Now),
		Fetcher:  opts.fetcher,
		Notifier: h.notifier,
		Pool:     h.queue,
		Locker:   opts.locker,
		Logger:   logger.NewNop(),
		Now:      h.clock.Now,
	})
	return h
}

// mutexLocker serializes every key on one in-process mutex.
type mutexLocker struct {
	mu    sync.Mutex
	locks int
}

func (l *mutexLocker) Lock(context.Context, string) (func(), error) {
	l.mu.Lock()
	l.locks++
	return l.mu.Unlock, nil
}
