package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	infragin "github.com/jonesrussell/north-cloud/node-index/infrastructure/gin"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/jwt"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/api"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/recovery"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockProcessor struct {
	acceptPingFunc   func(remoteAddr string, body []byte) (*domain.Event, error)
	adminTriggerFunc func(remoteAddr, subject, clientURL string) (*domain.Event, error)
	triggerFunc      func(trigger *domain.Event) (int, error)
	enqueueFunc      func(entry *domain.Entry) (*domain.Event, error)
}

func (m *mockProcessor) AcceptPing(_ context.Context, remoteAddr string, body []byte) (*domain.Event, error) {
	if m.acceptPingFunc != nil {
		return m.acceptPingFunc(remoteAddr, body)
	}
	return domain.NewIncomingPingEvent(remoteAddr, body, testNow), nil
}

func (m *mockProcessor) AcceptAdminTrigger(
	_ context.Context,
	remoteAddr, subject, clientURL string,
) (*domain.Event, error) {
	if m.adminTriggerFunc != nil {
		return m.adminTriggerFunc(remoteAddr, subject, clientURL)
	}
	return domain.NewAdminTriggerEvent(remoteAddr, subject, nil, testNow), nil
}

func (m *mockProcessor) TriggerMetadataRetrieval(_ context.Context, trigger *domain.Event) (int, error) {
	if m.triggerFunc != nil {
		return m.triggerFunc(trigger)
	}
	return 0, nil
}

func (m *mockProcessor) EnqueueRetrieval(
	_ context.Context,
	entry *domain.Entry,
	triggeredBy *uuid.UUID,
) (*domain.Event, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(entry)
	}
	return domain.NewMetadataRetrievalEvent(entry, triggeredBy, testNow), nil
}

type mockEntryStore struct {
	listFunc         func(filter database.EntryFilter) ([]*domain.Entry, int, error)
	getFunc          func(id uuid.UUID) (*domain.Entry, error)
	updatePermitFunc func(id uuid.UUID, permit domain.EntryPermit) (*domain.Entry, error)
	deleteFunc       func(id uuid.UUID) error
	counts           map[domain.EntryState]int
	active           int
}

func (m *mockEntryStore) List(_ context.Context, filter database.EntryFilter) ([]*domain.Entry, int, error) {
	if m.listFunc != nil {
		return m.listFunc(filter)
	}
	return nil, 0, nil
}

func (m *mockEntryStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Entry, error) {
	if m.getFunc != nil {
		return m.getFunc(id)
	}
	return nil, &domain.NotFoundError{Resource: "entry", Key: id.String()}
}

func (m *mockEntryStore) UpdatePermit(
	_ context.Context,
	id uuid.UUID,
	permit domain.EntryPermit,
) (*domain.Entry, error) {
	if m.updatePermitFunc != nil {
		return m.updatePermitFunc(id, permit)
	}
	return nil, &domain.NotFoundError{Resource: "entry", Key: id.String()}
}

func (m *mockEntryStore) Delete(_ context.Context, id uuid.UUID) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(id)
	}
	return nil
}

func (m *mockEntryStore) CountByState(context.Context) (map[domain.EntryState]int, error) {
	return m.counts, nil
}

func (m *mockEntryStore) CountActive(context.Context, time.Time) (int, error) {
	return m.active, nil
}

type mockEventStore struct {
	events []*domain.Event
}

func (m *mockEventStore) ListByRelatedTo(
	_ context.Context,
	_ uuid.UUID,
	limit, offset int,
) ([]*domain.Event, int, error) {
	if offset >= len(m.events) {
		return []*domain.Event{}, len(m.events), nil
	}
	end := min(offset+limit, len(m.events))
	return m.events[offset:end], len(m.events), nil
}

type mockRecoverer struct {
	result recovery.Result
	err    error
}

func (m *mockRecoverer) RunStale(context.Context) (recovery.Result, error) {
	return m.result, m.err
}

type deps struct {
	proc      *mockProcessor
	entries   *mockEntryStore
	events    *mockEventStore
	recoverer *mockRecoverer
}

func newDeps() *deps {
	return &deps{
		proc:      &mockProcessor{},
		entries:   &mockEntryStore{},
		events:    &mockEventStore{},
		recoverer: &mockRecoverer{},
	}
}

func newHandler(d *deps) *api.Handler {
	return api.NewHandler(d.proc, d.entries, d.events, d.recoverer, api.Config{
		ValidDuration: 7 * 24 * time.Hour,
		MaxPingBytes:  1024,
		Now:           func() time.Time { return testNow },
	}, logger.NewNop())
}

func setupTestRouter(t *testing.T, d *deps) *gin.Engine {
	t.Helper()

	gin.SetMode(gin.TestMode)

	router := gin.New()
	api.SetupRoutes(router, newHandler(d), testSecret, "/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "node_index_pings_total 0\n")
	}))
	return router
}

// setupServerRouter mounts the routes on the production server engine, with
// its middleware chain and proxy trust settings.
func setupServerRouter(t *testing.T, d *deps, trustedProxies []string) *gin.Engine {
	t.Helper()

	server := infragin.NewServerBuilder("node-index-test", 0).
		WithTrustedProxies(trustedProxies).
		WithRoutes(func(router *gin.Engine) {
			api.SetupRoutes(router, newHandler(d), testSecret, "", nil)
		}).
		Build()
	return server.Router()
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func issueToken(t *testing.T, role string) string {
	t.Helper()
	token, err := jwt.Issue(testSecret, "alice", role, time.Hour)
	require.NoError(t, err)
	return token
}
