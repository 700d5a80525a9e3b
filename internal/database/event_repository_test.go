package database_test

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// eventColumns lists the columns returned by index_events SELECT queries.
var eventColumns = []string{
	"id", "type", "related_to", "triggered_by", "remote_addr", "payload",
	"created_at", "updated_at", "executed_at", "finished_at",
}

func newEventRepo(t *testing.T) (*database.EventRepository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return database.NewEventRepository(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestEventRepository_Create(t *testing.T) {
	repo, mock := newEventRepo(t)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event := domain.NewIncomingPingEvent("10.0.0.1", []byte(`{"clientUrl":"https://a.org"}`), now)

	mock.ExpectExec("INSERT INTO index_events").
		WithArgs(event.ID, domain.EventTypeIncomingPing, nil, nil, "10.0.0.1",
			sqlmock.AnyArg(), now, now, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(t.Context(), event))
	expectationsMet(t, mock)
}

func TestEventRepository_Update_RefusesFinishedEvent(t *testing.T) {
	repo, mock := newEventRepo(t)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event := domain.NewIncomingPingEvent("10.0.0.1", nil, now)
	event.Finish(now)

	mock.ExpectExec("UPDATE index_events .+ WHERE id = \\$1 AND finished_at IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(t.Context(), event)
	assert.ErrorIs(t, err, database.ErrEventFinished)
	expectationsMet(t, mock)
}

func TestEventRepository_Claim(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	claimAt := created.Add(time.Minute)
	query := "UPDATE index_events SET executed_at = \\$2, updated_at = \\$2 " +
		"WHERE id = \\$1 AND finished_at IS NULL AND executed_at IS NOT DISTINCT FROM \\$3"

	t.Run("unclaimed", func(t *testing.T) {
		repo, mock := newEventRepo(t)
		event := domain.NewMetadataRetrievalEvent(domain.NewEntry("https://a.org", true, created), nil, created)

		mock.ExpectExec(query).
			WithArgs(event.ID, claimAt, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Claim(t.Context(), event, claimAt))
		require.NotNil(t, event.ExecutedAt)
		assert.True(t, event.ExecutedAt.Equal(claimAt))
		expectationsMet(t, mock)
	})

	t.Run("claimed by another worker", func(t *testing.T) {
		repo, mock := newEventRepo(t)
		event := domain.NewMetadataRetrievalEvent(domain.NewEntry("https://a.org", true, created), nil, created)

		mock.ExpectExec(query).
			WithArgs(event.ID, claimAt, nil).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Claim(t.Context(), event, claimAt)
		require.ErrorIs(t, err, domain.ErrEventClaimed)
		assert.Nil(t, event.ExecutedAt)
		expectationsMet(t, mock)
	})
}

func TestEventRepository_CountPingsSince(t *testing.T) {
	repo, mock := newEventRepo(t)

	since := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM index_events").
		WithArgs(domain.EventTypeIncomingPing, "10.0.0.1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := repo.CountPingsSince(t.Context(), "10.0.0.1", since)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	expectationsMet(t, mock)
}

func TestEventRepository_ListUnfinished(t *testing.T) {
	repo, mock := newEventRepo(t)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	eventID := uuid.New()
	entryID := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM index_events WHERE finished_at IS NULL AND updated_at <= \\$1 ORDER BY created_at ASC LIMIT \\$2").
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(
			eventID.String(), "METADATA_RETRIEVAL", entryID.String(), nil, "",
			[]byte(`{"metadataRetrieval":{"clientUrl":"https://a.org"}}`),
			now, now, nil, nil,
		))

	events, err := repo.ListUnfinished(t.Context(), now, 50)
	require.NoError(t, err)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, eventID, ev.ID)
	assert.Equal(t, domain.EventTypeMetadataRetrieval, ev.Type)
	require.NotNil(t, ev.RelatedTo)
	assert.Equal(t, entryID, *ev.RelatedTo)
	assert.Nil(t, ev.TriggeredBy)
	assert.False(t, ev.IsFinished())
	require.NotNil(t, ev.Payload.MetadataRetrieval)
	assert.Equal(t, "https://a.org", ev.ClientURL())
	expectationsMet(t, mock)
}

func TestEventRepository_ListByRelatedTo(t *testing.T) {
	repo, mock := newEventRepo(t)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entryID := uuid.New()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM index_events WHERE related_to").
		WithArgs(entryID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT .+ FROM index_events WHERE related_to = \\$1 ORDER BY created_at DESC").
		WithArgs(entryID, 10, 10).
		WillReturnRows(sqlmock.NewRows(eventColumns).AddRow(
			uuid.NewString(), "INCOMING_PING", entryID.String(), nil, "10.0.0.1",
			[]byte(`{"incomingPing":{"exchange":{"direction":"INCOMING","state":"RETRIEVED","request":{"method":"POST"},"response":{"code":204}},"newEntry":true}}`),
			now, now, now, now,
		))

	events, total, err := repo.ListByRelatedTo(t.Context(), entryID, 10, 10)
	require.NoError(t, err)

	assert.Equal(t, 12, total)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Payload.IncomingPing)
	assert.True(t, events[0].Payload.IncomingPing.NewEntry)
	assert.Equal(t, 204, events[0].Payload.IncomingPing.Exchange.Response.Code)
	assert.True(t, events[0].IsFinished())
	expectationsMet(t, mock)
}
