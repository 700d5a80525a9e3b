package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

func TestEventPayload_RoundTripKeepsOneVariant(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	entry := domain.NewEntry("https://a.org", true, now)
	ev := domain.NewMetadataRetrievalEvent(entry, nil, now)

	raw, err := ev.Payload.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"metadataRetrieval":{"clientUrl":"https://a.org"}}`, string(raw.([]byte)))

	var decoded domain.EventPayload
	require.NoError(t, decoded.Scan(raw))
	require.NotNil(t, decoded.MetadataRetrieval)
	assert.Nil(t, decoded.IncomingPing)
	assert.Nil(t, decoded.WebhookTrigger)
	assert.Nil(t, decoded.AdminTrigger)
}

func TestNewWebhookTriggerEvent_LinksSource(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	entry := domain.NewEntry("https://a.org", true, now)
	source := domain.NewMetadataRetrievalEvent(entry, nil, now)

	n := domain.NewNotification(source, domain.WebhookActionEntryValid, entry, now)
	ev := domain.NewWebhookTriggerEvent(source, "hub", "https://hooks.example/x", n, now)

	require.NotNil(t, ev.TriggeredBy)
	assert.Equal(t, source.ID, *ev.TriggeredBy)
	require.NotNil(t, ev.RelatedTo)
	assert.Equal(t, entry.ID, *ev.RelatedTo)
	assert.Equal(t, domain.EventTypeMetadataRetrieval, ev.Payload.WebhookTrigger.Notification.EventType)
	assert.Equal(t, source.ID, ev.Payload.WebhookTrigger.Notification.EventID)
	assert.Equal(t, "https://a.org", ev.ClientURL())
}

func TestEvent_Finish(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := domain.NewIncomingPingEvent("10.0.0.1", []byte(`{}`), start)
	assert.False(t, ev.IsFinished())

	end := start.Add(time.Second)
	ev.Finish(end)
	assert.True(t, ev.IsFinished())
	assert.Equal(t, end, *ev.ExecutedAt)
	assert.Equal(t, end, ev.UpdatedAt)
}

func TestActionForState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.WebhookActionEntryValid, domain.ActionForState(domain.EntryStateValid))
	assert.Equal(t, domain.WebhookActionEntryUnreachable, domain.ActionForState(domain.EntryStateUnreachable))
	assert.Equal(t, domain.WebhookActionEntryInvalid, domain.ActionForState(domain.EntryStateInvalid))
}

func TestNotFoundError_IsErrNotFound(t *testing.T) {
	t.Parallel()

	err := error(&domain.NotFoundError{Resource: "entry", Key: "https://a.org"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, "entry not found: https://a.org", err.Error())
}

func TestRateLimitError_Message(t *testing.T) {
	t.Parallel()

	err := &domain.RateLimitError{RemoteAddr: "10.0.0.1", Hits: 10, Window: time.Hour}
	assert.Equal(t, "Rate limit reached for 10.0.0.1 (max. 10 per 1h0m0s) - PING ignored", err.Error())
}

func TestTruncateBody(t *testing.T) {
	t.Parallel()

	big := make([]byte, domain.MaxStoredBodyBytes+10)
	for i := range big {
		big[i] = 'a'
	}
	assert.Len(t, domain.TruncateBody(big), domain.MaxStoredBodyBytes)
	assert.Equal(t, "short", domain.TruncateBody([]byte("short")))
}
