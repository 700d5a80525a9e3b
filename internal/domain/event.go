package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what an event records.
type EventType string

const (
	EventTypeIncomingPing      EventType = "INCOMING_PING"
	EventTypeMetadataRetrieval EventType = "METADATA_RETRIEVAL"
	EventTypeWebhookTrigger    EventType = "WEBHOOK_TRIGGER"
	EventTypeAdminTrigger      EventType = "ADMIN_TRIGGER"
)

// WebhookAction is the reason a webhook fires.
type WebhookAction string

const (
	WebhookActionNewEntry         WebhookAction = "NEW_ENTRY"
	WebhookActionEntryValid       WebhookAction = "ENTRY_VALID"
	WebhookActionEntryInvalid     WebhookAction = "ENTRY_INVALID"
	WebhookActionEntryUnreachable WebhookAction = "ENTRY_UNREACHABLE"
	WebhookActionAdminTrigger     WebhookAction = "ADMIN_TRIGGER"
)

// ActionForState maps a harvest outcome to the webhook action announcing it.
func ActionForState(state EntryState) WebhookAction {
	switch state {
	case EntryStateValid:
		return WebhookActionEntryValid
	case EntryStateUnreachable:
		return WebhookActionEntryUnreachable
	default:
		return WebhookActionEntryInvalid
	}
}

// IncomingPing is the payload of an INCOMING_PING event.
type IncomingPing struct {
	Exchange  Exchange `json:"exchange"`
	ClientURL string   `json:"clientUrl,omitempty"`
	NewEntry  bool     `json:"newEntry"`
}

// MetadataRetrieval is the payload of a METADATA_RETRIEVAL event.
type MetadataRetrieval struct {
	ClientURL string     `json:"clientUrl"`
	Exchange  *Exchange  `json:"exchange,omitempty"`
	Error     string     `json:"error,omitempty"`
	State     EntryState `json:"state,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`
}

// WebhookTrigger is the payload of a WEBHOOK_TRIGGER event. Notification is
// captured when the trigger is created so a resumed delivery sends the same body.
type WebhookTrigger struct {
	Subscriber   string       `json:"subscriber"`
	URL          string       `json:"url"`
	Notification Notification `json:"notification"`
	Exchange     *Exchange    `json:"exchange,omitempty"`
}

// AdminTrigger is the payload of an ADMIN_TRIGGER event. An empty ClientURL
// means every accepted entry.
type AdminTrigger struct {
	ClientURL string `json:"clientUrl,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// EventPayload holds exactly one type-specific payload, stored as JSONB.
type EventPayload struct {
	IncomingPing      *IncomingPing      `json:"incomingPing,omitempty"`
	MetadataRetrieval *MetadataRetrieval `json:"metadataRetrieval,omitempty"`
	WebhookTrigger    *WebhookTrigger    `json:"webhookTrigger,omitempty"`
	AdminTrigger      *AdminTrigger      `json:"adminTrigger,omitempty"`
}

// Value implements driver.Valuer.
func (p EventPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (p *EventPayload) Scan(src any) error {
	return scanJSON(src, p)
}

// Event is one durable record of work in the event log.
type Event struct {
	ID          uuid.UUID    `db:"id"           json:"uuid"`
	Type        EventType    `db:"type"         json:"type"`
	RelatedTo   *uuid.UUID   `db:"related_to"   json:"relatedTo,omitempty"`
	TriggeredBy *uuid.UUID   `db:"triggered_by" json:"triggeredBy,omitempty"`
	RemoteAddr  string       `db:"remote_addr"  json:"remoteAddr,omitempty"`
	Payload     EventPayload `db:"payload"      json:"payload"`
	CreatedAt   time.Time    `db:"created_at"   json:"created"`
	UpdatedAt   time.Time    `db:"updated_at"   json:"updated"`
	ExecutedAt  *time.Time   `db:"executed_at"  json:"executed,omitempty"`
	FinishedAt  *time.Time   `db:"finished_at"  json:"finished,omitempty"`
}

func newEvent(t EventType, now time.Time) *Event {
	return &Event{ID: uuid.New(), Type: t, CreatedAt: now, UpdatedAt: now}
}

// NewIncomingPingEvent records a ping body received from remoteAddr.
func NewIncomingPingEvent(remoteAddr string, body []byte, now time.Time) *Event {
	e := newEvent(EventTypeIncomingPing, now)
	e.RemoteAddr = remoteAddr
	e.Payload.IncomingPing = &IncomingPing{
		Exchange: *NewIncomingExchange("POST", remoteAddr, body),
	}
	return e
}

// NewMetadataRetrievalEvent schedules a harvest of entry, caused by triggeredBy.
func NewMetadataRetrievalEvent(entry *Entry, triggeredBy *uuid.UUID, now time.Time) *Event {
	e := newEvent(EventTypeMetadataRetrieval, now)
	id := entry.ID
	e.RelatedTo = &id
	e.TriggeredBy = triggeredBy
	e.Payload.MetadataRetrieval = &MetadataRetrieval{ClientURL: entry.ClientURL}
	return e
}

// NewWebhookTriggerEvent schedules delivery of n, caused by source, to one subscriber.
func NewWebhookTriggerEvent(source *Event, subscriber, url string, n Notification, now time.Time) *Event {
	e := newEvent(EventTypeWebhookTrigger, now)
	sourceID := source.ID
	e.TriggeredBy = &sourceID
	if source.RelatedTo != nil {
		related := *source.RelatedTo
		e.RelatedTo = &related
	}
	e.Payload.WebhookTrigger = &WebhookTrigger{
		Subscriber:   subscriber,
		URL:          url,
		Notification: n,
	}
	return e
}

// NewAdminTriggerEvent records an administrator's re-harvest request. entry is
// nil for a global trigger.
func NewAdminTriggerEvent(remoteAddr, subject string, entry *Entry, now time.Time) *Event {
	e := newEvent(EventTypeAdminTrigger, now)
	e.RemoteAddr = remoteAddr
	e.Payload.AdminTrigger = &AdminTrigger{Subject: subject}
	if entry != nil {
		id := entry.ID
		e.RelatedTo = &id
		e.Payload.AdminTrigger.ClientURL = entry.ClientURL
	}
	return e
}

// Execute stamps the start of processing.
func (e *Event) Execute(now time.Time) {
	e.ExecutedAt = &now
	e.UpdatedAt = now
}

// Finish stamps the end of processing. Finished events are never written again.
func (e *Event) Finish(now time.Time) {
	if e.ExecutedAt == nil {
		e.ExecutedAt = &now
	}
	e.FinishedAt = &now
	e.UpdatedAt = now
}

// IsFinished reports whether the event reached its final state.
func (e *Event) IsFinished() bool {
	return e.FinishedAt != nil
}

// ClientURL returns the entry URL the payload refers to, if any.
func (e *Event) ClientURL() string {
	switch {
	case e.Payload.IncomingPing != nil:
		return e.Payload.IncomingPing.ClientURL
	case e.Payload.MetadataRetrieval != nil:
		return e.Payload.MetadataRetrieval.ClientURL
	case e.Payload.AdminTrigger != nil:
		return e.Payload.AdminTrigger.ClientURL
	case e.Payload.WebhookTrigger != nil:
		return e.Payload.WebhookTrigger.Notification.ClientURL
	default:
		return ""
	}
}
