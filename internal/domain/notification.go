package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is the summary announced to webhook subscribers and the event stream.
type Notification struct {
	EventID   uuid.UUID     `json:"eventId"`
	EventType EventType     `json:"eventType"`
	Action    WebhookAction `json:"action"`
	ClientURL string        `json:"clientUrl,omitempty"`
	State     EntryState    `json:"state,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewNotification summarizes source. entry may be nil.
func NewNotification(source *Event, action WebhookAction, entry *Entry, now time.Time) Notification {
	n := Notification{
		EventID:   source.ID,
		EventType: source.Type,
		Action:    action,
		ClientURL: source.ClientURL(),
		Timestamp: now.UTC(),
	}
	if entry != nil {
		n.ClientURL = entry.ClientURL
		n.State = entry.State
	}
	return n
}
