// Package domain holds the registry entities: entries, events and the
// exchanges recorded on them.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryState is the validity of a registered node as of its last harvest.
type EntryState string

const (
	EntryStateUnknown     EntryState = "UNKNOWN"
	EntryStateValid       EntryState = "VALID"
	EntryStateInvalid     EntryState = "INVALID"
	EntryStateUnreachable EntryState = "UNREACHABLE"
)

// EntryStates lists every state in display order.
var EntryStates = []EntryState{EntryStateUnknown, EntryStateValid, EntryStateInvalid, EntryStateUnreachable}

// ParseEntryState accepts any casing.
func ParseEntryState(s string) (EntryState, error) {
	state := EntryState(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range EntryStates {
		if state == known {
			return state, nil
		}
	}
	return "", &ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", s)}
}

// EntryPermit is the administrative decision on an entry.
type EntryPermit string

const (
	EntryPermitPending  EntryPermit = "PENDING"
	EntryPermitAccepted EntryPermit = "ACCEPTED"
	EntryPermitRejected EntryPermit = "REJECTED"
)

// ParseEntryPermit accepts any casing.
func ParseEntryPermit(s string) (EntryPermit, error) {
	switch permit := EntryPermit(strings.ToUpper(strings.TrimSpace(s))); permit {
	case EntryPermitPending, EntryPermitAccepted, EntryPermitRejected:
		return permit, nil
	default:
		return "", &ValidationError{Field: "permit", Message: fmt.Sprintf("unknown permit %q", s)}
	}
}

// Metadata is the flattened snapshot of a node's self-description, stored as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Entry is one registered remote node.
type Entry struct {
	ID              uuid.UUID   `db:"id"                json:"uuid"`
	ClientURL       string      `db:"client_url"        json:"clientUrl"`
	State           EntryState  `db:"state"             json:"state"`
	Permit          EntryPermit `db:"permit"            json:"permit"`
	CurrentMetadata Metadata    `db:"current_metadata"  json:"currentMetadata,omitempty"`
	LastRetrievalAt *time.Time  `db:"last_retrieval_at" json:"lastRetrievalAt,omitempty"`
	CreatedAt       time.Time   `db:"created_at"        json:"registrationTime"`
	UpdatedAt       time.Time   `db:"updated_at"        json:"modificationTime"`
}

// NewEntry returns a not yet persisted entry first seen at now.
func NewEntry(clientURL string, autoPermit bool, now time.Time) *Entry {
	permit := EntryPermitPending
	if autoPermit {
		permit = EntryPermitAccepted
	}
	return &Entry{
		ID:        uuid.New(),
		ClientURL: clientURL,
		State:     EntryStateUnknown,
		Permit:    permit,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsNew reports whether the entry was created by the upsert that returned it.
func (e *Entry) IsNew() bool {
	return e.CreatedAt.Equal(e.UpdatedAt)
}

// IsActive reports a valid entry harvested within validFor of now.
func (e *Entry) IsActive(now time.Time, validFor time.Duration) bool {
	return e.State == EntryStateValid &&
		e.LastRetrievalAt != nil &&
		e.LastRetrievalAt.After(now.Add(-validFor))
}

// RetrievedWithin reports whether the last harvest attempt is younger than wait.
func (e *Entry) RetrievedWithin(now time.Time, wait time.Duration) bool {
	return e.LastRetrievalAt != nil && now.Sub(*e.LastRetrievalAt) < wait
}

func scanJSON(src, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Join(errors.New("decode JSON column"), err)
	}
	return nil
}
