package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// ErrEventClaimed is returned when another worker already started or
// finished the event being claimed.
var ErrEventClaimed = errors.New("event already claimed or finished")

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RateLimitError reports a ping rejected by the per-address limit.
type RateLimitError struct {
	RemoteAddr string
	Hits       int
	Window     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit reached for %s (max. %d per %s) - PING ignored", e.RemoteAddr, e.Hits, e.Window)
}

// NotFoundError reports a missing entity addressed by the caller.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransportError reports that a remote node could not be reached or answered
// with a non-success status. StatusCode is 0 when no response was received.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a self-description that could not be used. Reason is
// the message recorded on the event.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
