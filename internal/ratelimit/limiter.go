// Package ratelimit enforces the per-address ping limit over the event log.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// PingCounter counts INCOMING_PING events from an address created after since.
type PingCounter interface {
	CountPingsSince(ctx context.Context, remoteAddr string, since time.Time) (int, error)
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed bool
	// Prior is the number of pings already recorded in the window.
	Prior  int
	Hits   int
	Window time.Duration
}

// Err returns a *domain.RateLimitError for a rejected decision, nil otherwise.
func (d Decision) Err(remoteAddr string) error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitError{RemoteAddr: remoteAddr, Hits: d.Hits, Window: d.Window}
}

// Limiter rejects an address once more than hits pings were recorded for it
// inside the sliding window. It keeps no state of its own.
type Limiter struct {
	counter PingCounter
	hits    int
	window  time.Duration
	now     func() time.Time
}

// NewLimiter creates a limiter. A nil now uses time.Now.
func NewLimiter(counter PingCounter, hits int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{counter: counter, hits: hits, window: window, now: now}
}

// Check counts the prior pings of remoteAddr. The attempt being checked must
// not be persisted yet.
func (l *Limiter) Check(ctx context.Context, remoteAddr string) (Decision, error) {
	since := l.now().Add(-l.window)

	prior, err := l.counter.CountPingsSince(ctx, remoteAddr, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count pings for %s: %w", remoteAddr, err)
	}

	return Decision{
		Allowed: prior <= l.hits,
		Prior:   prior,
		Hits:    l.hits,
		Window:  l.window,
	}, nil
}
