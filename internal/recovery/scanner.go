// Package recovery resumes events that were recorded but never finished,
// typically because the process stopped while they were queued or running.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
	"github.com/jonesrussell/north-cloud/node-index/internal/processor"
)

// ErrAlreadyRunning is returned when a scan is requested while one is active.
var ErrAlreadyRunning = errors.New("recovery scan already running")

// EventLister lists unfinished events, oldest first.
type EventLister interface {
	ListUnfinished(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Event, error)
}

// EventProcessor resumes a single event.
type EventProcessor interface {
	Process(ctx context.Context, ev *domain.Event) error
}

// Config tunes the scanner.
type Config struct {
	// StaleAfter is how long an event must sit untouched before RunStale picks it.
	StaleAfter time.Duration
	// Limit caps events per scan. Zero means no cap.
	Limit int
}

// Result summarizes one scan.
type Result struct {
	Scanned   int           `json:"scanned"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"-"`
}

// Scanner feeds unfinished events back through the processor one at a time.
type Scanner struct {
	events  EventLister
	proc    EventProcessor
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	running atomic.Bool
}

// NewScanner creates a scanner. A nil now uses time.Now.
func NewScanner(
	events EventLister,
	proc EventProcessor,
	cfg Config,
	log logger.Logger,
	m *metrics.Metrics,
	now func() time.Time,
) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{events: events, proc: proc, cfg: cfg, log: log, metrics: m, now: now}
}

// Run resumes every unfinished event. Used at startup, before the pool
// receives new work.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	return s.scan(ctx, s.now())
}

// RunStale resumes unfinished events untouched for at least StaleAfter, so
// work still queued in the pool is not processed twice.
func (s *Scanner) RunStale(ctx context.Context) (Result, error) {
	return s.scan(ctx, s.now().Add(-s.cfg.StaleAfter))
}

// Schedule registers RunStale on c using a standard cron expression.
func (s *Scanner) Schedule(ctx context.Context, c *cron.Cron, schedule string) (cron.EntryID, error) {
	id, err := c.AddFunc(schedule, func() {
		if _, err := s.RunStale(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error("Scheduled recovery failed", logger.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule recovery %q: %w", schedule, err)
	}
	return id, nil
}

func (s *Scanner) scan(ctx context.Context, updatedBefore time.Time) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	start := s.now()
	events, err := s.events.ListUnfinished(ctx, updatedBefore, s.cfg.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("list unfinished events: %w", err)
	}

	var res Result
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++

		err := s.processOne(ctx, ev)
		switch {
		case err == nil:
			res.Processed++
		case errors.Is(err, processor.ErrUnsupportedEvent):
			res.Skipped++
			s.log.Debug("Skipping unfinished event of unsupported type",
				logger.String("event_id", ev.ID.String()),
				logger.String("type", string(ev.Type)),
			)
		default:
			res.Failed++
			s.log.Error("Failed to recover event",
				logger.String("event_id", ev.ID.String()),
				logger.String("type", string(ev.Type)),
				logger.Error(err),
			)
		}
	}
	res.Duration = s.now().Sub(start)

	s.metrics.ObserveRecovery(res.Processed, res.Failed, res.Skipped)
	s.log.Info("Recovery scan finished",
		logger.Int("scanned", res.Scanned),
		logger.Int("processed", res.Processed),
		logger.Int("failed", res.Failed),
		logger.Int("skipped", res.Skipped),
		logger.Duration("duration", res.Duration),
	)
	return res, ctx.Err()
}

func (s *Scanner) processOne(ctx context.Context, ev *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovering event %s: %v", ev.ID, r)
		}
	}()
	return s.proc.Process(ctx, ev)
}
