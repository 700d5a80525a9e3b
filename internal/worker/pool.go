// Package worker runs background event processing on a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool is stopped")
)

// Task is one unit of background work, usually the processing of one event.
type Task struct {
	// Name labels spans and metrics, e.g. "metadata_retrieval".
	Name    string
	EventID string
	Run     func(ctx context.Context) error
}

// Observer receives task outcomes. metrics.Metrics implements it.
type Observer interface {
	ObserveTask(name string, duration time.Duration, err error)
	SetQueueDepth(depth int)
}

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Pool executes submitted tasks on a fixed number of goroutines reading a
// bounded queue. Submit never blocks.
type Pool struct {
	cfg      Config
	tasks    chan Task
	logger   logger.Logger
	tracer   trace.Tracer
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool. observer may be nil.
func NewPool(cfg Config, log logger.Logger, observer Observer) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Pool{
		cfg:      cfg,
		tasks:    make(chan Task, cfg.QueueSize),
		logger:   log,
		tracer:   otel.Tracer("node-index-worker"),
		observer: observer,
	}
}

// Start launches the workers. Tasks run with a context derived from ctx that
// outlives its cancellation until Stop gives up draining.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.work(i)
	}

	p.logger.Info("Worker pool started",
		logger.Int("workers", p.cfg.Workers),
		logger.Int("queue_size", p.cfg.QueueSize),
	)
}

// Submit enqueues task without waiting.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.reportDepth()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued and running tasks. When ctx ends
// first, running tasks are cancelled, queued tasks are dropped and ctx's error
// is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		dropped := len(p.tasks)
		p.cancel()
		<-done
		p.logger.Warn("Worker pool drain interrupted", logger.Int("dropped", dropped))
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

// QueueDepth returns the number of waiting tasks.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.reportDepth()
		if p.ctx.Err() != nil {
			continue
		}
		p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task Task) {
	ctx, span := p.tracer.Start(p.ctx, "worker."+task.Name,
		trace.WithAttributes(
			attribute.String("task.name", task.Name),
			attribute.String("event.id", task.EventID),
			attribute.Int("worker.id", workerID),
		),
	)
	defer span.End()

	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("Worker task panicked",
				logger.String("task", task.Name),
				logger.String("event_id", task.EventID),
				logger.Any("panic", r),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.observer != nil {
			p.observer.ObserveTask(task.Name, time.Since(start), err)
		}
	}()

	err = task.Run(ctx)
	if err != nil {
		p.logger.Warn("Worker task failed",
			logger.String("task", task.Name),
			logger.String("event_id", task.EventID),
			logger.Error(err),
		)
	}
}

func (p *Pool) reportDepth() {
	if p.observer != nil {
		p.observer.SetQueueDepth(len(p.tasks))
	}
}
