// Package events publishes registry notifications to a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// asyncPublishTimeout is the context timeout for async publish operations.
const asyncPublishTimeout = 5 * time.Second

// Recorder counts publish outcomes. metrics.Metrics implements it.
type Recorder interface {
	ObserveStreamPublish(ok bool)
}

// Publisher appends notifications to a Redis stream. A nil *Publisher is a
// valid no-op.
type Publisher struct {
	client   *redis.Client
	stream   string
	maxLen   int64
	log      logger.Logger
	recorder Recorder
}

// NewPublisher creates a publisher. Returns nil if client is nil.
func NewPublisher(client *redis.Client, stream string, maxLen int64, log logger.Logger, recorder Recorder) *Publisher {
	if client == nil {
		return nil
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen, log: log, recorder: recorder}
}

// Publish appends n to the stream.
func (p *Publisher) Publish(ctx context.Context, n domain.Notification) error {
	if p == nil {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"action": string(n.Action),
			"event":  string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	result := p.client.XAdd(ctx, args)
	if publishErr := result.Err(); publishErr != nil {
		p.observe(false)
		return fmt.Errorf("publish to stream: %w", publishErr)
	}
	p.observe(true)

	p.log.Debug("Published notification",
		logger.String("action", string(n.Action)),
		logger.String("event_id", n.EventID.String()),
		logger.String("stream_id", result.Val()),
	)
	return nil
}

// PublishAsync publishes without blocking the caller. Errors are logged.
func (p *Publisher) PublishAsync(n domain.Notification) {
	if p == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
		defer cancel()

		if err := p.Publish(ctx, n); err != nil {
			p.log.Error("Async publish failed",
				logger.String("action", string(n.Action)),
				logger.String("event_id", n.EventID.String()),
				logger.Error(err),
			)
		}
	}()
}

func (p *Publisher) observe(ok bool) {
	if p.recorder != nil {
		p.recorder.ObserveStreamPublish(ok)
	}
}
