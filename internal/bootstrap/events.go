package bootstrap

import (
	"context"

	"github.com/redis/go-redis/v9"

	infralogger "github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/node-index/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/node-index/internal/config"
)

// EventStream holds the optional Redis connection. A zero value means the
// stream is disabled.
type EventStream struct {
	Client *redis.Client
}

// SetupEventStream connects to Redis when enabled. A failed connection is
// logged and the service runs without the stream.
func SetupEventStream(cfg *config.Config, log infralogger.Logger) *EventStream {
	if !cfg.Redis.Enabled {
		log.Info("Redis event stream disabled")
		return &EventStream{}
	}

	client, err := infraredis.NewClient(context.Background(), cfg.Redis.RedisConfig)
	if err != nil {
		log.Warn("Redis unavailable, event stream disabled",
			infralogger.String("address", cfg.Redis.Address),
			infralogger.Error(err),
		)
		return &EventStream{}
	}

	log.Info("Redis event stream enabled",
		infralogger.String("address", cfg.Redis.Address),
		infralogger.String("stream", cfg.Redis.Stream),
	)
	return &EventStream{Client: client}
}

// Close releases the connection.
func (s *EventStream) Close() {
	if s.Client != nil {
		_ = s.Client.Close()
	}
}
