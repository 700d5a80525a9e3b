// Package selfping announces this registry's own client URL to other index
// endpoints on a schedule.
package selfping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/robfig/cron/v3"

	infrahttp "github.com/jonesrussell/north-cloud/node-index/infrastructure/http"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/retry"
)

// Config selects what is announced and where.
type Config struct {
	ClientURL string
	Endpoints []string
	Retry     retry.Config
}

// Pinger posts {clientUrl} to every configured endpoint.
type Pinger struct {
	client *http.Client
	cfg    Config
	log    logger.Logger
}

// New creates a pinger. A nil client gets a dedicated one.
func New(cfg Config, client *http.Client, log logger.Logger) *Pinger {
	if client == nil {
		client = infrahttp.NewClient(nil)
	}
	return &Pinger{client: client, cfg: cfg, log: log}
}

// PingAll announces to every endpoint and returns how many accepted. Failures
// are logged only.
func (p *Pinger) PingAll(ctx context.Context) int {
	ok := 0
	for _, endpoint := range p.cfg.Endpoints {
		if err := p.Ping(ctx, endpoint); err != nil {
			p.log.Warn("Self ping failed",
				logger.String("endpoint", endpoint),
				logger.Error(err),
			)
			continue
		}
		ok++
		p.log.Info("Self ping accepted", logger.String("endpoint", endpoint))
	}
	return ok
}

// Ping announces to one endpoint, retrying 5xx, 429 and network failures.
func (p *Pinger) Ping(ctx context.Context, endpoint string) error {
	body, err := json.Marshal(map[string]string{"clientUrl": p.cfg.ClientURL})
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}

	return retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.post(ctx, endpoint, body)
	})
}

func (p *Pinger) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", infrahttp.DefaultUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ping to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.Transient(fmt.Errorf("ping to %s: status %d", endpoint, resp.StatusCode))
	default:
		return fmt.Errorf("ping to %s rejected: status %d", endpoint, resp.StatusCode)
	}
}

// Schedule registers PingAll on c using a standard cron expression.
func (p *Pinger) Schedule(ctx context.Context, c *cron.Cron, schedule string) (cron.EntryID, error) {
	id, err := c.AddFunc(schedule, func() { p.PingAll(ctx) })
	if err != nil {
		return 0, fmt.Errorf("schedule self ping %q: %w", schedule, err)
	}
	return id, nil
}
