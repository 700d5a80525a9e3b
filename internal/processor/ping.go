package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/metrics"
)

const reasonPingInterrupted = "Ping processing was interrupted"

type pingRequest struct {
	ClientURL string `json:"clientUrl"`
}

// AcceptPing records and handles one ping. It returns *domain.RateLimitError
// when the address is over its limit and *domain.ValidationError when the
// body is unusable; both attempts are still recorded as finished events.
func (p *Processor) AcceptPing(ctx context.Context, remoteAddr string, body []byte) (*domain.Event, error) {
	ev, err := p.admitPing(ctx, remoteAddr, body)
	if err != nil {
		return ev, err
	}
	ev.Execute(p.now())
	ping := ev.Payload.IncomingPing

	clientURL, err := p.parsePing(body)
	if err != nil {
		verr := &domain.ValidationError{Message: "Could not parse PING: " + err.Error()}
		ping.Exchange.Fail(http.StatusBadRequest, verr.Error())
		ping.Exchange.Response.Body = errorBody(verr.Error())
		p.finish(ctx, ev)
		p.metrics.ObservePing(metrics.PingInvalid)
		p.log.Info("Incoming ping has incorrect format",
			logger.String("remote_addr", remoteAddr),
			logger.Error(err),
		)
		return ev, verr
	}
	ping.ClientURL = clientURL

	entry, err := p.entries.Upsert(ctx, domain.NewEntry(clientURL, p.cfg.AutoPermit, p.now()))
	if err != nil {
		ping.Exchange.Fail(http.StatusInternalServerError, "could not store entry")
		p.finish(ctx, ev)
		return ev, fmt.Errorf("store entry: %w", err)
	}

	entryID := entry.ID
	ev.RelatedTo = &entryID
	ping.NewEntry = entry.IsNew()
	ping.Exchange.Succeed(http.StatusNoContent)
	if finishErr := p.finish(ctx, ev); finishErr != nil {
		return ev, finishErr
	}

	p.metrics.ObservePing(metrics.PingAccepted)
	p.log.Info("Accepted incoming ping",
		logger.String("client_url", clientURL),
		logger.String("remote_addr", remoteAddr),
		logger.Bool("new_entry", ping.NewEntry),
		logger.String("permit", string(entry.Permit)),
	)

	if ping.NewEntry {
		p.metrics.ObserveEntryCreated()
		p.notifier.Dispatch(ctx, ev, entry, domain.WebhookActionNewEntry)
	}

	if entry.Permit == domain.EntryPermitAccepted {
		if _, enqueueErr := p.EnqueueRetrieval(ctx, entry, &ev.ID); enqueueErr != nil {
			p.log.Error("Failed to schedule metadata retrieval",
				logger.String("client_url", clientURL),
				logger.Error(enqueueErr),
			)
		}
	}

	return ev, nil
}

// admitPing checks the limit and records the attempt while holding the
// address lock, so concurrent pings from one address are counted in turn.
func (p *Processor) admitPing(ctx context.Context, remoteAddr string, body []byte) (*domain.Event, error) {
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, "ping:"+remoteAddr)
		if err != nil {
			return nil, fmt.Errorf("lock ping address: %w", err)
		}
		defer unlock()
	}

	decision, err := p.limiter.Check(ctx, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}
	if !decision.Allowed {
		return p.rejectPing(ctx, remoteAddr, body, decision.Err(remoteAddr))
	}

	ev := domain.NewIncomingPingEvent(remoteAddr, body, p.now())
	if createErr := p.events.Create(ctx, ev); createErr != nil {
		return nil, fmt.Errorf("record ping: %w", createErr)
	}
	return ev, nil
}

// abandonPing finishes a ping whose handling was interrupted before it was
// finished. The caller already got an error or lost the connection.
func (p *Processor) abandonPing(ctx context.Context, ev *domain.Event) error {
	ping := ev.Payload.IncomingPing
	if ping == nil {
		ping = &domain.IncomingPing{Exchange: *domain.NewIncomingExchange(http.MethodPost, ev.RemoteAddr, nil)}
		ev.Payload.IncomingPing = ping
	}
	if ping.Exchange.State != domain.ExchangeStateRetrieved {
		ping.Exchange.Fail(http.StatusInternalServerError, reasonPingInterrupted)
	}
	p.log.Warn("Finishing interrupted ping",
		logger.String("event_id", ev.ID.String()),
		logger.String("remote_addr", ev.RemoteAddr),
	)
	return p.finish(ctx, ev)
}

// rejectPing records a rate-limited attempt so it keeps counting against the address.
func (p *Processor) rejectPing(
	ctx context.Context,
	remoteAddr string,
	body []byte,
	rateErr error,
) (*domain.Event, error) {
	ev := domain.NewIncomingPingEvent(remoteAddr, body, p.now())
	ev.Payload.IncomingPing.Exchange.Fail(http.StatusTooManyRequests, rateErr.Error())
	ev.Payload.IncomingPing.Exchange.Response.Body = errorBody(rateErr.Error())
	ev.Finish(p.now())

	if err := p.events.Create(ctx, ev); err != nil {
		p.log.Error("Failed to record rate-limited ping",
			logger.String("remote_addr", remoteAddr),
			logger.Error(err),
		)
	}

	p.metrics.ObservePing(metrics.PingRateLimited)
	p.log.Warn("Rate limit for PING reached", logger.String("remote_addr", remoteAddr))
	return ev, rateErr
}

func (p *Processor) parsePing(body []byte) (string, error) {
	var req pingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", errors.New("body must be a JSON object with clientUrl")
	}

	clientURL, err := domain.NormalizeClientURL(req.ClientURL)
	if err != nil {
		return "", err
	}

	for _, deny := range p.cfg.DenyList {
		if deny.MatchString(clientURL) {
			return "", &domain.ValidationError{Field: "clientUrl", Message: "URL is not allowed"}
		}
	}
	return clientURL, nil
}

// finish stamps and persists ev. Failures are logged and returned.
func (p *Processor) finish(ctx context.Context, ev *domain.Event) error {
	ev.Finish(p.now())
	if err := p.events.Update(ctx, ev); err != nil {
		p.log.Error("Failed to finish event",
			logger.String("event_id", ev.ID.String()),
			logger.String("type", string(ev.Type)),
			logger.Error(err),
		)
		return fmt.Errorf("finish event: %w", err)
	}
	return nil
}
