package processor

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// AcceptAdminTrigger records an administrator's re-harvest request. An empty
// clientURL targets every accepted entry. Unknown URLs yield domain.ErrNotFound.
func (p *Processor) AcceptAdminTrigger(
	ctx context.Context,
	remoteAddr, subject, clientURL string,
) (*domain.Event, error) {
	var entry *domain.Entry
	if clientURL != "" {
		normalized, err := domain.NormalizeClientURL(clientURL)
		if err != nil {
			return nil, err
		}
		entry, err = p.entries.GetByClientURL(ctx, normalized)
		if err != nil {
			return nil, err
		}
	}

	ev := domain.NewAdminTriggerEvent(remoteAddr, subject, entry, p.now())
	ev.Finish(p.now())
	if err := p.events.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("record admin trigger: %w", err)
	}

	p.log.Info("Admin trigger accepted",
		logger.String("subject", subject),
		logger.String("client_url", ev.ClientURL()),
		logger.String("event_id", ev.ID.String()),
	)
	p.notifier.Dispatch(ctx, ev, entry, domain.WebhookActionAdminTrigger)
	return ev, nil
}

// TriggerMetadataRetrieval queues a retrieval for each target of an admin
// trigger: the related entry regardless of its permit, or every accepted entry.
// It returns the number of retrievals recorded. Failures for one entry do not
// stop the others.
func (p *Processor) TriggerMetadataRetrieval(ctx context.Context, trigger *domain.Event) (int, error) {
	ctx = context.WithoutCancel(ctx)

	var targets []*domain.Entry
	if trigger.RelatedTo != nil {
		entry, err := p.entries.GetByID(ctx, *trigger.RelatedTo)
		if err != nil {
			return 0, err
		}
		targets = []*domain.Entry{entry}
	} else {
		accepted, err := p.entries.ListAccepted(ctx)
		if err != nil {
			return 0, fmt.Errorf("list accepted entries: %w", err)
		}
		targets = accepted
	}

	triggerID := trigger.ID
	queued := 0
	for _, entry := range targets {
		if _, err := p.EnqueueRetrieval(ctx, entry, &triggerID); err != nil {
			p.log.Error("Failed to schedule metadata retrieval",
				logger.String("client_url", entry.ClientURL),
				logger.Error(err),
			)
			continue
		}
		queued++
	}

	p.log.Info("Metadata retrievals scheduled",
		logger.String("trigger_id", triggerID.String()),
		logger.Int("count", queued),
	)
	return queued, nil
}
