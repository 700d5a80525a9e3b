package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

const (
	reasonRateLimited  = "Rate limit reached (skipping)"
	reasonEntryDeleted = "Entry no longer exists"
	harvestSkipped     = "SKIPPED"
)

// ProcessMetadataRetrieval harvests the entry the event relates to and derives
// its new state. A cancelled ctx leaves the event unfinished for recovery.
func (p *Processor) ProcessMetadataRetrieval(ctx context.Context, ev *domain.Event) error {
	mr := ev.Payload.MetadataRetrieval
	if mr == nil {
		return fmt.Errorf("event %s has no metadata retrieval payload", ev.ID)
	}
	if claimed, err := p.claim(ctx, ev); !claimed {
		return err
	}

	entry, err := p.relatedEntry(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) {
		mr.Error = reasonEntryDeleted
		return p.finish(ctx, ev)
	}
	if err != nil {
		return err
	}

	start := p.now()
	if entry.RetrievedWithin(start, p.cfg.RetrievalWait) {
		mr.Error = reasonRateLimited
		p.metrics.ObserveHarvest(harvestSkipped, 0)
		p.log.Debug("Metadata retrieval skipped, entry retrieved recently",
			logger.String("client_url", entry.ClientURL),
		)
	} else {
		if harvestErr := p.harvest(ctx, entry, mr); harvestErr != nil {
			return harvestErr
		}
		p.metrics.ObserveHarvest(string(entry.State), p.now().Sub(start))
	}

	now := p.now()
	entry.LastRetrievalAt = &now
	entry.UpdatedAt = now
	mr.State = entry.State

	if finishErr := p.finish(ctx, ev); finishErr != nil {
		return finishErr
	}
	if updateErr := p.entries.Update(ctx, entry); updateErr != nil {
		if errors.Is(updateErr, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("store retrieval result: %w", updateErr)
	}

	p.notifier.Dispatch(ctx, ev, entry, domain.ActionForState(entry.State))
	return nil
}

// harvest fetches the metadata and applies the outcome to entry and mr.
func (p *Processor) harvest(ctx context.Context, entry *domain.Entry, mr *domain.MetadataRetrieval) error {
	res, err := p.fetcher.Harvest(ctx, entry.ClientURL)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("harvest %s interrupted: %w", entry.ClientURL, ctx.Err())
	}
	if res != nil {
		mr.Exchange = res.Exchange
	}

	var (
		transportErr *domain.TransportError
		parseErr     *domain.ParseError
	)
	switch {
	case err == nil:
		entry.State = domain.EntryStateValid
		entry.CurrentMetadata = res.Metadata
		mr.Metadata = res.Metadata
	case errors.As(err, &parseErr):
		entry.State = domain.EntryStateInvalid
		mr.Error = parseErr.Reason
	case errors.As(err, &transportErr):
		entry.State = domain.EntryStateUnreachable
	default:
		entry.State = domain.EntryStateUnreachable
		mr.Error = err.Error()
	}

	fields := []logger.Field{
		logger.String("client_url", entry.ClientURL),
		logger.String("state", string(entry.State)),
	}
	if err != nil {
		p.log.Warn("Metadata retrieval failed", append(fields, logger.Error(err))...)
	} else {
		p.log.Info("Metadata retrieval finished", fields...)
	}
	return nil
}

func (p *Processor) relatedEntry(ctx context.Context, ev *domain.Event) (*domain.Entry, error) {
	if ev.RelatedTo == nil {
		return nil, domain.ErrNotFound
	}
	entry, err := p.entries.GetByID(ctx, *ev.RelatedTo)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load entry for event %s: %w", ev.ID, err)
	}
	return entry, nil
}
