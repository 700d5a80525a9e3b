package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// EntryRepositoryInterface defines the contract for registry entry access.
type EntryRepositoryInterface interface {
	Upsert(ctx context.Context, entry *domain.Entry) (*domain.Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Entry, error)
	GetByClientURL(ctx context.Context, clientURL string) (*domain.Entry, error)
	Update(ctx context.Context, entry *domain.Entry) error
	UpdatePermit(ctx context.Context, id uuid.UUID, permit domain.EntryPermit) (*domain.Entry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter EntryFilter) ([]*domain.Entry, int, error)
	ListAccepted(ctx context.Context) ([]*domain.Entry, error)
	CountByState(ctx context.Context) (map[domain.EntryState]int, error)
	CountActive(ctx context.Context, since time.Time) (int, error)
}

// EventRepositoryInterface defines the contract for the event log.
type EventRepositoryInterface interface {
	Create(ctx context.Context, event *domain.Event) error
	Update(ctx context.Context, event *domain.Event) error
	Claim(ctx context.Context, event *domain.Event, now time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	CountPingsSince(ctx context.Context, remoteAddr string, since time.Time) (int, error)
	ListUnfinished(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Event, error)
	ListByRelatedTo(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*domain.Event, int, error)
}
