package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// eventSelectColumns lists columns for SELECT queries on index_events.
const eventSelectColumns = `id, type, related_to, triggered_by, remote_addr, payload,
	created_at, updated_at, executed_at, finished_at`

// ErrEventFinished is returned by Update when the event is missing or was
// already finished. Finished events are never rewritten.
var ErrEventFinished = errors.New("event not found or already finished")

// EventRepository handles database operations for the event log.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO index_events (
			id, type, related_to, triggered_by, remote_addr, payload,
			created_at, updated_at, executed_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.Type, event.RelatedTo, event.TriggeredBy, event.RemoteAddr, event.Payload,
		event.CreatedAt, event.UpdatedAt, event.ExecutedAt, event.FinishedAt)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// Update writes the mutable fields of an unfinished event.
func (r *EventRepository) Update(ctx context.Context, event *domain.Event) error {
	query := `
		UPDATE index_events
		SET related_to = $2, payload = $3, updated_at = $4, executed_at = $5, finished_at = $6
		WHERE id = $1 AND finished_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		event.ID, event.RelatedTo, event.Payload, event.UpdatedAt, event.ExecutedAt, event.FinishedAt)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if rowsErr := execRequireRows(result, nil, ErrEventFinished); rowsErr != nil {
		return fmt.Errorf("update event %s: %w", event.ID, rowsErr)
	}
	return nil
}

// Claim marks event as executing at now, provided nobody else has since it
// was read: it must be unfinished and still carry the executed_at this copy
// saw. Otherwise domain.ErrEventClaimed is returned and event is untouched.
func (r *EventRepository) Claim(ctx context.Context, event *domain.Event, now time.Time) error {
	query := `
		UPDATE index_events
		SET executed_at = $2, updated_at = $2
		WHERE id = $1 AND finished_at IS NULL AND executed_at IS NOT DISTINCT FROM $3
	`

	result, err := r.db.ExecContext(ctx, query, event.ID, now, event.ExecutedAt)
	if rowsErr := execRequireRows(result, err, domain.ErrEventClaimed); rowsErr != nil {
		return fmt.Errorf("claim event %s: %w", event.ID, rowsErr)
	}
	event.Execute(now)
	return nil
}

// GetByID returns the event or a *domain.NotFoundError.
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	query := `SELECT ` + eventSelectColumns + ` FROM index_events WHERE id = $1`

	var event domain.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "event", Key: id.String()}
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &event, nil
}

// CountPingsSince counts INCOMING_PING events from remoteAddr created after since.
func (r *EventRepository) CountPingsSince(ctx context.Context, remoteAddr string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM index_events
		WHERE type = $1 AND remote_addr = $2 AND created_at > $3
	`

	var n int
	if err := r.db.GetContext(ctx, &n, query, domain.EventTypeIncomingPing, remoteAddr, since); err != nil {
		return 0, fmt.Errorf("count pings: %w", err)
	}
	return n, nil
}

// ListUnfinished returns events without finished_at last touched before
// updatedBefore, oldest first. limit <= 0 means no limit.
func (r *EventRepository) ListUnfinished(
	ctx context.Context,
	updatedBefore time.Time,
	limit int,
) ([]*domain.Event, error) {
	query := `SELECT ` + eventSelectColumns + ` FROM index_events
		WHERE finished_at IS NULL AND updated_at <= $1
		ORDER BY created_at ASC`
	args := []any{updatedBefore}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var events []*domain.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list unfinished events: %w", err)
	}
	return events, nil
}

// ListByRelatedTo returns one page of an entry's events, newest first, and
// the total number of events for that entry.
func (r *EventRepository) ListByRelatedTo(
	ctx context.Context,
	entryID uuid.UUID,
	limit, offset int,
) ([]*domain.Event, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM index_events WHERE related_to = $1`, entryID); err != nil {
		return nil, 0, fmt.Errorf("count entry events: %w", err)
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := `SELECT ` + eventSelectColumns + ` FROM index_events
		WHERE related_to = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	events := make([]*domain.Event, 0, limit)
	if err := r.db.SelectContext(ctx, &events, query, entryID, limit, max(offset, 0)); err != nil {
		return nil, 0, fmt.Errorf("list entry events: %w", err)
	}
	return events, total, nil
}
