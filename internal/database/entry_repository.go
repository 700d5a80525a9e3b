package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

// entrySelectColumns lists columns for SELECT/RETURNING on index_entries.
const entrySelectColumns = `id, client_url, state, permit, current_metadata,
	last_retrieval_at, created_at, updated_at`

// DefaultPageSize applies when a list call does not set a limit.
const DefaultPageSize = 20

// EntryFilter narrows List. Zero values mean no restriction. Active and
// Inactive are mutually exclusive and use ActiveSince as the cutoff.
type EntryFilter struct {
	States      []domain.EntryState
	Permit      domain.EntryPermit
	Active      bool
	Inactive    bool
	ActiveSince time.Time
	Limit       int
	Offset      int
}

// EntryRepository handles database operations for registry entries.
type EntryRepository struct {
	db *sqlx.DB
}

// NewEntryRepository creates a new entry repository.
func NewEntryRepository(db *sqlx.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// Upsert inserts entry or, when its client URL is known, touches the existing
// row. The stored row is returned; IsNew tells which case happened.
func (r *EntryRepository) Upsert(ctx context.Context, entry *domain.Entry) (*domain.Entry, error) {
	query := `
		INSERT INTO index_entries (id, client_url, state, permit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_url) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING ` + entrySelectColumns

	var stored domain.Entry
	err := r.db.GetContext(ctx, &stored, query,
		entry.ID, entry.ClientURL, entry.State, entry.Permit, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert entry: %w", err)
	}
	return &stored, nil
}

// GetByID returns the entry or a *domain.NotFoundError.
func (r *EntryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Entry, error) {
	query := `SELECT ` + entrySelectColumns + ` FROM index_entries WHERE id = $1`
	return r.getOne(ctx, query, id.String(), id)
}

// GetByClientURL returns the entry or a *domain.NotFoundError.
func (r *EntryRepository) GetByClientURL(ctx context.Context, clientURL string) (*domain.Entry, error) {
	query := `SELECT ` + entrySelectColumns + ` FROM index_entries WHERE client_url = $1`
	return r.getOne(ctx, query, clientURL, clientURL)
}

func (r *EntryRepository) getOne(ctx context.Context, query, key string, arg any) (*domain.Entry, error) {
	var entry domain.Entry
	if err := r.db.GetContext(ctx, &entry, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "entry", Key: key}
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &entry, nil
}

// Update persists the harvest-owned fields of entry.
func (r *EntryRepository) Update(ctx context.Context, entry *domain.Entry) error {
	query := `
		UPDATE index_entries
		SET state = $2, current_metadata = $3, last_retrieval_at = $4, updated_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.State, entry.CurrentMetadata, entry.LastRetrievalAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return execRequireRows(result, nil, &domain.NotFoundError{Resource: "entry", Key: entry.ID.String()})
}

// UpdatePermit sets the administrative permit and returns the updated entry.
func (r *EntryRepository) UpdatePermit(
	ctx context.Context,
	id uuid.UUID,
	permit domain.EntryPermit,
) (*domain.Entry, error) {
	query := `
		UPDATE index_entries SET permit = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + entrySelectColumns

	var entry domain.Entry
	if err := r.db.GetContext(ctx, &entry, query, id, permit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "entry", Key: id.String()}
		}
		return nil, fmt.Errorf("update entry permit: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry. Its events keep their history with related_to cleared.
func (r *EntryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM index_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return execRequireRows(result, nil, &domain.NotFoundError{Resource: "entry", Key: id.String()})
}

// List returns one page of entries matching filter, newest change first, and
// the total number of matches.
func (r *EntryRepository) List(ctx context.Context, filter EntryFilter) ([]*domain.Entry, int, error) {
	where, args := buildEntryWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM index_entries` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := max(filter.Offset, 0)

	args = append(args, limit, offset)
	query := `SELECT ` + entrySelectColumns + ` FROM index_entries` + where +
		` ORDER BY updated_at DESC, id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	entries := make([]*domain.Entry, 0, limit)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}

func buildEntryWhere(filter EntryFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		conditions = append(conditions, "state = ANY("+next(pq.Array(states))+")")
	}
	if filter.Permit != "" {
		conditions = append(conditions, "permit = "+next(filter.Permit))
	}
	switch {
	case filter.Active:
		conditions = append(conditions, "state = 'VALID' AND last_retrieval_at >= "+next(filter.ActiveSince))
	case filter.Inactive:
		conditions = append(conditions,
			"NOT (state = 'VALID' AND last_retrieval_at IS NOT NULL AND last_retrieval_at >= "+next(filter.ActiveSince)+")")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListAccepted returns every entry eligible for a global re-harvest.
func (r *EntryRepository) ListAccepted(ctx context.Context) ([]*domain.Entry, error) {
	query := `SELECT ` + entrySelectColumns + ` FROM index_entries WHERE permit = $1 ORDER BY created_at`

	var entries []*domain.Entry
	if err := r.db.SelectContext(ctx, &entries, query, domain.EntryPermitAccepted); err != nil {
		return nil, fmt.Errorf("list accepted entries: %w", err)
	}
	return entries, nil
}

// CountByState returns the number of entries in each state. Every state is
// present in the result.
func (r *EntryRepository) CountByState(ctx context.Context) (map[domain.EntryState]int, error) {
	var rows []struct {
		State domain.EntryState `db:"state"`
		Count int               `db:"count"`
	}
	query := `SELECT state, COUNT(*) AS count FROM index_entries GROUP BY state`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count entries by state: %w", err)
	}

	counts := make(map[domain.EntryState]int, len(domain.EntryStates))
	for _, s := range domain.EntryStates {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

// CountActive returns the number of valid entries harvested since the cutoff.
func (r *EntryRepository) CountActive(ctx context.Context, since time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM index_entries WHERE state = 'VALID' AND last_retrieval_at >= $1`
	if err := r.db.GetContext(ctx, &n, query, since); err != nil {
		return 0, fmt.Errorf("count active entries: %w", err)
	}
	return n, nil
}
