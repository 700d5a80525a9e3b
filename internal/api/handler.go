// Package api provides the HTTP handlers of the registry.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
	"github.com/jonesrussell/north-cloud/node-index/internal/recovery"
)

const (
	defaultMaxPingBytes = 64 << 10
	maxPageSize         = 100
	defaultEventsSize   = 10
)

// Processor runs the registry workflows behind the write endpoints.
type Processor interface {
	AcceptPing(ctx context.Context, remoteAddr string, body []byte) (*domain.Event, error)
	AcceptAdminTrigger(ctx context.Context, remoteAddr, subject, clientURL string) (*domain.Event, error)
	TriggerMetadataRetrieval(ctx context.Context, trigger *domain.Event) (int, error)
	EnqueueRetrieval(ctx context.Context, entry *domain.Entry, triggeredBy *uuid.UUID) (*domain.Event, error)
}

// EntryStore is the entry access needed by the read and admin endpoints.
type EntryStore interface {
	List(ctx context.Context, filter database.EntryFilter) ([]*domain.Entry, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Entry, error)
	UpdatePermit(ctx context.Context, id uuid.UUID, permit domain.EntryPermit) (*domain.Entry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CountByState(ctx context.Context) (map[domain.EntryState]int, error)
	CountActive(ctx context.Context, since time.Time) (int, error)
}

// EventStore is the event log access needed by the entry history endpoint.
type EventStore interface {
	ListByRelatedTo(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*domain.Event, int, error)
}

// Recoverer runs an on-demand recovery scan.
type Recoverer interface {
	RunStale(ctx context.Context) (recovery.Result, error)
}

// Config holds the handler settings.
type Config struct {
	// ValidDuration is how long a harvest keeps an entry active.
	ValidDuration time.Duration
	MaxPingBytes  int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves the public and admin registry endpoints.
type Handler struct {
	proc      Processor
	entries   EntryStore
	events    EventStore
	recoverer Recoverer
	cfg       Config
	logger    logger.Logger
}

// NewHandler creates a handler.
func NewHandler(
	proc Processor,
	entries EntryStore,
	events EventStore,
	recoverer Recoverer,
	cfg Config,
	log logger.Logger,
) *Handler {
	if cfg.MaxPingBytes <= 0 {
		cfg.MaxPingBytes = defaultMaxPingBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		proc:      proc,
		entries:   entries,
		events:    events,
		recoverer: recoverer,
		cfg:       cfg,
		logger:    log,
	}
}

// respondError maps typed errors to status codes. Anything unrecognized is
// logged and answered with 500 and the generic message.
func (h *Handler) respondError(c *gin.Context, err error, generic string) {
	var (
		validationErr *domain.ValidationError
		rateErr       *domain.RateLimitError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &rateErr):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": rateErr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, recovery.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(generic,
			logger.String("path", c.FullPath()),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": generic})
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid entry id"})
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads 1-based page and size query parameters.
func pagination(c *gin.Context, defaultSize int) (page, size int, ok bool) {
	page, size = 1, defaultSize

	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return 0, 0, false
		}
		page = n
	}
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be between 1 and " + strconv.Itoa(maxPageSize)})
			return 0, 0, false
		}
		size = n
	}
	return page, size, true
}

func totalPages(total, size int) int {
	if size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
