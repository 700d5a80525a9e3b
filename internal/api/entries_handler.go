package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/database"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

const (
	stateActive   = "ACTIVE"
	stateInactive = "INACTIVE"
)

type entryResponse struct {
	*domain.Entry
	Active bool `json:"active"`
}

func (h *Handler) toResponse(e *domain.Entry) entryResponse {
	return entryResponse{Entry: e, Active: e.IsActive(h.cfg.Now(), h.cfg.ValidDuration)}
}

// ListEntries handles GET /index/entries.
func (h *Handler) ListEntries(c *gin.Context) {
	page, size, ok := pagination(c, database.DefaultPageSize)
	if !ok {
		return
	}

	filter := database.EntryFilter{
		Limit:  size,
		Offset: (page - 1) * size,
	}

	switch state := strings.ToUpper(c.Query("state")); state {
	case "":
	case stateActive:
		filter.Active = true
		filter.ActiveSince = h.cfg.Now().Add(-h.cfg.ValidDuration)
	case stateInactive:
		filter.Inactive = true
		filter.ActiveSince = h.cfg.Now().Add(-h.cfg.ValidDuration)
	default:
		parsed, err := domain.ParseEntryState(state)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.States = []domain.EntryState{parsed}
	}

	if permit := c.Query("permit"); permit != "" {
		parsed, err := domain.ParseEntryPermit(permit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Permit = parsed
	}

	entries, total, err := h.entries.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Failed to list entries")
		return
	}

	items := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, h.toResponse(e))
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    items,
		"page":       page,
		"size":       size,
		"total":      total,
		"totalPages": totalPages(total, size),
	})
}

// EntriesInfo handles GET /index/entries/info.
func (h *Handler) EntriesInfo(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.entries.CountByState(ctx)
	if err != nil {
		h.respondError(c, err, "Failed to count entries")
		return
	}
	active, err := h.entries.CountActive(ctx, h.cfg.Now().Add(-h.cfg.ValidDuration))
	if err != nil {
		h.respondError(c, err, "Failed to count entries")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	c.JSON(http.StatusOK, gin.H{
		"entriesCount": gin.H{
			"total":    total,
			"active":   active,
			"inactive": total - active,
		},
		"states": counts,
	})
}

// GetEntry handles GET /index/entries/:id.
func (h *Handler) GetEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	entry, err := h.entries.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Debug("Entry not found",
			logger.String("entry_id", id.String()),
			logger.Error(err),
		)
		h.respondError(c, err, "Failed to get entry")
		return
	}

	c.JSON(http.StatusOK, h.toResponse(entry))
}

// ListEntryEvents handles GET /index/entries/:id/events.
func (h *Handler) ListEntryEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	page, size, ok := pagination(c, defaultEventsSize)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.entries.GetByID(ctx, id); err != nil {
		h.respondError(c, err, "Failed to get entry")
		return
	}

	events, total, err := h.events.ListByRelatedTo(ctx, id, size, (page-1)*size)
	if err != nil {
		h.respondError(c, err, "Failed to list entry events")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"page":       page,
		"size":       size,
		"total":      total,
		"totalPages": totalPages(total, size),
	})
}
