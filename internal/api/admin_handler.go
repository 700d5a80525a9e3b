package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/jwt"
	"github.com/jonesrussell/north-cloud/node-index/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

type triggerRequest struct {
	ClientURL string `json:"clientUrl"`
}

type permitRequest struct {
	Permit string `binding:"required" json:"permit"`
}

// Trigger handles POST /index/admin/trigger. An empty body or clientUrl
// re-harvests every accepted entry.
func (h *Handler) Trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	subject := ""
	if claims, ok := jwt.GetClaims(c); ok {
		subject = claims.Subject
	}

	ctx := c.Request.Context()
	trigger, err := h.proc.AcceptAdminTrigger(ctx, c.ClientIP(), subject, strings.TrimSpace(req.ClientURL))
	if err != nil {
		h.respondError(c, err, "Failed to record admin trigger")
		return
	}

	if _, err = h.proc.TriggerMetadataRetrieval(ctx, trigger); err != nil {
		h.respondError(c, err, "Failed to schedule metadata retrieval")
		return
	}

	c.Status(http.StatusNoContent)
}

// Recover handles POST /index/admin/recover.
func (h *Handler) Recover(c *gin.Context) {
	res, err := h.recoverer.RunStale(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Recovery scan failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scanned":   res.Scanned,
		"processed": res.Processed,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"duration":  res.Duration.String(),
	})
}

// UpdatePermit handles PUT /index/admin/entries/:id. Accepting an entry
// schedules its first harvest.
func (h *Handler) UpdatePermit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req permitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	permit, err := domain.ParseEntryPermit(req.Permit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	entry, err := h.entries.UpdatePermit(ctx, id, permit)
	if err != nil {
		h.respondError(c, err, "Failed to update entry")
		return
	}

	h.logger.Info("Entry permit updated",
		logger.String("entry_id", id.String()),
		logger.String("client_url", entry.ClientURL),
		logger.String("permit", string(permit)),
	)

	if permit == domain.EntryPermitAccepted {
		if _, enqueueErr := h.proc.EnqueueRetrieval(ctx, entry, nil); enqueueErr != nil {
			h.logger.Error("Failed to schedule metadata retrieval",
				logger.String("entry_id", id.String()),
				logger.Error(enqueueErr),
			)
		}
	}

	c.JSON(http.StatusOK, h.toResponse(entry))
}

// DeleteEntry handles DELETE /index/admin/entries/:id. The entry's events are
// kept as audit history.
func (h *Handler) DeleteEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.entries.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to delete entry")
		return
	}

	h.logger.Info("Entry deleted", logger.String("entry_id", id.String()))
	c.Status(http.StatusNoContent)
}
