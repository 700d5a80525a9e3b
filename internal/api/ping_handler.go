package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Ping handles POST /index/ping.
func (h *Handler) Ping(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.cfg.MaxPingBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}
	if int64(len(body)) > h.cfg.MaxPingBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}

	if _, pingErr := h.proc.AcceptPing(c.Request.Context(), c.ClientIP(), body); pingErr != nil {
		h.respondError(c, pingErr, "Failed to process ping")
		return
	}

	c.Status(http.StatusNoContent)
}
