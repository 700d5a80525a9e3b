package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/node-index/infrastructure/jwt"
)

// SetupRoutes registers the registry routes. Admin routes require an HS256
// bearer token with the admin role. metrics is served at metricsPath when non-nil.
func SetupRoutes(router *gin.Engine, h *Handler, jwtSecret, metricsPath string, metrics http.Handler) {
	index := router.Group("/index")
	index.POST("/ping", h.Ping)

	entries := index.Group("/entries")
	entries.GET("", h.ListEntries)
	entries.GET("/info", h.EntriesInfo)
	entries.GET("/:id", h.GetEntry)
	entries.GET("/:id/events", h.ListEntryEvents)

	admin := index.Group("/admin", jwt.Middleware(jwtSecret, jwt.RoleAdmin))
	admin.POST("/trigger", h.Trigger)
	admin.POST("/recover", h.Recover)
	admin.PUT("/entries/:id", h.UpdatePermit)
	admin.DELETE("/entries/:id", h.DeleteEntry)

	if metrics != nil && metricsPath != "" {
		router.GET(metricsPath, gin.WrapH(metrics))
	}
}
