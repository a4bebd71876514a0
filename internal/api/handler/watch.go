package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerpublisher/internal/guard"
	"github.com/jmerrifield20/ledgerpublisher/internal/watch"
)

// WatchHandler exposes the background re-check results.
type WatchHandler struct {
	watcher *watch.Watcher
}

// NewWatchHandler creates a new WatchHandler.
func NewWatchHandler(w *watch.Watcher) *WatchHandler {
	return &WatchHandler{watcher: w}
}

// Register mounts GET /watch on the given router group.
func (h *WatchHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/watch", h.Status)
}

// Status handles GET /watch. healthy is false when any date is in conflict.
func (h *WatchHandler) Status(c *gin.Context) {
	snap := h.watcher.Snapshot()
	healthy := true
	for _, s := range snap {
		if s.Decision == guard.Reject.String() {
			healthy = false
		}
	}
	c.JSON(http.StatusOK, gin.H{"dates": snap, "count": len(snap), "healthy": healthy})
}
