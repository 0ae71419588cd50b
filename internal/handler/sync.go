package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fragmarket/internal/repository"
)

// SyncHandler exposes reconciliation progress for operators: checkpoint rows
// with their last-pass stats, and the latest market snapshots.
type SyncHandler struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func (h *SyncHandler) Register(r *gin.Engine) {
	r.GET("/sync/checkpoints", h.listCheckpoints)
	r.GET("/markets", h.listMarkets)
}

func (h *SyncHandler) listCheckpoints(c *gin.Context) {
	items, err := h.Repo.ListCheckpoints(c.Request.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("list checkpoints failed", zap.Error(err))
		}
		Error(c, http.StatusInternalServerError, "list checkpoints failed", nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *SyncHandler) listMarkets(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = parsed
	}
	items, err := h.Repo.ListMarketSnapshots(c.Request.Context(), limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("list market snapshots failed", zap.Error(err))
		}
		Error(c, http.StatusInternalServerError, "list markets failed", nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}
