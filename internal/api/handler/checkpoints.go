package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerpublisher/internal/checkpoint"
	"go.uber.org/zap"
)

// CheckpointHandler exposes read-only HTTP endpoints for the checkpoint
// chain.
type CheckpointHandler struct {
	chain  checkpoint.Chain
	logger *zap.Logger
}

// NewCheckpointHandler creates a new CheckpointHandler.
func NewCheckpointHandler(chain checkpoint.Chain, logger *zap.Logger) *CheckpointHandler {
	return &CheckpointHandler{chain: chain, logger: logger}
}

// Register mounts the checkpoint routes on the given router group.
func (h *CheckpointHandler) Register(rg *gin.RouterGroup) {
	cp := rg.Group("/checkpoints")
	{
		cp.GET("", h.List)
		cp.GET("/verify", h.Verify)
		cp.GET("/:date", h.Get)
	}
}

// List handles GET /checkpoints, returning the chain in order with its tip.
func (h *CheckpointHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	cps, err := h.chain.List(ctx)
	if err != nil {
		h.logger.Error("checkpoint List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query checkpoints"})
		return
	}
	if cps == nil {
		cps = []*checkpoint.Checkpoint{}
	}

	tip := checkpoint.GenesisHash
	if len(cps) > 0 {
		tip = cps[len(cps)-1].CheckpointHash
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoints": cps,
		"count":       len(cps),
		"tip":         tip,
	})
}

// Verify handles GET /checkpoints/verify. It walks the full chain and reports
// integrity.
func (h *CheckpointHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.chain.Verify(ctx); err != nil {
		h.logger.Warn("checkpoint chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Get handles GET /checkpoints/:date, returning a single checkpoint.
func (h *CheckpointHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	cp, err := h.chain.Get(ctx, c.Param("date"))
	if errors.Is(err, checkpoint.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoint not found"})
		return
	}
	if err != nil {
		h.logger.Error("checkpoint Get", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query checkpoint"})
		return
	}

	c.JSON(http.StatusOK, cp)
}
