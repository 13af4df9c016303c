package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/middleware"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// FilterEnqueuer schedules a filter generation.
type FilterEnqueuer interface {
	EnqueueGenerateFilter(ctx context.Context, forceBase bool) error
}

// MLBFHandler triggers filter generation out of schedule.
type MLBFHandler struct {
	tasks FilterEnqueuer
}

// NewMLBFHandler creates a new MLBFHandler.
func NewMLBFHandler(tasks FilterEnqueuer) *MLBFHandler {
	return &MLBFHandler{tasks: tasks}
}

type generateRequest struct {
	ForceBase bool `json:"force_base"`
}

// Generate handles POST /api/v1/mlbf/generate. An empty body runs a regular
// check; force_base rebuilds the base filters even without changes.
func (h *MLBFHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.tasks.EnqueueGenerateFilter(c.Request.Context(), req.ForceBase); err != nil {
		handleError(c, retry.Transient("enqueue filter generation", err))
		return
	}

	userID, _ := middleware.UserID(c)
	logger.L().Info("filter generation requested",
		zap.Int64("user_id", userID),
		zap.Bool("force_base", req.ForceBase),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"status":     "queued",
		"force_base": req.ForceBase,
		"time":       time.Now(),
	})
}
