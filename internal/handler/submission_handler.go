package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/middleware"
	"github.com/mozilla/addons-server-sub004/internal/service"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// SubmissionService is the workflow the handler drives.
type SubmissionService interface {
	Get(ctx context.Context, id int64) (*models.Submission, error)
	Create(ctx context.Context, req service.CreateSubmissionRequest) (*models.Submission, error)
	Update(ctx context.Context, id int64, patch models.SubmissionPatch, userID int64) (*models.Submission, error)
	Approve(ctx context.Context, id, userID int64) (*models.Submission, error)
	Reject(ctx context.Context, id, userID int64) (*models.Submission, error)
}

// SubmissionHandler handles the submission endpoints.
type SubmissionHandler struct {
	service SubmissionService
}

// NewSubmissionHandler creates a new SubmissionHandler.
func NewSubmissionHandler(svc SubmissionService) *SubmissionHandler {
	return &SubmissionHandler{service: svc}
}

//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type createSubmissionRequest struct {
	InputGUIDs        []string                `json:"input_guids" binding:"required"`
	ChangedVersionIDs []int64                 `json:"changed_version_ids"`
	Action            models.SubmissionAction `json:"action" binding:"required"`
	BlockType         models.BlockType        `json:"block_type"`
	DisableAddon      bool                    `json:"disable_addon"`
	URL               string                  `json:"url"`
	Reason            string                  `json:"reason"`
	UpdateURL         bool                    `json:"update_url_value"`
	UpdateReason      bool                    `json:"update_reason_value"`
	DelayDays         int                     `json:"delay_days"`
}

type updateSubmissionRequest struct {
	DelayDays         *int    `json:"delay_days"`
	URL               *string `json:"url"`
	Reason            *string `json:"reason"`
	UpdateURL         *bool   `json:"update_url_value"`
	UpdateReason      *bool   `json:"update_reason_value"`
	ChangedVersionIDs []int64 `json:"changed_version_ids"`
}

// Create handles POST /api/v1/submissions.
func (h *SubmissionHandler) Create(c *gin.Context) {
	userID, ok := actingUser(c)
	if !ok {
		return
	}

	var req createSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sub, err := h.service.Create(c.Request.Context(), service.CreateSubmissionRequest{
		GUIDs:             req.InputGUIDs,
		ChangedVersionIDs: req.ChangedVersionIDs,
		Action:            req.Action,
		BlockType:         req.BlockType,
		DisableAddon:      req.DisableAddon,
		URL:               req.URL,
		Reason:            req.Reason,
		UpdateURL:         req.UpdateURL,
		UpdateReason:      req.UpdateReason,
		DelayDays:         req.DelayDays,
		UserID:            userID,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	logger.L().Info("submission created",
		zap.Int64("submission_id", sub.ID),
		zap.Int64("user_id", userID),
		zap.String("action", string(sub.Action)),
		zap.String("signoff_state", string(sub.SignoffState)),
	)
	c.JSON(http.StatusCreated, sub)
}

// Get handles GET /api/v1/submissions/:id.
func (h *SubmissionHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	sub, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Update handles PATCH /api/v1/submissions/:id.
func (h *SubmissionHandler) Update(c *gin.Context) {
	userID, ok := actingUser(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req updateSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sub, err := h.service.Update(c.Request.Context(), id, models.SubmissionPatch{
		DelayDays:         req.DelayDays,
		URL:               req.URL,
		Reason:            req.Reason,
		UpdateURL:         req.UpdateURL,
		UpdateReason:      req.UpdateReason,
		ChangedVersionIDs: req.ChangedVersionIDs,
	}, userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Approve handles POST /api/v1/submissions/:id/approve.
func (h *SubmissionHandler) Approve(c *gin.Context) {
	h.decide(c, "approve", h.service.Approve)
}

// Reject handles POST /api/v1/submissions/:id/reject.
func (h *SubmissionHandler) Reject(c *gin.Context) {
	h.decide(c, "reject", h.service.Reject)
}

func (h *SubmissionHandler) decide(c *gin.Context, decision string, fn func(context.Context, int64, int64) (*models.Submission, error)) {
	userID, ok := actingUser(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	sub, err := fn(c.Request.Context(), id, userID)
	if err != nil {
		handleError(c, err)
		return
	}

	logger.L().Info("submission signoff",
		zap.Int64("submission_id", id),
		zap.Int64("user_id", userID),
		zap.String("decision", decision),
	)
	c.JSON(http.StatusOK, sub)
}

func actingUser(c *gin.Context) (int64, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		sendError(c, http.StatusUnauthorized, "missing authenticated user")
		return 0, false
	}
	return userID, true
}
