// Package handler provides HTTP request handlers for the blocklist API.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/internal/service"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

func sendError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Timestamp: time.Now(),
		Path:      c.Request.URL.Path,
	})
}

// handleError maps a service error to its HTTP status.
func handleError(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		permissionErr *service.PermissionError
	)

	switch {
	case errors.As(err, &validationErr):
		sendError(c, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &permissionErr):
		sendError(c, http.StatusForbidden, permissionErr.Error())
	case db.IsNotFound(err):
		sendError(c, http.StatusNotFound, "resource not found")
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, db.ErrDuplicateKey):
		sendError(c, http.StatusConflict, err.Error())
	case retry.IsTransient(err):
		logger.L().Warn("transient failure serving request",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		sendError(c, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		logger.L().Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		sendError(c, http.StatusInternalServerError, "internal server error")
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
