// Package middleware provides gin middleware for the blocklist API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

const (
	headerAPIKey      = "X-API-Key"
	headerAuth        = "Authorization"
	bearerPrefix      = "Bearer "
	unauthorizedError = "Unauthorized"

	// userIDKey is the gin context key holding the authenticated user id.
	userIDKey = "blocklist.user_id"
)

// APIKeyAuth authenticates requests by API key. Each key acts as one user.
type APIKeyAuth struct {
	apiKeys map[string]int64
}

// NewAPIKeyAuth creates a new API key authentication middleware.
// If no keys are provided, all requests will be rejected.
func NewAPIKeyAuth(apiKeys map[string]int64) *APIKeyAuth {
	keyMap := make(map[string]int64, len(apiKeys))
	for key, userID := range apiKeys {
		if key != "" && userID > 0 {
			keyMap[key] = userID
		}
	}

	return &APIKeyAuth{apiKeys: keyMap}
}

// Middleware validates the API key and stores the acting user id.
// It checks for API keys in the following order:
// 1. X-API-Key header
// 2. Authorization: Bearer <key> header
func (a *APIKeyAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := a.lookup(extractAPIKey(c.Request))
		if !ok {
			logger.L().Warn("unauthorized request - invalid or missing API key",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.String("remote_addr", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":    http.StatusUnauthorized,
				"error":     unauthorizedError,
				"timestamp": time.Now(),
				"path":      c.Request.URL.Path,
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the user id stored by Middleware.
func UserID(c *gin.Context) (int64, bool) {
	id, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := id.(int64)
	return userID, ok
}

// SetUserID stores userID as the acting user. Used by tests and internal
// callers that authenticate by other means.
func SetUserID(c *gin.Context, userID int64) {
	c.Set(userIDKey, userID)
}

func extractAPIKey(r *http.Request) string {
	if apiKey := r.Header.Get(headerAPIKey); apiKey != "" {
		return apiKey
	}

	authHeader := r.Header.Get(headerAuth)
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}

	return ""
}

// lookup finds the user of providedKey using constant-time comparison.
func (a *APIKeyAuth) lookup(providedKey string) (int64, bool) {
	if providedKey == "" || len(a.apiKeys) == 0 {
		return 0, false
	}

	var found int64
	for validKey, userID := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(validKey)) == 1 {
			found = userID
		}
	}
	return found, found != 0
}
