package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionChecker reports whether a long-lived connection is usable.
type ConnectionChecker interface {
	IsHealthy() bool
}

// HeartbeatChecker probes a remote HTTP dependency.
type HeartbeatChecker interface {
	Heartbeat(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db             Pinger
	events         ConnectionChecker
	remoteSettings HeartbeatChecker
}

// NewHealthHandler creates a new HealthHandler instance. events and
// remoteSettings may be nil when the process does not use them.
func NewHealthHandler(db Pinger, events ConnectionChecker, remoteSettings HeartbeatChecker) *HealthHandler {
	return &HealthHandler{
		db:             db,
		events:         events,
		remoteSettings: remoteSettings,
	}
}

// LivenessProbe checks if the application is running.
func (h *HealthHandler) LivenessProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "UP",
		"time":   time.Now(),
	})
}

// ReadinessProbe checks if the application is ready to serve traffic.
func (h *HealthHandler) ReadinessProbe(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"time": time.Now()}

	if err := h.db.Ping(ctx); err != nil {
		body["status"] = "DOWN"
		body["database"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "healthy"

	if h.events != nil {
		if !h.events.IsHealthy() {
			body["status"] = "DOWN"
			body["rabbitmq"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["rabbitmq"] = "healthy"
	}

	// A failed remote settings heartbeat is reported without failing readiness.
	if h.remoteSettings != nil {
		if err := h.remoteSettings.Heartbeat(ctx); err != nil {
			body["remote_settings"] = "unhealthy"
			body["remote_settings_error"] = err.Error()
		} else {
			body["remote_settings"] = "healthy"
		}
	}

	body["status"] = "UP"
	c.JSON(http.StatusOK, body)
}
