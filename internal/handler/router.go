package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mozilla/addons-server-sub004/internal/metrics"
	"github.com/mozilla/addons-server-sub004/internal/middleware"
)

// RouterDeps wires the HTTP API.
type RouterDeps struct {
	Submissions *SubmissionHandler
	Blocks      *BlockHandler
	MLBF        *MLBFHandler
	Health      *HealthHandler
	Auth        *middleware.APIKeyAuth
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine serving the blocklist API.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(d.Metrics))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	health := r.Group("/health")
	health.GET("/live", d.Health.LivenessProbe)
	health.GET("/ready", d.Health.ReadinessProbe)

	api := r.Group("/api/v1", d.Auth.Middleware())

	submissions := api.Group("/submissions")
	submissions.POST("", d.Submissions.Create)
	submissions.GET("/:id", d.Submissions.Get)
	submissions.PATCH("/:id", d.Submissions.Update)
	submissions.POST("/:id/approve", d.Submissions.Approve)
	submissions.POST("/:id/reject", d.Submissions.Reject)

	blocks := api.Group("/blocks")
	blocks.GET("/:guid", d.Blocks.Get)
	blocks.GET("/:guid/status", d.Blocks.Status)

	api.POST("/mlbf/generate", d.MLBF.Generate)

	return r
}
