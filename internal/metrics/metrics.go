// Package metrics provides Prometheus metrics for the blocklist services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Submission workflow metrics
	SubmissionsTotal     *prometheus.CounterVec
	SignoffsTotal        *prometheus.CounterVec
	PublishedGUIDsTotal  *prometheus.CounterVec
	PublishFailuresTotal prometheus.Counter
	PublishDuration      prometheus.Histogram

	// Filter metrics
	FilterGenerationsTotal *prometheus.CounterVec
	FilterBuildDuration    *prometheus.HistogramVec
	FilterLayers           *prometheus.GaugeVec
	FilterBits             *prometheus.GaugeVec
	FilterFalsePositive    *prometheus.GaugeVec
	FilterUploadsTotal     *prometheus.CounterVec
	SigningFailuresTotal   prometheus.Counter
	GenerationsCleaned     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blocklist_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.SubmissionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_submissions_total",
			Help: "Submissions created, by action and initial signoff state",
		},
		[]string{"action", "state"},
	)

	m.SignoffsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_signoffs_total",
			Help: "Signoff decisions, by outcome",
		},
		[]string{"decision"},
	)

	m.PublishedGUIDsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_published_guids_total",
			Help: "Per-guid publication units, by result",
		},
		[]string{"result"},
	)

	m.PublishFailuresTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "blocklist_publish_failures_total",
			Help: "Submission publications that left at least one guid uncommitted",
		},
	)

	m.PublishDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blocklist_publish_duration_seconds",
			Help:    "Duration of submission publication in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	m.FilterGenerationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_filter_generations_total",
			Help: "Filter generation runs, by outcome (base, stash, noop)",
		},
		[]string{"kind"},
	)

	m.FilterBuildDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blocklist_filter_build_duration_seconds",
			Help:    "Duration of cascade construction and verification in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"block_type"},
	)

	m.FilterLayers = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocklist_filter_layers",
			Help: "Layer count of the last built filter",
		},
		[]string{"block_type"},
	)

	m.FilterBits = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocklist_filter_bits",
			Help: "Total bit count of the last built filter",
		},
		[]string{"block_type"},
	)

	m.FilterFalsePositive = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocklist_filter_false_positive_rate",
			Help: "Estimated false positive rate of the last built filter",
		},
		[]string{"block_type"},
	)

	m.FilterUploadsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_filter_uploads_total",
			Help: "Records published to remote settings, by kind (filter, stash)",
		},
		[]string{"kind"},
	)

	m.SigningFailuresTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "blocklist_signing_failures_total",
			Help: "Filters published without a signature because signing failed",
		},
	)

	m.GenerationsCleaned = f.NewCounter(
		prometheus.CounterOpts{
			Name: "blocklist_generations_cleaned_total",
			Help: "Filter generation directories removed by retention",
		},
	)

	return m
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSubmission counts a created submission.
func (m *Metrics) RecordSubmission(action, state string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(action, state).Inc()
}

// RecordSignoff counts an approve or reject decision.
func (m *Metrics) RecordSignoff(decision string) {
	if m == nil {
		return
	}
	m.SignoffsTotal.WithLabelValues(decision).Inc()
}

// RecordPublish records one publication attempt of a submission.
func (m *Metrics) RecordPublish(committed, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.PublishedGUIDsTotal.WithLabelValues("committed").Add(float64(committed))
	m.PublishedGUIDsTotal.WithLabelValues("failed").Add(float64(failed))
	if failed > 0 {
		m.PublishFailuresTotal.Inc()
	}
	m.PublishDuration.Observe(duration.Seconds())
}

// RecordGeneration counts a filter generation run.
func (m *Metrics) RecordGeneration(kind string) {
	if m == nil {
		return
	}
	m.FilterGenerationsTotal.WithLabelValues(kind).Inc()
}

// RecordFilterBuild records the shape of a freshly built filter.
func (m *Metrics) RecordFilterBuild(blockType string, layers int, bits uint64, fpRate float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.FilterBuildDuration.WithLabelValues(blockType).Observe(duration.Seconds())
	m.FilterLayers.WithLabelValues(blockType).Set(float64(layers))
	m.FilterBits.WithLabelValues(blockType).Set(float64(bits))
	m.FilterFalsePositive.WithLabelValues(blockType).Set(fpRate)
}

// RecordUpload counts a published record.
func (m *Metrics) RecordUpload(kind string) {
	if m == nil {
		return
	}
	m.FilterUploadsTotal.WithLabelValues(kind).Inc()
}

// RecordSigningFailure counts a filter published unsigned.
func (m *Metrics) RecordSigningFailure() {
	if m == nil {
		return
	}
	m.SigningFailuresTotal.Inc()
}

// RecordCleanup counts removed generation directories.
func (m *Metrics) RecordCleanup(removed int) {
	if m == nil {
		return
	}
	m.GenerationsCleaned.Add(float64(removed))
}
