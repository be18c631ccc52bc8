package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	concordRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	concordRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "concord_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	concordAuditAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_audit_appends_total",
		Help: "Total audit ledger entries appended.",
	})

	concordAmendmentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_amendment_events_total",
		Help: "Total amendment lifecycle events by kind.",
	}, []string{"event"})

	concordChainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_chain_verifications_total",
		Help: "Total chain verification runs by result.",
	}, []string{"result"})

	concordQuarantinedTags = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_quarantined_domain_tags",
		Help: "Number of domain tags currently quarantined by the circuit breaker.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		concordRequestsTotal.WithLabelValues(method, path, status).Inc()
		concordRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuditAppend records an audit ledger entry append.
func RecordAuditAppend() {
	concordAuditAppendsTotal.Inc()
}

// RecordAmendmentEvent records an amendment lifecycle event.
func RecordAmendmentEvent(event string) {
	concordAmendmentEventsTotal.WithLabelValues(event).Inc()
}

// RecordChainVerification records a chain verification run result.
func RecordChainVerification(valid bool) {
	if valid {
		concordChainVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		concordChainVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// SetQuarantinedGauge sets the quarantined domain tag count.
func SetQuarantinedGauge(count float64) {
	concordQuarantinedTags.Set(count)
}
