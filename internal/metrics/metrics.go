// Package metrics provides Prometheus metrics for the NeonForge relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neonforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Chat stream metrics
	chatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_chat_requests_total",
			Help: "Total chat relay requests by outcome",
		},
		[]string{"mode", "outcome"},
	)

	chatStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonforge_chat_streams_active",
			Help: "Number of chat streams currently being relayed",
		},
	)

	chatStreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neonforge_chat_stream_duration_seconds",
			Help:    "Duration of relayed chat streams",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	chatBytesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neonforge_chat_bytes_relayed_total",
			Help: "Total upstream bytes piped to callers",
		},
	)

	malformedStreamLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neonforge_stream_malformed_lines_total",
			Help: "Total malformed SSE data lines skipped during decoding",
		},
	)

	// Upstream gateway metrics
	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_upstream_errors_total",
			Help: "Total upstream gateway failures by class",
		},
		[]string{"class"},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neonforge_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// History metrics
	historyWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_history_writes_total",
			Help: "Total conversation history writes",
		},
		[]string{"status"},
	)

	// Attachment metrics
	attachmentBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonforge_attachment_bytes_total",
			Help: "Total attachment bytes by direction",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChatRequest records a chat relay outcome (complete, failed,
// unauthorized, rate_limited, bad_request, upstream_error).
func RecordChatRequest(mode, outcome string) {
	chatRequestsTotal.WithLabelValues(mode, outcome).Inc()
}

// StreamStarted marks a relayed stream as active.
func StreamStarted() {
	chatStreamsActive.Inc()
}

// StreamFinished marks a relayed stream as done and records its duration.
func StreamFinished(duration time.Duration) {
	chatStreamsActive.Dec()
	chatStreamDuration.Observe(duration.Seconds())
}

// AddBytesRelayed counts upstream bytes piped to a caller.
func AddBytesRelayed(n int64) {
	chatBytesRelayed.Add(float64(n))
}

// AddMalformedLines counts skipped SSE data lines.
func AddMalformedLines(n int) {
	malformedStreamLines.Add(float64(n))
}

// RecordUpstreamError records an upstream failure class
// (rate_limited, quota_exhausted, error).
func RecordUpstreamError(class string) {
	upstreamErrorsTotal.WithLabelValues(class).Inc()
}

// RecordRateLimitHit records a 429 rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordHistoryWrite records a history persistence attempt.
func RecordHistoryWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	historyWritesTotal.WithLabelValues(status).Inc()
}

// RecordAttachmentBytes counts attachment traffic ("in" or "out").
func RecordAttachmentBytes(direction string, n int64) {
	attachmentBytesTotal.WithLabelValues(direction).Add(float64(n))
}
