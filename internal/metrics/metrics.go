package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagegate_build_info",
			Help: "Build information of stagegate",
		},
		[]string{"version", "commit"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagegate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagegate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Model metrics
	ModelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_model_requests_total",
			Help: "Total number of model invocations",
		},
		[]string{"provider", "stage", "status"},
	)

	ModelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagegate_model_request_duration_seconds",
			Help:    "Duration of model invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
		[]string{"provider", "stage"},
	)

	ModelTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_model_tokens_total",
			Help: "Total number of model tokens used",
		},
		[]string{"type"}, // "input", "output"
	)

	ModelRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_model_retries_total",
			Help: "Total number of model invocation retries",
		},
		[]string{"stage"},
	)

	// Workflow metrics
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_stage_runs_total",
			Help: "Total number of stage runs",
		},
		[]string{"stage", "status"}, // status: "suspended", "failed", "cancelled"
	)

	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_review_decisions_total",
			Help: "Total number of review decisions",
		},
		[]string{"stage", "decision"}, // decision: "advance", "retry"
	)

	ThreadsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagegate_threads_completed_total",
			Help: "Total number of threads that reached the end of the pipeline",
		},
	)

	ThreadsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegate_threads_evicted_total",
			Help: "Total number of evicted threads",
		},
		[]string{"reason"}, // "manual", "retention"
	)

	ThreadLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stagegate_thread_lock_wait_seconds",
			Help:    "Time spent waiting for a per-thread lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~260s
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordModelRequest records metrics for one model invocation.
func RecordModelRequest(provider, stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ModelRequestsTotal.WithLabelValues(provider, stage, status).Inc()
	ModelRequestDuration.WithLabelValues(provider, stage).Observe(duration.Seconds())
}

// RecordModelTokens records token usage for a model invocation.
func RecordModelTokens(inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		ModelTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		ModelTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordModelRetry counts one retry of a model call.
func RecordModelRetry(stage string) {
	ModelRetriesTotal.WithLabelValues(stage).Inc()
}

// RecordStageRun records the result of one step.
func RecordStageRun(stage, status string) {
	StageRunsTotal.WithLabelValues(stage, status).Inc()
}

// RecordReviewDecision records a router decision.
func RecordReviewDecision(stage, decision string) {
	ReviewDecisionsTotal.WithLabelValues(stage, decision).Inc()
}

// RecordThreadCompleted counts a thread reaching the terminal stage.
func RecordThreadCompleted() {
	ThreadsCompletedTotal.Inc()
}

// RecordThreadEvicted counts an evicted thread.
func RecordThreadEvicted(reason string) {
	ThreadsEvictedTotal.WithLabelValues(reason).Inc()
}

// RecordLockWait records how long a caller waited for a thread lock.
func RecordLockWait(d time.Duration) {
	ThreadLockWait.Observe(d.Seconds())
}
