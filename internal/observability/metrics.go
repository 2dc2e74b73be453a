package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	stageDurationBuckets   = []float64{30, 60, 300, 600, 1800, 3600, 7200}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Intervention lifecycle metrics
	InterventionStartsTotal      *prometheus.CounterVec
	StageTransitionsTotal        *prometheus.CounterVec
	InterventionCompletionsTotal *prometheus.CounterVec
	ActiveControllers            prometheus.Gauge
	StageDurationSeconds         *prometheus.HistogramVec
	NavigationRejectionsTotal    *prometheus.CounterVec
	TimingSignalFailuresTotal    *prometheus.CounterVec

	// Persistence gateway metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendRetriesTotal        *prometheus.CounterVec
	BackendCircuitBreakerState prometheus.Gauge
	LoadDeduplicationsTotal    prometheus.Counter
	PhotoUploadsTotal          *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InterventionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_intervention_starts_total",
			Help: "Total number of intervention starts.",
		}, []string{"template_id"}),
		StageTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_stage_transitions_total",
			Help: "Total number of stage transitions.",
		}, []string{"stage_kind", "transition"}),
		InterventionCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_intervention_completions_total",
			Help: "Total number of intervention completions.",
		}, []string{"template_id"}),
		ActiveControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldflow_active_controllers",
			Help: "Number of live per-task workflow controllers.",
		}),
		StageDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldflow_stage_duration_seconds",
			Help:    "Backend-reported stage duration in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"stage_kind"}),
		NavigationRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_navigation_rejections_total",
			Help: "Total number of stage-open attempts refused by the step guard.",
		}, []string{"stage_kind"}),
		TimingSignalFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_timing_signal_failures_total",
			Help: "Total number of swallowed timing signal failures.",
		}, []string{"action"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_backend_requests_total",
			Help: "Total number of backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldflow_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_backend_retries_total",
			Help: "Total number of backend write retries.",
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldflow_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		LoadDeduplicationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldflow_load_deduplications_total",
			Help: "Total number of concurrent loads collapsed into one in-flight call.",
		}),
		PhotoUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldflow_photo_uploads_total",
			Help: "Total number of photo uploads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InterventionStartsTotal,
		m.StageTransitionsTotal,
		m.InterventionCompletionsTotal,
		m.ActiveControllers,
		m.StageDurationSeconds,
		m.NavigationRejectionsTotal,
		m.TimingSignalFailuresTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendRetriesTotal,
		m.BackendCircuitBreakerState,
		m.LoadDeduplicationsTotal,
		m.PhotoUploadsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordInterventionStart records an intervention start.
func (m *Metrics) RecordInterventionStart(templateID string) {
	m.InterventionStartsTotal.WithLabelValues(templateID).Inc()
}

// RecordStageTransition records a stage transition (start, complete, skip).
func (m *Metrics) RecordStageTransition(stageKind, transition string) {
	m.StageTransitionsTotal.WithLabelValues(stageKind, transition).Inc()
}

// RecordInterventionCompletion records an intervention completion.
func (m *Metrics) RecordInterventionCompletion(templateID string) {
	m.InterventionCompletionsTotal.WithLabelValues(templateID).Inc()
}

// RecordStageDuration records the backend-reported duration of a stage.
func (m *Metrics) RecordStageDuration(stageKind string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stageKind).Observe(seconds)
}

// RecordNavigationRejection records a guard refusal.
func (m *Metrics) RecordNavigationRejection(stageKind string) {
	m.NavigationRejectionsTotal.WithLabelValues(stageKind).Inc()
}

// RecordTimingSignalFailure records a swallowed timing failure.
func (m *Metrics) RecordTimingSignalFailure(action string) {
	m.TimingSignalFailuresTotal.WithLabelValues(action).Inc()
}

// RecordBackendRequest records a backend request.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBackendRetry records a backend write retry.
func (m *Metrics) RecordBackendRetry(operation string) {
	m.BackendRetriesTotal.WithLabelValues(operation).Inc()
}

// SetCircuitBreakerState sets the breaker gauge (0=closed, 1=half-open, 2=open).
func (m *Metrics) SetCircuitBreakerState(state float64) {
	m.BackendCircuitBreakerState.Set(state)
}

// RecordLoadDeduplication records a collapsed concurrent load.
func (m *Metrics) RecordLoadDeduplication() {
	m.LoadDeduplicationsTotal.Inc()
}

// RecordPhotoUpload records a photo upload outcome.
func (m *Metrics) RecordPhotoUpload(status string) {
	m.PhotoUploadsTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
