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
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	activityDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for approvald. It
// satisfies workflow.Observer.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal       *prometheus.CounterVec
	WorkflowCompletionsTotal  *prometheus.CounterVec
	WorkflowActiveInstances   *prometheus.GaugeVec
	ActivityDispatchesTotal   *prometheus.CounterVec
	ActivityDuration          *prometheus.HistogramVec
	ActivityRetriesTotal      *prometheus.CounterVec
	TimersFiredTotal          *prometheus.CounterVec
	EventsReceivedTotal       *prometheus.CounterVec
	LateRecordsDiscardedTotal *prometheus.CounterVec

	// Case metrics
	CasesCreatedTotal  *prometheus.CounterVec
	CaseDecisionsTotal *prometheus.CounterVec

	// Notification metrics
	NotifyCircuitBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"program"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_workflow_completions_total",
			Help: "Total number of workflow instances finished.",
		}, []string{"program", "run_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvald_workflow_active_instances",
			Help: "Number of running workflow instances started by this process.",
		}, []string{"program"}),
		ActivityDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_activity_dispatches_total",
			Help: "Total number of activity dispatch attempts.",
		}, []string{"activity", "outcome"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_activity_duration_seconds",
			Help:    "Activity dispatch duration in seconds.",
			Buckets: activityDurationBuckets,
		}, []string{"activity"}),
		ActivityRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_activity_retries_total",
			Help: "Total number of activity dispatch retries.",
		}, []string{"activity"}),
		TimersFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_workflow_timers_fired_total",
			Help: "Total number of durable timers fired.",
		}, []string{"program"}),
		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_workflow_events_received_total",
			Help: "Total number of external events consumed by instances.",
		}, []string{"event"}),
		LateRecordsDiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_workflow_late_records_discarded_total",
			Help: "Total number of history records ignored because their race was already decided.",
		}, []string{"program"}),

		// Cases
		CasesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_cases_created_total",
			Help: "Total number of support cases created.",
		}, []string{"action"}),
		CaseDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_case_decisions_total",
			Help: "Total number of supervisor decisions signalled.",
		}, []string{"decision"}),

		// Notify
		NotifyCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvald_notify_circuit_breaker_state",
			Help: "Bot notification circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.ActivityDispatchesTotal,
		m.ActivityDuration,
		m.ActivityRetriesTotal,
		m.TimersFiredTotal,
		m.EventsReceivedTotal,
		m.LateRecordsDiscardedTotal,
		// Cases
		m.CasesCreatedTotal,
		m.CaseDecisionsTotal,
		// Notify
		m.NotifyCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceStart records a workflow instance start.
func (m *Metrics) RecordInstanceStart(program string) {
	m.WorkflowStartsTotal.WithLabelValues(program).Inc()
	m.WorkflowActiveInstances.WithLabelValues(program).Inc()
}

// RecordInstanceFinish records a workflow instance reaching a terminal
// run status.
func (m *Metrics) RecordInstanceFinish(program, runStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(program, runStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(program).Dec()
}

// RecordActivityDispatch records one activity dispatch attempt.
func (m *Metrics) RecordActivityDispatch(activity, outcome string, duration time.Duration) {
	m.ActivityDispatchesTotal.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// RecordActivityRetry records an activity dispatch retry.
func (m *Metrics) RecordActivityRetry(activity string) {
	m.ActivityRetriesTotal.WithLabelValues(activity).Inc()
}

// RecordTimerFired records a durable timer firing.
func (m *Metrics) RecordTimerFired(program string) {
	m.TimersFiredTotal.WithLabelValues(program).Inc()
}

// RecordEventReceived records an external event consumed by an instance.
func (m *Metrics) RecordEventReceived(event string) {
	m.EventsReceivedTotal.WithLabelValues(event).Inc()
}

// RecordLateRecordsDiscarded records race records ignored on replay.
func (m *Metrics) RecordLateRecordsDiscarded(program string, n int) {
	m.LateRecordsDiscardedTotal.WithLabelValues(program).Add(float64(n))
}

// RecordCaseCreated records a new support case.
func (m *Metrics) RecordCaseCreated(action string) {
	m.CasesCreatedTotal.WithLabelValues(action).Inc()
}

// RecordCaseDecision records a supervisor decision ("approved" or "rejected").
func (m *Metrics) RecordCaseDecision(decision string) {
	m.CaseDecisionsTotal.WithLabelValues(decision).Inc()
}

// SetNotifyCircuitBreakerState sets the notification breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifyCircuitBreakerState(state float64) {
	m.NotifyCircuitBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// Mounted sub-routers contribute "/*" segments; drop them.
	for strings.Contains(pattern, "/*/") {
		pattern = strings.ReplaceAll(pattern, "/*/", "/")
	}
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
