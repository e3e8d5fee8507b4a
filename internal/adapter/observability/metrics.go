package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gradelab/gpuqueue/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Total number of jobs admitted, by node",
		},
		[]string{"node"},
	)
	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Total number of jobs finalized, by node and terminal status",
		},
		[]string{"node", "status"},
	)
	JobWallClockSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_wall_clock_seconds",
			Help:    "Wall-clock time from claim to finalization",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"node"},
	)
	NodeReachableGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_reachable",
			Help: "1 when the node's transport is healthy, 0 otherwise",
		},
		[]string{"node"},
	)
	SubmissionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_rejected_total",
			Help: "Submissions rejected before admission, by reason",
		},
		[]string{"reason"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(JobWallClockSeconds)
	prometheus.MustRegister(NodeReachableGauge)
	prometheus.MustRegister(SubmissionsRejectedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// AdmitJob records an admission on node.
func AdmitJob(node int) {
	JobsAdmittedTotal.WithLabelValues(strconv.Itoa(node)).Inc()
}

// RejectSubmission records a pre-admission rejection.
func RejectSubmission(reason string) {
	SubmissionsRejectedTotal.WithLabelValues(reason).Inc()
}

// WorkerMetrics implements the worker pool's metrics hook.
type WorkerMetrics struct{}

func (WorkerMetrics) JobFinalized(node int, status domain.JobStatus, wallClock time.Duration) {
	n := strconv.Itoa(node)
	JobsFinalizedTotal.WithLabelValues(n, string(status)).Inc()
	JobWallClockSeconds.WithLabelValues(n).Observe(wallClock.Seconds())
}

func (WorkerMetrics) NodeReachable(node int, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	NodeReachableGauge.WithLabelValues(strconv.Itoa(node)).Set(v)
}
