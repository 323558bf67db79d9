package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
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

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"kind"},
	)
	TasksAssignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_assigned_total",
			Help: "Total number of task assignments handed to workers",
		},
		[]string{"kind"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"kind"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of task failures reported by workers",
		},
		[]string{"kind", "will_retry"},
	)
	TasksReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_released_total",
			Help: "Total number of tasks released back to pending after worker loss",
		},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_connected",
			Help: "Number of currently connected worker sessions",
		},
	)
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total number of events dropped from slow subscriber inboxes",
		},
	)
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Number of open event stream connections",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksAssignedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksReleasedTotal)
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(StreamSubscribers)
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
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
