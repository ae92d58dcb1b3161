package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	matrixOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_matrix_operations_total",
			Help: "Access matrix operations by outcome.",
		},
		[]string{"op", "result"},
	)

	matrixOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "access_matrix_operation_duration_seconds",
			Help:    "Access matrix operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	grantChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_grant_changes_total",
			Help: "Grants added or removed by committed matrix operations.",
		},
		[]string{"op", "direction"},
	)

	auditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Audit entries by outcome (written, failed, dropped).",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers the service metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			matrixOpsTotal, matrixOpDuration, grantChangesTotal, auditEntriesTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMatrixOp records the outcome and latency of an engine operation.
func ObserveMatrixOp(op string, err error, started time.Time) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	matrixOpsTotal.WithLabelValues(op, result).Inc()
	matrixOpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// AddGrantChanges counts grants added and removed by a committed operation.
func AddGrantChanges(op string, added, removed int) {
	if added > 0 {
		grantChangesTotal.WithLabelValues(op, "added").Add(float64(added))
	}
	if removed > 0 {
		grantChangesTotal.WithLabelValues(op, "removed").Add(float64(removed))
	}
}

// CountAudit records an audit entry outcome.
func CountAudit(outcome string) {
	auditEntriesTotal.WithLabelValues(outcome).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses numeric path segments so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
