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

	revealAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealgate_reveal_attempts_total",
			Help: "Reveal attempts by outcome (success or denial reason).",
		},
		[]string{"outcome"},
	)

	anomalyScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "revealgate_anomaly_score",
		Help:    "Distribution of anomaly scores assigned to reveal attempts.",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 75, 90, 100},
	})

	linkConsumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealgate_link_consume_total",
			Help: "Temporary link consume attempts by result.",
		},
		[]string{"result"},
	)

	rotationDocuments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealgate_rotation_documents_total",
			Help: "Documents processed by rotation runs by status.",
		},
		[]string{"status"},
	)

	rateLimitDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revealgate_ratelimit_denied_total",
		Help: "Reveal calls rejected by the per-user rate limiter.",
	})

	registerOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			revealAttempts, anomalyScores, linkConsumes, rotationDocuments, rateLimitDenied,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReveal records the outcome and anomaly score of a reveal attempt.
func ObserveReveal(outcome string, score int) {
	revealAttempts.WithLabelValues(outcome).Inc()
	anomalyScores.Observe(float64(score))
}

// ObserveLinkConsume records a link consume result such as "ok" or "exhausted".
func ObserveLinkConsume(result string) {
	linkConsumes.WithLabelValues(result).Inc()
}

// ObserveRotation adds processed document counts for a rotation run.
func ObserveRotation(success, failed int) {
	rotationDocuments.WithLabelValues("success").Add(float64(success))
	rotationDocuments.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRateLimited counts a rejected reveal call.
func ObserveRateLimited() {
	rateLimitDenied.Inc()
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
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

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	switch {
	case strings.HasPrefix(path, "/reveal-link/"):
		return "/reveal-link/:id"
	case strings.HasPrefix(path, "/v1/links/"):
		if strings.HasSuffix(path, "/revoke") {
			return "/v1/links/:id/revoke"
		}
		return "/v1/links/:id"
	case strings.HasPrefix(path, "/v1/rotation/") && strings.HasSuffix(path, "/run"):
		return "/v1/rotation/:policy/run"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the instrumented writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
