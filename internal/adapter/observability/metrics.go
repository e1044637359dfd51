package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/relay/internal/domain"
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

	MessagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)
	MessagesDequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_dequeued_total",
			Help: "Total number of messages claimed by consumers",
		},
		[]string{"queue"},
	)
	MessagesAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_acked_total",
			Help: "Total number of messages acknowledged",
		},
		[]string{"queue"},
	)
	MessagesNackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_nacked_total",
			Help: "Total number of negative acknowledgements",
		},
		[]string{"queue", "dead"},
	)
	MessagesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_reclaimed_total",
			Help: "Total number of overdue messages reclaimed by the sweep",
		},
		[]string{"queue", "dead"},
	)
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_anomalies_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"type", "severity"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(MessagesEnqueuedTotal)
	prometheus.MustRegister(MessagesDequeuedTotal)
	prometheus.MustRegister(MessagesAckedTotal)
	prometheus.MustRegister(MessagesNackedTotal)
	prometheus.MustRegister(MessagesReclaimedTotal)
	prometheus.MustRegister(AnomaliesTotal)
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

// BrokerMetrics adapts the prometheus collectors to the engine's counter
// surface.
type BrokerMetrics struct{}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (BrokerMetrics) MessageEnqueued(queue string, n int) {
	MessagesEnqueuedTotal.WithLabelValues(queue).Add(float64(n))
}

func (BrokerMetrics) MessageDequeued(queue string) {
	MessagesDequeuedTotal.WithLabelValues(queue).Inc()
}

func (BrokerMetrics) MessageAcked(queue string) {
	MessagesAckedTotal.WithLabelValues(queue).Inc()
}

func (BrokerMetrics) MessageNacked(queue string, dead bool) {
	MessagesNackedTotal.WithLabelValues(queue, boolLabel(dead)).Inc()
}

func (BrokerMetrics) MessageReclaimed(queue string, dead bool) {
	MessagesReclaimedTotal.WithLabelValues(queue, boolLabel(dead)).Inc()
}

func (BrokerMetrics) AnomalyDetected(anomalyType string, severity domain.Severity) {
	AnomaliesTotal.WithLabelValues(anomalyType, string(severity)).Inc()
}
