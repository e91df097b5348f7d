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
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabcanvas",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collabcanvas",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// ActiveRooms tracks live rooms in the hub.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabcanvas",
		Name:      "active_rooms",
		Help:      "Number of live collaboration rooms",
	})

	// ConnectedClients tracks open collaboration sockets.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabcanvas",
		Name:      "connected_clients",
		Help:      "Number of open collaboration connections",
	})

	// EventsProcessed counts inbound frames by type after dispatch.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabcanvas",
		Name:      "events_processed_total",
		Help:      "Inbound collaboration frames processed, by frame type",
	}, []string{"type"})

	// ProtocolErrors counts malformed or unknown frames that were dropped.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabcanvas",
		Name:      "protocol_errors_total",
		Help:      "Malformed or unknown frames dropped",
	})
)

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request metrics with Prometheus labels. Websocket
// upgrades bypass it (the hijacked connection has no meaningful status).
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
