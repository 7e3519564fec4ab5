// Package metrics provides Prometheus instrumentation for the paper ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts opened paper orders by source tag.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_placed_total",
		Help: "Paper orders opened",
	}, []string{"source"})

	// OrdersClosed counts orders leaving OPEN, by close reason.
	OrdersClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_closed_total",
		Help: "Paper orders closed or cancelled, by reason",
	}, []string{"reason"})

	// ProfileEvents counts profile lifecycle events by type.
	ProfileEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_profile_events_total",
		Help: "Profile lifecycle events",
	}, []string{"type"})

	// LimitRejections counts orders rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_limit_rejections_total",
		Help: "Orders rejected by exposure limits",
	})

	// ActiveOpenOrders is the number of OPEN orders of the active profile,
	// sampled by the price poller.
	ActiveOpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_open_orders",
		Help: "Open orders of the active profile",
	})

	// PollCycles counts poll cycles by cycle and outcome (ok, error, idle, skipped).
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_poll_cycles_total",
		Help: "Polling cycles by outcome",
	}, []string{"cycle", "outcome"})

	// PollDuration tracks how long a poll cycle took.
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_poll_duration_seconds",
		Help:    "Poll cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"cycle"})

	// UpstreamFailures counts failed fetches per feed.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_upstream_failures_total",
		Help: "Failed price or resolution fetches",
	}, []string{"feed"})

	// SyntheticMarks counts marks generated by the synthetic fallback.
	SyntheticMarks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_synthetic_marks_total",
		Help: "Marks generated by the synthetic price walk",
	})

	// RiskTriggers counts take-profit and stop-loss closes.
	RiskTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_risk_triggers_total",
		Help: "Orders closed by the risk engine",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The route pattern keeps ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
