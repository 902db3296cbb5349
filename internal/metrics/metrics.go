// Package metrics provides Prometheus instrumentation for the reward engine.
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
	// AccrualsTotal counts committed accruals per strategy.
	AccrualsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_accruals_total",
		Help: "Total number of committed reward accruals",
	}, []string{"strategy"})

	// AccruedAmount tracks whole units accrued per denomination.
	AccruedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_accrued_amount_total",
		Help: "Whole units of rewards accrued, by denomination",
	}, []string{"denom"})

	// ClaimsTotal counts payouts by kind ("strategy" or "all").
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_claims_total",
		Help: "Total number of committed reward payouts",
	}, []string{"kind"})

	// ClaimedAmount tracks whole units paid out per denomination.
	ClaimedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_claimed_amount_total",
		Help: "Whole units of rewards paid out, by denomination",
	}, []string{"denom"})

	// EmptyClaims counts claims that found nothing to pay.
	EmptyClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_empty_claims_total",
		Help: "Claims that settled to nothing",
	})

	// ShareUpdates counts committed share changes.
	ShareUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_share_updates_total",
		Help: "Total number of committed share updates",
	})

	// InvariantViolations counts requests aborted by broken engine invariants.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_invariant_violations_total",
		Help: "Requests aborted by ordering or precision invariants",
	}, []string{"kind"})

	// MutationLatency tracks end-to-end latency of mutating operations.
	MutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reward_mutation_latency_seconds",
		Help:    "Mutating operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActiveStrategies tracks the number of strategies accepting shares.
	ActiveStrategies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reward_active_strategies",
		Help: "Number of strategies currently accepting shares",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reward_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reward_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern to keep participant addresses
// out of label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
