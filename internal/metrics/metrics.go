// Package metrics provides Prometheus instrumentation for the colony engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BidsTotal counts auction bids accepted.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "colony_auction_bids_total",
		Help: "Total number of auction bids accepted",
	})

	// SettlementsTotal counts auction settlements, partitioned by outcome
	// (won, no_bids).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colony_auction_settlements_total",
		Help: "Total number of auction rounds settled",
	}, []string{"outcome"})

	// LoansTotal counts loans issued, partitioned by collateral mode.
	LoansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colony_loans_total",
		Help: "Total number of loans issued",
	}, []string{"mode"})

	// InterestCollected tracks cumulative interest collected into the pool.
	InterestCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "colony_interest_collected_total",
		Help: "Cumulative interest collected into the redistribution pool",
	})

	// AccrualPaused is 1 while the interest accrual circuit breaker is open.
	AccrualPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "colony_interest_accrual_paused",
		Help: "Whether interest accrual is halted by the circuit breaker",
	})

	// AttacksTotal counts combat resolutions, partitioned by outcome
	// (attacker_won, target_won).
	AttacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colony_attacks_total",
		Help: "Total number of combat resolutions",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "colony_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "colony_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "colony_http_request_duration_seconds",
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

		// Use the raw path for the label; the read API surface is small
		// enough that cardinality stays bounded.
		path := r.URL.Path
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

// Hijack exposes the underlying connection so WebSocket upgrades work
// through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
