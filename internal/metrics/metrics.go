// Package metrics provides Prometheus instrumentation for the agent.
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
	// DecisionsTotal counts entry decisions by reason code.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_entry_decisions_total",
		Help: "Entry decisions by reason code",
	}, []string{"reason"})

	// ConvictionScores tracks the distribution of total conviction scores.
	ConvictionScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_conviction_score",
		Help:    "Total conviction score per evaluation",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// TrackedOpportunities is the current size of the tracked set.
	TrackedOpportunities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_tracked_opportunities",
		Help: "Candidates currently tracked",
	})

	// OpenPositions is the number of open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_open_positions",
		Help: "Currently open positions",
	})

	// ExecutionsTotal counts executor results by side and outcome.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executions_total",
		Help: "Trade executions by side and result",
	}, []string{"side", "result"})

	// ExecutionAttempts tracks how many attempts each execution took.
	ExecutionAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_execution_attempts",
		Help:    "Attempts per execution",
		Buckets: []float64{1, 2, 3, 4, 5},
	}, []string{"side"})

	// ExecutionLatency tracks end-to-end execution latency.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_execution_latency_seconds",
		Help:    "Execution latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"side"})

	// ExitsTotal counts position exits by reason.
	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_position_exits_total",
		Help: "Position exits by reason",
	}, []string{"reason"})

	// LimiterQueueDepth is the number of requests waiting on the limiter.
	LimiterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_ratelimit_queue_depth",
		Help: "Requests waiting for a rate limit slot",
	})

	// LimiterThrottles counts upstream throttling signals.
	LimiterThrottles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_ratelimit_throttles_total",
		Help: "Upstream throttling signals received",
	})

	// RPCRequestsTotal counts RPC calls by method and result.
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_rpc_requests_total",
		Help: "RPC requests by method and result",
	}, []string{"method", "result"})

	// RPCFailovers counts endpoint switches.
	RPCFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_rpc_failovers_total",
		Help: "RPC endpoint failovers",
	})

	// JobDuration tracks scheduler job run time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_job_duration_seconds",
		Help:    "Scheduler job duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// JobSkipped counts runs skipped because the previous run was in flight.
	JobSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_job_skipped_total",
		Help: "Scheduler runs skipped due to overlap",
	}, []string{"job"})

	// AlertsDropped counts alerts dropped because a sink queue was full.
	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_alerts_dropped_total",
		Help: "Alerts dropped by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
