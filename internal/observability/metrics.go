package observability

import (
	"net/http"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OAuth flow outcomes
const (
	OAuthInitiated = "initiated"
	OAuthCompleted = "completed"
	OAuthFailed    = "failed"
	OAuthCanceled  = "canceled"
	OAuthRevoked   = "revoked"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Connection lifecycle
	stateTransitions  *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	oauthRequired     *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	reconnectFailures *prometheus.CounterVec

	// Pools
	appConnections  prometheus.Gauge
	userConnections prometheus.Gauge
	activeUsers     prometheus.Gauge
	idleEvictions   prometheus.Counter

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	oauthFlows   *prometheus.CounterVec
	serversTotal *prometheus.GaugeVec
}

// NewMetricsManager creates a new metrics manager with its own registry
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpconnect_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpconnect_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	mm.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_connection_state_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"server", "from", "to"},
	)
	mm.connectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_connection_errors_total",
			Help: "Transport or protocol errors reported by connections",
		},
		[]string{"server"},
	)
	mm.oauthRequired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_connection_oauth_required_total",
			Help: "Connections rejected for missing or invalid credentials",
		},
		[]string{"server"},
	)
	mm.reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
		[]string{"server"},
	)
	mm.reconnectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_reconnect_exhausted_total",
			Help: "Connections that gave up after the maximum reconnect attempts",
		},
		[]string{"server"},
	)

	mm.appConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpconnect_app_connections",
		Help: "Connections held in the app-level pool",
	})
	mm.userConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpconnect_user_connections",
		Help: "Connections held in per-user pools",
	})
	mm.activeUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpconnect_active_users",
		Help: "Users with at least one pooled connection",
	})
	mm.idleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcpconnect_idle_evictions_total",
		Help: "User connections closed by the idle sweep",
	})

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"server", "tool", "status"},
	)
	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpconnect_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)
	mm.oauthFlows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_oauth_flows_total",
			Help: "OAuth flows by outcome",
		},
		[]string{"server", "result"},
	)
	mm.serversTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpconnect_servers",
			Help: "Configured servers by registry state",
		},
		[]string{"state"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.stateTransitions,
		mm.connectionErrors,
		mm.oauthRequired,
		mm.reconnectAttempts,
		mm.reconnectFailures,
		mm.appConnections,
		mm.userConnections,
		mm.activeUsers,
		mm.idleEvictions,
		mm.toolCalls,
		mm.toolDuration,
		mm.oauthFlows,
		mm.serversTotal,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the Prometheus metrics HTTP handler
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime updates the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, route, status).Inc()
	mm.httpDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordConnectionEvent folds one connection event into the lifecycle metrics
func (mm *MetricsManager) RecordConnectionEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventStateChanged:
		mm.stateTransitions.WithLabelValues(ev.ServerName, ev.From.String(), ev.To.String()).Inc()
	case types.EventError:
		mm.connectionErrors.WithLabelValues(ev.ServerName).Inc()
	case types.EventOAuthRequired:
		mm.oauthRequired.WithLabelValues(ev.ServerName).Inc()
	case types.EventReconnectScheduled:
		mm.reconnectAttempts.WithLabelValues(ev.ServerName).Inc()
	case types.EventReconnectFailed:
		mm.reconnectFailures.WithLabelValues(ev.ServerName).Inc()
	}
}

// ConnectionListener returns a listener suitable for Connection.Subscribe
func (mm *MetricsManager) ConnectionListener() types.Listener {
	return mm.RecordConnectionEvent
}

// SetPoolStats updates the pool gauges
func (mm *MetricsManager) SetPoolStats(appConnections, users, userConnections int) {
	mm.appConnections.Set(float64(appConnections))
	mm.activeUsers.Set(float64(users))
	mm.userConnections.Set(float64(userConnections))
}

// RecordIdleEviction counts connections closed by the idle sweep
func (mm *MetricsManager) RecordIdleEviction(connections int) {
	mm.idleEvictions.Add(float64(connections))
}

// RecordToolCall records a tool call
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// RecordOAuthFlow counts an OAuth flow outcome
func (mm *MetricsManager) RecordOAuthFlow(server, result string) {
	mm.oauthFlows.WithLabelValues(server, result).Inc()
}

// SetServerStates replaces the per-state server gauge
func (mm *MetricsManager) SetServerStates(counts map[string]int) {
	mm.serversTotal.Reset()
	for state, n := range counts {
		mm.serversTotal.WithLabelValues(state).Set(float64(n))
	}
}

// HTTPMiddleware returns middleware that records HTTP metrics.
// Routes are labeled by their chi pattern to bound cardinality.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			mm.RecordHTTPRequest(r.Method, route, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
