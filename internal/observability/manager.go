package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Tool call status constants
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config holds configuration for observability features
type Config struct {
	HealthTimeout time.Duration
	Tracing       *config.TracingConfig
	Version       string
}

// Manager coordinates health, metrics and tracing
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager
func NewManager(logger *zap.SugaredLogger, cfg Config) (*Manager, error) {
	tracing, err := NewTracingManager(logger, cfg.Tracing, cfg.Version)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:    logger,
		health:    NewHealthManager(logger, cfg.HealthTimeout),
		metrics:   NewMetricsManager(logger),
		tracing:   tracing,
		startTime: time.Now(),
	}, nil
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// Mount registers /healthz, /readyz and /metrics on r
func (m *Manager) Mount(r chi.Router) {
	r.Get("/healthz", m.health.HealthzHandler())
	r.Get("/readyz", m.health.ReadyzHandler())
	r.Method(http.MethodGet, "/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m.metrics.SetUptime(m.startTime)
		m.metrics.Handler().ServeHTTP(w, req)
	}))
}

// HTTPMiddleware returns combined HTTP middleware for observability
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	metrics := m.metrics.HTTPMiddleware()
	tracing := m.tracing.HTTPMiddleware()
	return func(next http.Handler) http.Handler {
		return tracing(metrics(next))
	}
}

// RecordToolCall records tool call metrics and marks the active span on failure
func (m *Manager) RecordToolCall(ctx context.Context, serverName, toolName string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.tracing.SetSpanError(ctx, err)
	}
	m.metrics.RecordToolCall(serverName, toolName, status, duration)
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}
