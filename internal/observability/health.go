// Package observability provides health checks, metrics, and tracing for the connection layer
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Checker reports the health of one component
type Checker interface {
	Name() string
	// Check returns nil if the component is usable
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

// Name implements Checker
func (f CheckerFunc) Name() string { return f.CheckerName }

// Check implements Checker
func (f CheckerFunc) Check(ctx context.Context) error { return f.Fn(ctx) }

// ComponentStatus is the outcome of one checker
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// StatusResponse is the body served by /healthz and /readyz
type StatusResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// HealthManager runs liveness and readiness checks
type HealthManager struct {
	logger    *zap.SugaredLogger
	liveness  []Checker
	readiness []Checker
	timeout   time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthManager{logger: logger, timeout: timeout}
}

// AddLivenessChecker registers a checker consulted by /healthz
func (hm *HealthManager) AddLivenessChecker(c Checker) {
	hm.liveness = append(hm.liveness, c)
}

// AddReadinessChecker registers a checker consulted by /readyz
func (hm *HealthManager) AddReadinessChecker(c Checker) {
	hm.readiness = append(hm.readiness, c)
}

// HealthzHandler serves liveness
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return hm.handler(func(ctx context.Context) StatusResponse {
		return hm.run(ctx, hm.liveness, "healthy", "unhealthy")
	}, "healthy")
}

// ReadyzHandler serves readiness
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return hm.handler(func(ctx context.Context) StatusResponse {
		return hm.run(ctx, hm.readiness, "ready", "not_ready")
	}, "ready")
}

func (hm *HealthManager) handler(check func(context.Context) StatusResponse, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := check(ctx)
		statusCode := http.StatusOK
		if response.Status != okStatus {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			hm.logger.Errorw("Failed to encode health response", "error", err)
		}
	}
}

func (hm *HealthManager) run(ctx context.Context, checkers []Checker, ok, bad string) StatusResponse {
	response := StatusResponse{
		Status:     ok,
		Timestamp:  time.Now(),
		Components: make([]ComponentStatus, 0, len(checkers)),
	}

	for _, checker := range checkers {
		start := time.Now()
		status := ComponentStatus{Name: checker.Name(), Status: ok}
		if err := checker.Check(ctx); err != nil {
			status.Status = bad
			status.Error = err.Error()
			response.Status = bad
			hm.logger.Warnw("Health check failed", "component", checker.Name(), "error", err)
		}
		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

// IsReady reports whether every readiness checker passes
func (hm *HealthManager) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()
	return hm.run(ctx, hm.readiness, "ready", "not_ready").Status == "ready"
}
