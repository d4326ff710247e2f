package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type pinger struct{ err error }

func (p pinger) Ping() error { return p.err }

func TestMetricsRecordConnectionEvents(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())
	listen := mm.ConnectionListener()

	listen(types.Event{Kind: types.EventStateChanged, ServerName: "alpha", From: types.StateConnecting, To: types.StateConnected})
	listen(types.Event{Kind: types.EventStateChanged, ServerName: "alpha", From: types.StateConnecting, To: types.StateConnected})
	listen(types.Event{Kind: types.EventReconnectScheduled, ServerName: "alpha", Attempt: 1})
	listen(types.Event{Kind: types.EventReconnectFailed, ServerName: "alpha"})
	listen(types.Event{Kind: types.EventOAuthRequired, ServerName: "beta"})

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.stateTransitions.WithLabelValues("alpha", "connecting", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.reconnectAttempts.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.reconnectFailures.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.oauthRequired.WithLabelValues("beta")))

	mm.SetPoolStats(2, 3, 5)
	mm.RecordIdleEviction(4)
	mm.RecordOAuthFlow("beta", OAuthCompleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(mm.appConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(mm.activeUsers))
	assert.Equal(t, 5.0, testutil.ToFloat64(mm.userConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(mm.idleEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.oauthFlows.WithLabelValues("beta", OAuthCompleted)))
}

func TestMetricsHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())
	r := chi.NewRouter()
	r.Use(mm.HTTPMiddleware())
	r.Get("/users/{user}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	for _, user := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/"+user, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.httpRequests.WithLabelValues("GET", "/users/{user}", http.StatusText(http.StatusTeapot))))
}

func TestManagerMountServesEndpoints(t *testing.T) {
	m, err := NewManager(zap.NewNop().Sugar(), Config{HealthTimeout: time.Second})
	require.NoError(t, err)

	ready := false
	m.Health().AddLivenessChecker(NewDatabaseChecker(pinger{}))
	m.Health().AddReadinessChecker(NewRegistryChecker(func() bool { return ready }))

	r := chi.NewRouter()
	m.Mount(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	require.Len(t, body.Components, 1)
	assert.Equal(t, "registry", body.Components[0].Name)

	ready = true
	assert.True(t, m.Health().IsReady(context.Background()))

	m.RecordToolCall(context.Background(), "alpha", "echo", 10*time.Millisecond, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mcpconnect_tool_calls_total{server="alpha",status="success",tool="echo"} 1`))
	assert.Contains(t, rec.Body.String(), "mcpconnect_uptime_seconds")
}

func TestDatabaseCheckerFails(t *testing.T) {
	hm := NewHealthManager(zap.NewNop().Sugar(), 0)
	hm.AddLivenessChecker(NewDatabaseChecker(pinger{err: errors.New("closed")}))
	hm.AddLivenessChecker(CheckerFunc{CheckerName: "static", Fn: func(context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	hm.HealthzHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}

func TestTracingDisabledIsNoop(t *testing.T) {
	tm, err := NewTracingManager(zap.NewNop().Sugar(), nil, "test")
	require.NoError(t, err)
	assert.False(t, tm.IsEnabled())

	ctx := context.Background()
	spanCtx, span := tm.TraceToolCall(ctx, "alpha", "echo", "u1")
	assert.Equal(t, ctx, spanCtx)
	assert.False(t, span.SpanContext().IsValid())
	tm.SetSpanError(spanCtx, errors.New("ignored"))
	require.NoError(t, tm.Close(ctx))
}

func TestTracingRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tm, err := newTracingManager(zap.NewNop().Sugar(), config.TracingConfig{Enabled: true, SampleRate: 1}, "test", exporter)
	require.NoError(t, err)

	ctx, span := tm.TraceToolCall(context.Background(), "alpha", "echo", "u1")
	tm.SetSpanError(ctx, errors.New("boom"))
	span.End()

	_, oauthSpan := tm.TraceOAuth(context.Background(), "beta", "callback")
	oauthSpan.End()

	require.NoError(t, tm.provider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "mcp.tool_call", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "oauth.callback", spans[1].Name)

	require.NoError(t, tm.Close(context.Background()))
}
