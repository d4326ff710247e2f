package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingManager manages OpenTelemetry tracing
type TracingManager struct {
	logger   *zap.SugaredLogger
	config   config.TracingConfig
	version  string
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
	enabled  bool
}

// NewTracingManager creates a tracing manager exporting over OTLP/HTTP.
// A nil or disabled config yields a manager whose spans are no-ops.
func NewTracingManager(logger *zap.SugaredLogger, cfg *config.TracingConfig, version string) (*TracingManager, error) {
	if cfg == nil || !cfg.Enabled {
		logger.Debug("OpenTelemetry tracing disabled")
		return &TracingManager{logger: logger, version: version}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tm, err := newTracingManager(logger, *cfg, version, exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	logger.Infow("OpenTelemetry tracing initialized",
		"service_name", cfg.ServiceName,
		"otlp_endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return tm, nil
}

func newTracingManager(logger *zap.SugaredLogger, cfg config.TracingConfig, version string, exporter trace.SpanExporter) (*TracingManager, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcpconnect"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &TracingManager{
		logger:   logger,
		config:   cfg,
		version:  version,
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
		enabled:  true,
	}, nil
}

// Close flushes pending spans and shuts down the provider
func (tm *TracingManager) Close(ctx context.Context) error {
	if !tm.enabled || tm.provider == nil {
		return nil
	}

	tm.logger.Info("Shutting down OpenTelemetry tracing")
	return tm.provider.Shutdown(ctx)
}

// StartSpan starts a new trace span
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if !tm.enabled {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// TraceToolCall creates a span around one tool invocation
func (tm *TracingManager) TraceToolCall(ctx context.Context, serverName, toolName, userID string) (context.Context, oteltrace.Span) {
	return tm.StartSpan(ctx, "mcp.tool_call",
		attribute.String("mcp.server", serverName),
		attribute.String("mcp.tool", toolName),
		attribute.Bool("mcp.user_scoped", userID != ""),
	)
}

// TraceConnection creates a span around obtaining a pooled connection
func (tm *TracingManager) TraceConnection(ctx context.Context, serverName, userID string) (context.Context, oteltrace.Span) {
	return tm.StartSpan(ctx, "mcp.connection",
		attribute.String("mcp.server", serverName),
		attribute.Bool("mcp.user_scoped", userID != ""),
	)
}

// TraceOAuth creates a span around an OAuth step (callback, cancel, revoke)
func (tm *TracingManager) TraceOAuth(ctx context.Context, serverName, operation string) (context.Context, oteltrace.Span) {
	return tm.StartSpan(ctx, "oauth."+operation,
		attribute.String("mcp.server", serverName),
		attribute.String("oauth.operation", operation),
	)
}

// SetSpanError marks the span in ctx as failed
func (tm *TracingManager) SetSpanError(ctx context.Context, err error) {
	if !tm.enabled || err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IsEnabled returns whether tracing is enabled
func (tm *TracingManager) IsEnabled() bool {
	return tm.enabled
}

// HTTPMiddleware returns middleware that adds tracing to HTTP requests
func (tm *TracingManager) HTTPMiddleware() func(http.Handler) http.Handler {
	if !tm.enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tm.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPHostKey.String(r.Host),
					semconv.HTTPUserAgentKey.String(r.UserAgent()),
				),
			)
			defer span.End()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.statusCode))
			if ww.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			}
		})
	}
}
