package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// TracingTransport wraps a transport.Interface to log JSON-RPC traffic.
// Message bodies are not logged because tool arguments may carry user data.
type TracingTransport struct {
	inner  transport.Interface
	logger *zap.Logger
	target string
}

// NewTracingTransport creates a new tracing transport wrapper
func NewTracingTransport(inner transport.Interface, logger *zap.Logger, target string) *TracingTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TracingTransport{
		inner:  inner,
		logger: logger.Named("jsonrpc").With(zap.String("target", target)),
		target: target,
	}
}

// Start implements transport.Interface
func (t *TracingTransport) Start(ctx context.Context) error {
	start := time.Now()
	err := t.inner.Start(ctx)
	t.logger.Debug("Transport start",
		zap.String("transport_type", fmt.Sprintf("%T", t.inner)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// Close implements transport.Interface
func (t *TracingTransport) Close() error {
	err := t.inner.Close()
	t.logger.Debug("Transport closed", zap.Error(err))
	return err
}

// SendRequest implements transport.Interface
func (t *TracingTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	start := time.Now()
	response, err := t.inner.SendRequest(ctx, request)
	fields := []zap.Field{
		zap.String("method", request.Method),
		zap.Any("id", request.ID),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		t.logger.Debug("Request failed", append(fields, zap.Error(err))...)
		return response, err
	}
	if response != nil && response.Error != nil {
		fields = append(fields, zap.Int("rpc_error_code", response.Error.Code), zap.String("rpc_error", response.Error.Message))
	}
	t.logger.Debug("Request", fields...)
	return response, nil
}

// SendNotification implements transport.Interface
func (t *TracingTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	err := t.inner.SendNotification(ctx, notification)
	t.logger.Debug("Notification sent", zap.String("method", notification.Method), zap.Error(err))
	return err
}

// SetNotificationHandler implements transport.Interface
func (t *TracingTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(func(notification mcp.JSONRPCNotification) {
		t.logger.Debug("Notification received", zap.String("method", notification.Method))
		if handler != nil {
			handler(notification)
		}
	})
}

// GetSessionId implements transport.Interface
func (t *TracingTransport) GetSessionId() string {
	return t.inner.GetSessionId()
}
