package transport

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LoggingTransport wraps http.RoundTripper to log request outcomes. Query
// strings and credentials are never logged.
type LoggingTransport struct {
	base    http.RoundTripper
	logger  *zap.Logger
	verbose bool
}

// NewLoggingTransport creates a new logging HTTP transport. Failures are
// always logged; successful exchanges only when verbose is set.
func NewLoggingTransport(base http.RoundTripper, logger *zap.Logger, verbose bool) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingTransport{
		base:    base,
		logger:  logger.Named("http-trace"),
		verbose: verbose,
	}
}

// RoundTrip implements http.RoundTripper
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(started)

	if err != nil {
		t.logger.Debug("HTTP request failed",
			zap.String("method", req.Method),
			zap.String("url", safeURL(req)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	if t.verbose || resp.StatusCode >= http.StatusBadRequest {
		t.logger.Debug("HTTP exchange",
			zap.String("method", req.Method),
			zap.String("url", safeURL(req)),
			zap.Int("status", resp.StatusCode),
			zap.Bool("event_stream", isEventStream(resp)),
			zap.Duration("duration", duration))
	}
	return resp, nil
}

func safeURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}
