package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

const (
	// DefaultHTTPTimeout bounds one HTTP round trip to a streamable-HTTP server
	DefaultHTTPTimeout = 180 * time.Second
)

// HeaderFunc is consulted on every outgoing request so credentials rotated
// after the transport was built are still applied
type HeaderFunc func(ctx context.Context) map[string]string

// Options controls how an MCP client is built for one server
type Options struct {
	// Headers are static headers from the server config, already resolved for the user
	Headers map[string]string
	// HeaderFunc supplies per-request headers such as Authorization
	HeaderFunc HeaderFunc
	// Env is merged over the inherited process environment for stdio servers
	Env map[string]string
	// Timeout bounds HTTP requests; zero uses DefaultHTTPTimeout
	Timeout time.Duration
	// Trace logs every JSON-RPC message at debug level
	Trace  bool
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultHTTPTimeout
}

// NewClient creates an unstarted MCP client for the server's transport type
func NewClient(serverCfg *config.ServerConfig, opts Options) (*client.Client, error) {
	switch serverCfg.TransportType() {
	case config.TransportStdio:
		return CreateStdioClient(CreateStdioTransportConfig(serverCfg), opts)
	case config.TransportSSE:
		return CreateSSEClient(serverCfg.URL, opts)
	case config.TransportStreamableHTTP:
		return CreateHTTPClient(serverCfg.URL, opts)
	default:
		return nil, fmt.Errorf("unsupported transport type %q", serverCfg.Type)
	}
}

// CreateHTTPClient creates a new MCP client using streamable HTTP transport
func CreateHTTPClient(url string, opts Options) (*client.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	logger := opts.logger().Named("transport")
	logger.Debug("Creating streamable HTTP client",
		zap.String("url", url),
		zap.Int("header_count", len(opts.Headers)),
		zap.Bool("dynamic_headers", opts.HeaderFunc != nil))

	httpOpts := []transport.StreamableHTTPCOption{
		transport.WithHTTPTimeout(opts.timeout()),
	}
	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, transport.WithHTTPHeaders(opts.Headers))
	}
	if opts.HeaderFunc != nil {
		httpOpts = append(httpOpts, transport.WithHTTPHeaderFunc(transport.HTTPHeaderFunc(opts.HeaderFunc)))
	}

	httpTransport, err := transport.NewStreamableHTTP(url, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	if opts.Trace {
		// Tracing hides the concrete transport, so connection-lost callbacks
		// are not delivered while it is enabled
		return client.NewClient(NewTracingTransport(httpTransport, logger, url)), nil
	}
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient creates a new MCP client using SSE transport
func CreateSSEClient(url string, opts Options) (*client.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	logger := opts.logger().Named("transport")
	logger.Debug("Creating SSE client",
		zap.String("url", url),
		zap.Int("header_count", len(opts.Headers)))

	// SSE keeps one long-lived stream open, so the client timeout only bounds
	// the POST side of the exchange
	httpClient := &http.Client{
		Timeout:   opts.timeout(),
		Transport: NewLoggingTransport(nil, logger, opts.Trace),
	}

	sseOpts := []transport.ClientOption{
		client.WithHTTPClient(httpClient),
	}
	if len(opts.Headers) > 0 {
		sseOpts = append(sseOpts, client.WithHeaders(opts.Headers))
	}
	if opts.HeaderFunc != nil {
		sseOpts = append(sseOpts, transport.WithHeaderFunc(transport.HTTPHeaderFunc(opts.HeaderFunc)))
	}

	sseClient, err := client.NewSSEMCPClient(url, sseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}
