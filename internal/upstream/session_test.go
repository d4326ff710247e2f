package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/transport"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
)

// fakeSession is a scriptable Session for state machine edge cases
type fakeSession struct {
	headers transport.HeaderFunc

	initErr   error
	initDelay time.Duration
	pingErr   error
	callErr   error

	// requireAuth rejects initialization unless this Authorization value is sent
	requireAuth string

	closed atomic.Bool

	mu     sync.Mutex
	onLost func(error)
	seen   map[string]string
}

func (s *fakeSession) Start(context.Context) error { return nil }

func (s *fakeSession) Initialize(ctx context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	var h map[string]string
	if s.headers != nil {
		h = s.headers(ctx)
		s.mu.Lock()
		s.seen = h
		s.mu.Unlock()
	}
	if s.requireAuth != "" && h["Authorization"] != s.requireAuth {
		return nil, errors.New("transport error: request failed with status 401: Unauthorized")
	}
	if s.initDelay > 0 {
		select {
		case <-time.After(s.initDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.initErr != nil {
		return nil, s.initErr
	}
	return &mcp.InitializeResult{
		ServerInfo:   mcp.Implementation{Name: "fake", Version: "0.1.0"},
		Instructions: "fake instructions",
	}, nil
}

func (s *fakeSession) Ping(context.Context) error { return s.pingErr }

func (s *fakeSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("noop")}}, nil
}

func (s *fakeSession) ListResources(context.Context, mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (s *fakeSession) ListPrompts(context.Context, mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}

func (s *fakeSession) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	return mcp.NewToolResultText("done"), nil
}

func (s *fakeSession) OnConnectionLost(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = handler
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// lose simulates the transport dropping
func (s *fakeSession) lose(err error) {
	s.mu.Lock()
	handler := s.onLost
	s.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (s *fakeSession) seenHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// scriptedBuilder hands out sessions from next, counting builds
type scriptedBuilder struct {
	builds atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
	next     func(n int) *fakeSession
}

func (b *scriptedBuilder) build(_ context.Context, headers transport.HeaderFunc) (Session, error) {
	n := int(b.builds.Add(1))
	s := b.next(n)
	if s == nil {
		return nil, errors.New("connection refused")
	}
	s.headers = headers
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *scriptedBuilder) last() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

func healthyBuilder() *scriptedBuilder {
	return &scriptedBuilder{next: func(int) *fakeSession { return &fakeSession{} }}
}

func fastPolicy(attempts int) ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0.1}
}

// newTestMCPServer builds an in-process MCP server with an echo tool
func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("test-server", "1.2.3",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithInstructions("use echo to repeat text"),
	)
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the message back"),
		mcp.WithString("message", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(msg), nil
	})
	s.AddResource(mcp.NewResource("test://readme", "readme"), func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: "test://readme", Text: "hello"}}, nil
	})
	s.AddPrompt(mcp.NewPrompt("greet"), func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return mcp.NewGetPromptResult("greet", nil), nil
	})
	return s
}

func inProcessBuilder(t *testing.T, s *server.MCPServer) SessionBuilder {
	t.Helper()
	return func(context.Context, transport.HeaderFunc) (Session, error) {
		c, err := client.NewInProcessClient(s)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// eventRecorder collects events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) listen(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind types.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func waitForState(t *testing.T, c *Connection, want types.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"connection never reached %s (now %s)", want, c.State())
}
