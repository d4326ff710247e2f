package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/observability"
	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
	"github.com/u2sebau2/librechat-custom-sub004/internal/transport"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// authSession rejects initialization unless the expected bearer token is sent
type authSession struct {
	*client.Client
	headers transport.HeaderFunc
	want    string
}

func (s authSession) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if s.headers == nil || s.headers(ctx)["Authorization"] != s.want {
		return nil, errors.New("transport error: request failed with status 401: Unauthorized")
	}
	return s.Client.Initialize(ctx, req)
}

func newMCPServer(name, instructions string, tools ...string) *server.MCPServer {
	s := server.NewMCPServer(name, "1.2.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
	)
	for _, tool := range tools {
		s.AddTool(mcp.NewTool(tool, mcp.WithString("input")),
			func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(fmt.Sprintf("%s:%s:%s", name, req.Params.Name, req.GetString("input", ""))), nil
			})
	}
	return s
}

// sessions serves every configured server in-process and records the
// resolved configs it was asked to build
type sessions struct {
	servers map[string]*server.MCPServer
	auth    map[string]string

	mu       sync.Mutex
	resolved map[string]*config.ServerConfig
}

func (s *sessions) factory() upstream.SessionFactory {
	return func(_ context.Context, cfg *config.ServerConfig, headers transport.HeaderFunc) (upstream.Session, error) {
		s.mu.Lock()
		if s.resolved == nil {
			s.resolved = make(map[string]*config.ServerConfig)
		}
		s.resolved[cfg.Name] = cfg
		s.mu.Unlock()

		srv, ok := s.servers[cfg.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if want := s.auth[cfg.Name]; want != "" {
			return authSession{Client: c, headers: headers, want: want}, nil
		}
		return c, nil
	}
}

func (s *sessions) lastResolved(name string) *config.ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved[name]
}

// authServer issues tok-<n> access tokens and counts revocations
type authServer struct {
	*httptest.Server
	revoked atomic.Int32
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	a := &authServer{}
	var issued atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("tok-%d", n),
			"token_type":    "Bearer",
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, _ *http.Request) {
		a.revoked.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

func (a *authServer) serverConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Type: config.TransportStreamableHTTP,
		URL:  a.URL + "/mcp",
		OAuth: &config.OAuthConfig{
			AuthorizationURL:   a.URL + "/authorize",
			TokenURL:           a.URL + "/token",
			ClientID:           "static-client",
			ClientSecret:       "static-secret",
			RevocationEndpoint: a.URL + "/revoke",
		},
	}
}

type testEnv struct {
	manager  *Manager
	sessions *sessions
	auth     *authServer
	handler  *oauth.Handler
	db       *storage.BoltDB
	obs      *observability.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auth := newAuthServer(t)

	db, err := storage.NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	flowCfg := flow.Config{TTL: time.Minute, PollInterval: 10 * time.Millisecond}
	tokens := oauth.NewTokenStorage(db.Tokens(), flow.NewManager[*oauth.TokenSet](flow.NewMemoryStore(), flowCfg, logger), logger)
	handler := oauth.NewHandler(flow.NewManager[*oauth.TokenSet](flow.NewMemoryStore(), flowCfg, logger), tokens,
		oauth.HandlerConfig{RedirectBase: "http://localhost:3180", HTTPClient: auth.Client()}, logger)

	settings := config.DefaultMCPSettings()
	settings.MaxReconnectAttempts = 1
	settings.ReconnectBaseDelay = config.Duration(time.Millisecond)
	settings.ReconnectMaxDelay = config.Duration(2 * time.Millisecond)
	settings.InitTimeout = config.Duration(2 * time.Second)
	settings.OAuthDetectionTimeout = config.Duration(2 * time.Second)

	sess := &sessions{
		servers: map[string]*server.MCPServer{
			"files":    newMCPServer("files", "Use files for documents.", "read", "write"),
			"personal": newMCPServer("personal", "", "profile"),
			"secure":   newMCPServer("secure", "", "inbox"),
		},
		auth: map[string]string{"secure": "Bearer tok-1"},
	}

	obs, err := observability.NewManager(logger.Sugar(), observability.Config{})
	require.NoError(t, err)

	m, err := New(Options{
		Config: &config.Config{
			MCP: settings,
			Servers: map[string]*config.ServerConfig{
				"files": {Command: "files-mcp", ServerInstructions: config.Instructions{UseServer: true}},
				"personal": {
					Command:        "personal-mcp",
					Headers:        map[string]string{"X-Api-Key": "{{API_KEY}}", "X-User": "{{USER_ID}}"},
					CustomUserVars: map[string]config.CustomUserVar{"API_KEY": {Title: "API key"}},
				},
				"secure": auth.serverConfig(),
			},
		},
		OAuth:         handler,
		Sessions:      sess.factory(),
		Activity:      db.Activity(),
		Observability: obs,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	require.NoError(t, m.Initialize(context.Background()))
	return &testEnv{manager: m, sessions: sess, auth: auth, handler: handler, db: db, obs: obs}
}

func user(id string) *config.UserInfo { return &config.UserInfo{ID: id} }

func stateFromURL(t *testing.T, authorizationURL string) string {
	t.Helper()
	u, err := url.Parse(authorizationURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func scrape(t *testing.T, obs *observability.Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	obs.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestInitializeBuildsAppPool(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager

	assert.True(t, m.Initialized())
	assert.Equal(t, []string{"secure"}, m.GetOAuthServers())
	assert.Contains(t, m.GetAllConnections(), "files")
	assert.NotContains(t, m.GetAllConnections(), "personal", "servers needing user values are never shared")
	assert.Len(t, m.GetAllServers(), 3)

	tools := m.GetAppToolFunctions()
	assert.Contains(t, tools, "read_mcp_files")
	assert.Contains(t, tools, "profile_mcp_personal")
	assert.NotContains(t, tools, "inbox_mcp_secure")

	metrics := scrape(t, env.obs)
	assert.Contains(t, metrics, "mcpconnect_app_connections 1")
	assert.Contains(t, metrics, `mcpconnect_servers{state="app"} 2`)
	assert.Contains(t, metrics, `mcpconnect_servers{state="oauth"} 1`)
}

func TestCallToolUsesAppConnection(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.manager.CallTool(context.Background(), CallToolRequest{
		ServerName: "files",
		ToolName:   "read",
		Arguments:  map[string]interface{}{"input": "a.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "files:read:a.txt", resp.Content)
	assert.False(t, resp.IsError)

	_, err = env.manager.CallTool(context.Background(), CallToolRequest{ServerName: "ghost", ToolName: "x"})
	assert.ErrorIs(t, err, upstream.ErrUnknownServer)

	_, err = env.manager.CallTool(context.Background(), CallToolRequest{ServerName: "files", ToolName: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server 'files'")

	assert.Contains(t, scrape(t, env.obs), `mcpconnect_tool_calls_total{server="files",status="success",tool="read"} 1`)
}

func TestCallToolUserConnectionResolvesUserValues(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager
	ctx := context.Background()

	_, err := m.CallTool(ctx, CallToolRequest{ServerName: "personal", ToolName: "profile"})
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = m.CallTool(ctx, CallToolRequest{User: user("u1"), ServerName: "personal", ToolName: "profile"})
	assert.ErrorIs(t, err, ErrMissingUserVars)
	assert.Contains(t, err.Error(), "API_KEY")

	resp, err := m.CallTool(ctx, CallToolRequest{
		User:           user("u1"),
		ServerName:     "personal",
		ToolName:       "profile",
		Arguments:      map[string]interface{}{"input": "me"},
		CustomUserVars: map[string]string{"API_KEY": "k-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "personal:profile:me", resp.Content)

	resolved := env.sessions.lastResolved("personal")
	require.NotNil(t, resolved)
	assert.Equal(t, "k-1", resolved.Headers["X-Api-Key"])
	assert.Equal(t, "u1", resolved.Headers["X-User"])

	assert.Contains(t, m.GetUserConnections("u1"), "personal")
	assert.Empty(t, m.GetUserConnections("u2"))

	records, err := env.db.Activity().List(storage.ActivityFilter{Type: storage.ActivityToolCall, UserID: "u1"})
	require.NoError(t, err)
	statuses := make([]string, 0, len(records))
	for _, r := range records {
		statuses = append(statuses, r.Status)
	}
	assert.ElementsMatch(t, []string{statusError, statusSuccess}, statuses)
}

func TestOAuthServerFlow(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager
	ctx := context.Background()

	var started string
	_, err := m.CallTool(ctx, CallToolRequest{
		User:          user("u1"),
		ServerName:    "secure",
		ToolName:      "inbox",
		ReturnOnOAuth: true,
		OAuthStart: func(_ context.Context, authorizationURL string) error {
			started = authorizationURL
			return nil
		},
	})
	var pending *upstream.OAuthPendingError
	require.True(t, errors.As(err, &pending), "got %v", err)
	assert.Equal(t, started, pending.AuthorizationURL)

	result, err := m.CompleteOAuth(ctx, stateFromURL(t, pending.AuthorizationURL), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "secure", result.ServerName)
	assert.Equal(t, "u1", result.UserID)

	conn, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, conn.IsConnected(ctx))

	resp, err := m.CallTool(ctx, CallToolRequest{User: user("u1"), ServerName: "secure", ToolName: "inbox"})
	require.NoError(t, err)
	assert.Equal(t, "secure:inbox:", resp.Content)

	assert.Contains(t, m.GetAllToolFunctions(ctx, "u1"), "inbox_mcp_secure")
	assert.Contains(t, m.GetAllToolFunctions(ctx, "u1"), "read_mcp_files")
	assert.NotContains(t, m.GetAllToolFunctions(ctx, ""), "inbox_mcp_secure")

	require.NoError(t, m.RevokeUserTokens(ctx, "u1", "secure"))
	assert.Equal(t, int32(2), env.auth.revoked.Load(), "access and refresh tokens are revoked")
	stored, err := env.handler.Tokens().StoredTokens(ctx, "u1", "secure")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.NotContains(t, m.GetUserConnections("u1"), "secure")

	oauthRecords, err := env.db.Activity().List(storage.ActivityFilter{Type: storage.ActivityOAuth, UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, oauthRecords, 2)

	metrics := scrape(t, env.obs)
	assert.Contains(t, metrics, `mcpconnect_oauth_flows_total{result="completed",server="secure"} 1`)
	assert.Contains(t, metrics, `mcpconnect_oauth_flows_total{result="revoked",server="secure"} 1`)
}

func TestCancelOAuth(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager
	ctx := context.Background()

	_, err := m.CallTool(ctx, CallToolRequest{User: user("u2"), ServerName: "secure", ToolName: "inbox", ReturnOnOAuth: true})
	var pending *upstream.OAuthPendingError
	require.True(t, errors.As(err, &pending), "got %v", err)

	canceled, err := m.CancelOAuth(ctx, "secure", "u2")
	require.NoError(t, err)
	assert.True(t, canceled)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = pending.Wait(waitCtx)
	require.Error(t, err)
	assert.True(t, oauth.IsCanceled(err), "got %v", err)

	canceled, err = m.CancelOAuth(ctx, "secure", "u2")
	require.NoError(t, err)
	assert.False(t, canceled)

	authURL, err := url.Parse(pending.AuthorizationURL)
	require.NoError(t, err)
	_, err = m.CompleteOAuth(ctx, authURL.Query().Get("state"), "late-code")
	require.ErrorIs(t, err, oauth.ErrFlowNotPending)
	assert.True(t, oauth.IsCanceled(err), "a late callback reports the cancellation")

	metrics := scrape(t, env.obs)
	assert.Contains(t, metrics, `mcpconnect_oauth_flows_total{result="canceled",server="secure"} 1`)
	assert.NotContains(t, metrics, `result="failed"`)
}

func TestReinitialize(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager
	ctx := context.Background()

	before := m.GetAllConnections()["files"]
	require.NotNil(t, before)

	state, err := m.Reinitialize(ctx, "files")
	require.NoError(t, err)
	assert.True(t, state.Available)
	assert.True(t, state.AppEligible)

	after := m.GetAllConnections()["files"]
	require.NotNil(t, after)
	assert.NotEqual(t, before.ID(), after.ID())

	_, err = m.Reinitialize(ctx, "ghost")
	assert.ErrorIs(t, err, upstream.ErrUnknownServer)
}

func TestInstructions(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, map[string]string{"files": "Use files for documents."}, env.manager.GetInstructions())
	formatted := env.manager.FormatInstructionsForContext()
	assert.Contains(t, formatted, "# MCP Server Instructions")
	assert.Contains(t, formatted, "## files MCP Server Instructions\n\nUse files for documents.")
	assert.Empty(t, env.manager.FormatInstructionsForContext("personal"))
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager
	ctx := context.Background()

	_, err := m.CallTool(ctx, CallToolRequest{
		User:           user("u1"),
		ServerName:     "personal",
		ToolName:       "profile",
		CustomUserVars: map[string]string{"API_KEY": "k"},
	})
	require.NoError(t, err)
	conn := m.GetUserConnections("u1")["personal"]
	require.NotNil(t, conn)

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.GetAllConnections())
	assert.Empty(t, m.GetUserConnections("u1"))
	assert.False(t, conn.IsConnected(ctx))
	require.NoError(t, m.Shutdown(ctx))
}

func TestServerStateSnapshot(t *testing.T) {
	env := newTestEnv(t)
	byName := make(map[string]registry.ServerState)
	for _, s := range env.manager.GetAllServers() {
		byName[s.Name] = s
	}
	assert.Equal(t, registry.MethodConnectionAuthError, byName["secure"].OAuthMethod)
	assert.Equal(t, "1.2.0", byName["files"].ServerVersion)
}
