package upstream

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
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
	"github.com/u2sebau2/librechat-custom-sub004/internal/transport"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// oauthEnv is an authorization server issuing tok-<n> access tokens plus a
// handler configured against it
type oauthEnv struct {
	server    *httptest.Server
	handler   *oauth.Handler
	exchanges atomic.Int32
}

func newOAuthEnv(t *testing.T) *oauthEnv {
	t.Helper()
	env := &oauthEnv{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := env.exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("tok-%d", n),
			"token_type":    "Bearer",
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"expires_in":    3600,
		})
	})
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	db, err := storage.NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	flowCfg := flow.Config{TTL: time.Minute, PollInterval: 10 * time.Millisecond}
	tokens := oauth.NewTokenStorage(db.Tokens(), flow.NewManager[*oauth.TokenSet](flow.NewMemoryStore(), flowCfg, logger), logger)
	env.handler = oauth.NewHandler(flow.NewManager[*oauth.TokenSet](flow.NewMemoryStore(), flowCfg, logger), tokens,
		oauth.HandlerConfig{RedirectBase: "http://localhost:3180", HTTPClient: env.server.Client()}, logger)
	return env
}

func (e *oauthEnv) serverConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Type: config.TransportStreamableHTTP,
		URL:  e.server.URL + "/mcp",
		OAuth: &config.OAuthConfig{
			AuthorizationURL: e.server.URL + "/authorize",
			TokenURL:         e.server.URL + "/token",
			ClientID:         "static-client",
			ClientSecret:     "static-secret",
		},
	}
}

// approve plays the user at the authorization endpoint and delivers the callback
func (e *oauthEnv) approve(t *testing.T, authorizationURL string) *oauth.CallbackResult {
	t.Helper()
	u, err := url.Parse(authorizationURL)
	require.NoError(t, err)
	result, err := e.handler.CompleteOAuthCallback(context.Background(), u.Query().Get("state"), "code-1")
	require.NoError(t, err)
	return result
}

// authedSessions requires the given bearer token on initialize
func authedSessions(want string, builds *atomic.Int32) SessionFactory {
	return func(_ context.Context, _ *config.ServerConfig, headers transport.HeaderFunc) (Session, error) {
		builds.Add(1)
		return &fakeSession{headers: headers, requireAuth: want}, nil
	}
}

func TestFactoryResolvesPlaceholders(t *testing.T) {
	var captured *config.ServerConfig
	factory := NewConnectionFactory(FactoryConfig{
		Env: map[string]string{"REGION": "eu"},
		Sessions: func(_ context.Context, cfg *config.ServerConfig, _ transport.HeaderFunc) (Session, error) {
			captured = cfg
			return &fakeSession{}, nil
		},
	}, zap.NewNop())

	template := &config.ServerConfig{
		Type:    config.TransportStreamableHTTP,
		URL:     "https://${REGION}.example.com/{{USER_ID}}/mcp",
		Headers: map[string]string{"X-Api-Key": "{{API_KEY}}"},
	}
	conn, err := factory.Create(context.Background(), CreateOptions{
		ServerName:     "templated",
		Config:         template,
		User:           &config.UserInfo{ID: "u1"},
		CustomUserVars: map[string]string{"API_KEY": "k-123"},
	})
	require.NoError(t, err)
	defer conn.Disconnect()

	require.NotNil(t, captured)
	assert.Equal(t, "https://eu.example.com/u1/mcp", captured.URL)
	assert.Equal(t, "k-123", captured.Headers["X-Api-Key"])
	assert.Equal(t, "templated", captured.Name)
	assert.Equal(t, "{{API_KEY}}", template.Headers["X-Api-Key"], "template must stay untouched")
	assert.Equal(t, "u1", conn.UserID())
}

func TestFactoryUnknownServer(t *testing.T) {
	factory := NewConnectionFactory(FactoryConfig{}, zap.NewNop())
	_, err := factory.Create(context.Background(), CreateOptions{ServerName: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestFactoryConnectionFailureSkipsOAuth(t *testing.T) {
	env := newOAuthEnv(t)
	factory := NewConnectionFactory(FactoryConfig{
		OAuth: env.handler,
		Sessions: func(context.Context, *config.ServerConfig, transport.HeaderFunc) (Session, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}, zap.NewNop())

	started := false
	_, err := factory.Create(context.Background(), CreateOptions{
		ServerName: "down",
		Config:     env.serverConfig(),
		User:       &config.UserInfo{ID: "u1"},
		OAuthStart: func(context.Context, string) error { started = true; return nil },
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOAuthRequired)
	assert.False(t, started)
}

func TestFactoryReturnOnOAuthResolvesAfterCallback(t *testing.T) {
	env := newOAuthEnv(t)
	var builds atomic.Int32
	factory := NewConnectionFactory(FactoryConfig{OAuth: env.handler, Sessions: authedSessions("Bearer tok-1", &builds)}, zap.NewNop())

	var authURL string
	ended := make(chan struct{})
	_, err := factory.Create(context.Background(), CreateOptions{
		ServerName:    "secure",
		Config:        env.serverConfig(),
		User:          &config.UserInfo{ID: "u1"},
		RequiresOAuth: true,
		ReturnOnOAuth: true,
		OAuthStart:    func(_ context.Context, u string) error { authURL = u; return nil },
		OAuthEnd:      func(context.Context) { close(ended) },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOAuthPending)
	assert.Equal(t, int32(0), builds.Load(), "no connect attempt without tokens")

	var pending *OAuthPendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, authURL, pending.AuthorizationURL)
	assert.Equal(t, env.handler.GenerateFlowID("u1", "secure"), pending.FlowID)

	result := env.approve(t, pending.AuthorizationURL)
	assert.Equal(t, "secure", result.ServerName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := pending.Wait(ctx)
	require.NoError(t, err)
	defer conn.Disconnect()
	assert.Equal(t, types.StateConnected, conn.State())

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("oauthEnd hook was not called")
	}

	stored, err := env.handler.Tokens().GetTokens(ctx, oauth.GetTokensRequest{UserID: "u1", ServerName: "secure"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "tok-1", stored.AccessToken)
}

func TestFactoryBlocksUntilAuthorized(t *testing.T) {
	env := newOAuthEnv(t)
	var builds atomic.Int32
	factory := NewConnectionFactory(FactoryConfig{OAuth: env.handler, Sessions: authedSessions("Bearer tok-1", &builds)}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := factory.Create(ctx, CreateOptions{
		ServerName:    "secure",
		Config:        env.serverConfig(),
		User:          &config.UserInfo{ID: "u2"},
		RequiresOAuth: true,
		OAuthStart: func(_ context.Context, u string) error {
			parsed, err := url.Parse(u)
			if err != nil {
				return err
			}
			go func() {
				_, _ = env.handler.CompleteOAuthCallback(context.Background(), parsed.Query().Get("state"), "code-1")
			}()
			return nil
		},
	})
	require.NoError(t, err)
	defer conn.Disconnect()
	assert.Equal(t, types.StateConnected, conn.State())
	assert.Equal(t, int32(1), builds.Load())
}

func TestFactoryUsesStoredTokens(t *testing.T) {
	env := newOAuthEnv(t)
	require.NoError(t, env.handler.Tokens().StoreTokens(context.Background(), oauth.StoreTokensRequest{
		UserID:     "u3",
		ServerName: "secure",
		Tokens:     &oauth.TokenSet{AccessToken: "stored", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)},
	}))

	var builds atomic.Int32
	factory := NewConnectionFactory(FactoryConfig{OAuth: env.handler, Sessions: authedSessions("Bearer stored", &builds)}, zap.NewNop())
	conn, err := factory.Create(context.Background(), CreateOptions{
		ServerName:    "secure",
		Config:        env.serverConfig(),
		User:          &config.UserInfo{ID: "u3"},
		RequiresOAuth: true,
		OAuthStart: func(context.Context, string) error {
			return errors.New("must not start OAuth")
		},
	})
	require.NoError(t, err)
	defer conn.Disconnect()
	assert.Equal(t, types.StateConnected, conn.State())
}

func TestFactoryRejectedCredentialsStartOAuth(t *testing.T) {
	env := newOAuthEnv(t)
	var builds atomic.Int32
	factory := NewConnectionFactory(FactoryConfig{OAuth: env.handler, Sessions: authedSessions("Bearer tok-1", &builds)}, zap.NewNop())

	_, err := factory.Create(context.Background(), CreateOptions{
		ServerName:    "undetected",
		Config:        env.serverConfig(),
		User:          &config.UserInfo{ID: "u4"},
		ReturnOnOAuth: true,
	})
	assert.ErrorIs(t, err, ErrOAuthPending)
	assert.Equal(t, int32(1), builds.Load(), "one rejected attempt before OAuth")
}

func TestFactoryConcurrentCallersShareAuthorization(t *testing.T) {
	env := newOAuthEnv(t)
	var builds atomic.Int32
	factory := NewConnectionFactory(FactoryConfig{OAuth: env.handler, Sessions: authedSessions("Bearer tok-1", &builds)}, zap.NewNop())

	var (
		mu   sync.Mutex
		urls = map[string]bool{}
		wg   sync.WaitGroup
	)
	pendings := make([]*OAuthPendingError, 4)
	for i := range pendings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := factory.Create(context.Background(), CreateOptions{
				ServerName:    "secure",
				Config:        env.serverConfig(),
				User:          &config.UserInfo{ID: "u5"},
				RequiresOAuth: true,
				ReturnOnOAuth: true,
				OAuthStart: func(_ context.Context, u string) error {
					mu.Lock()
					urls[u] = true
					mu.Unlock()
					return nil
				},
			})
			var pending *OAuthPendingError
			if errors.As(err, &pending) {
				pendings[i] = pending
			}
		}()
	}
	wg.Wait()
	assert.Len(t, urls, 1, "one authorization URL for concurrent callers")

	for u := range urls {
		env.approve(t, u)
	}
	for _, pending := range pendings {
		require.NotNil(t, pending)
		conn, err := pending.Wait(context.Background())
		require.NoError(t, err)
		_ = conn.Disconnect()
	}
	assert.Equal(t, int32(1), env.exchanges.Load())
}
