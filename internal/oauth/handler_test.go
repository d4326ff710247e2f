package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
)

type testEnv struct {
	handler *Handler
	tokens  *TokenStorage
	fake    *fakeAuthServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := newFakeAuthServer(t)

	db, err := storage.NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	refreshFlows := flow.NewManager[*TokenSet](flow.NewMemoryStore(), flow.Config{TTL: RefreshFlowTTL, PollInterval: 10 * time.Millisecond}, logger)
	oauthFlows := flow.NewManager[*TokenSet](flow.NewMemoryStore(), flow.Config{TTL: time.Minute, PollInterval: 10 * time.Millisecond}, logger)
	tokens := NewTokenStorage(db.Tokens(), refreshFlows, logger)

	handler := NewHandler(oauthFlows, tokens, HandlerConfig{
		RedirectBase: "http://localhost:3180",
		HTTPClient:   fake.Client(),
	}, logger)
	return &testEnv{handler: handler, tokens: tokens, fake: fake}
}

// approve plays the user's part at the authorization endpoint and returns the code
func (e *testEnv) approve(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	return e.fake.issueCode(q.Get("code_challenge")), q.Get("state")
}

func TestInitiateAndCompleteRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	serverURL := env.fake.URL + "/mcp"

	auth, err := env.handler.InitiateOAuthFlow(ctx, "github", serverURL, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, env.handler.GenerateFlowID("user-1", "github"), auth.FlowID)
	assert.True(t, strings.HasPrefix(auth.AuthorizationURL, env.fake.URL+"/authorize?"))

	u, err := url.Parse(auth.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://localhost:3180"+CallbackPath, q.Get("redirect_uri"))
	assert.Equal(t, serverURL, q.Get("resource"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.True(t, strings.HasPrefix(q.Get("state"), auth.FlowID+"."))

	code, state := env.approve(t, auth.AuthorizationURL)
	result, err := env.handler.CompleteOAuthCallback(ctx, state, code)
	require.NoError(t, err)
	assert.Equal(t, "github", result.ServerName)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "access-initial-token", result.Tokens.AccessToken)
	assert.Equal(t, serverURL, env.fake.exchangedResource())

	stored, err := env.tokens.GetTokens(ctx, GetTokensRequest{UserID: "user-1", ServerName: "github"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "access-initial-token", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.False(t, stored.Expired(time.Now(), DefaultExpiryLeeway))

	clientInfo, metadata, err := env.tokens.GetClientInfoAndMetadata(ctx, "user-1", "github")
	require.NoError(t, err)
	require.NotNil(t, clientInfo)
	assert.Equal(t, "client-1", clientInfo.ClientID)
	assert.Equal(t, env.fake.URL+"/token", metadata.TokenEndpoint)

	// The flow is settled; a second callback is rejected
	_, err = env.handler.CompleteOAuthCallback(ctx, state, code)
	assert.ErrorIs(t, err, ErrFlowNotPending)
}

func TestConcurrentInitiationSharesFlow(t *testing.T) {
	env := newTestEnv(t)
	serverURL := env.fake.URL + "/mcp"

	const callers = 8
	urls := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			auth, err := env.handler.InitiateOAuthFlow(context.Background(), "linear", serverURL, "user-2", nil)
			errs[i] = err
			if err == nil {
				urls[i] = auth.AuthorizationURL
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, urls[0], urls[i])
	}
	assert.Equal(t, int32(1), env.fake.registrations.Load())

	// A later initiation while the flow is pending reuses it too
	auth, err := env.handler.InitiateOAuthFlow(context.Background(), "linear", serverURL, "user-2", nil)
	require.NoError(t, err)
	assert.Equal(t, urls[0], auth.AuthorizationURL)
	assert.Equal(t, int32(1), env.fake.registrations.Load())
}

func TestInitiationOutlivesCanceledCaller(t *testing.T) {
	env := newTestEnv(t)
	serverURL := env.fake.URL + "/mcp"
	entered, release := env.fake.holdRegistration()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.handler.InitiateOAuthFlow(firstCtx, "notion", serverURL, "user-5", nil)
		firstErr <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("registration never started")
	}

	type outcome struct {
		auth *Authorization
		err  error
	}
	joined := make(chan outcome, 1)
	go func() {
		auth, err := env.handler.InitiateOAuthFlow(context.Background(), "notion", serverURL, "user-5", nil)
		joined <- outcome{auth, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(release)
	select {
	case res := <-joined:
		require.NoError(t, res.err)
		assert.Contains(t, res.auth.AuthorizationURL, "client_id=client-1")
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller did not return")
	}
	assert.Equal(t, int32(1), env.fake.registrations.Load())
}

func TestWaitersObserveCompletedTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auth, err := env.handler.InitiateOAuthFlow(ctx, "github", env.fake.URL+"/mcp", "user-1", nil)
	require.NoError(t, err)

	results := make(chan *TokenSet, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tokens, err := env.handler.Flows().WaitForFlow(ctx, auth.FlowID, FlowTypeOAuth)
			if err == nil {
				results <- tokens
			}
		}()
	}

	code, state := env.approve(t, auth.AuthorizationURL)
	_, err = env.handler.CompleteOAuthCallback(ctx, state, code)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case tokens := <-results:
			assert.Equal(t, "access-initial-token", tokens.AccessToken)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not observe the completed flow")
		}
	}
}

func TestCallbackRejectsForgedState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auth, err := env.handler.InitiateOAuthFlow(ctx, "github", env.fake.URL+"/mcp", "user-1", nil)
	require.NoError(t, err)
	code, _ := env.approve(t, auth.AuthorizationURL)

	tests := []struct {
		name  string
		state string
		want  error
	}{
		{"no separator", "garbage", ErrStateMismatch},
		{"wrong random part", auth.FlowID + ".deadbeef", ErrStateMismatch},
		{"unknown flow", "0123456789abcdef.deadbeef", ErrFlowNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.handler.CompleteOAuthCallback(ctx, tt.state, code)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int32(0), env.fake.exchanges.Load())
}

func TestFailedExchangeFailsFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auth, err := env.handler.InitiateOAuthFlow(ctx, "github", env.fake.URL+"/mcp", "user-1", nil)
	require.NoError(t, err)

	_, err = env.handler.CompleteOAuthFlow(ctx, auth.FlowID, "never-issued")
	require.Error(t, err)

	_, err = env.handler.Flows().WaitForFlow(ctx, auth.FlowID, FlowTypeOAuth)
	var failed *flow.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Message, "token exchange failed")

	// A new initiation replaces the failed flow
	again, err := env.handler.InitiateOAuthFlow(ctx, "github", env.fake.URL+"/mcp", "user-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, auth.AuthorizationURL, again.AuthorizationURL)
}

func TestCancelOAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auth, err := env.handler.InitiateOAuthFlow(ctx, "github", env.fake.URL+"/mcp", "user-1", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := env.handler.Flows().WaitForFlow(ctx, auth.FlowID, FlowTypeOAuth)
		errCh <- err
	}()

	canceled, err := env.handler.CancelOAuthFlow(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.True(t, canceled)

	select {
	case err := <-errCh:
		assert.True(t, IsCanceled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by cancel")
	}

	canceled, err = env.handler.CancelOAuthFlow(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.False(t, canceled)
}

func TestPreconfiguredClientSkipsDiscovery(t *testing.T) {
	env := newTestEnv(t)
	env.fake.publishResource.Store(false)
	env.fake.publishAS.Store(false)

	cfg := &config.OAuthConfig{
		AuthorizationURL:    env.fake.URL + "/authorize",
		TokenURL:            env.fake.URL + "/token",
		ClientID:            "static-client",
		ClientSecret:        "static-secret",
		Scope:               "repo",
		TokenExchangeMethod: config.TokenExchangeBasicHeader,
	}
	auth, err := env.handler.InitiateOAuthFlow(context.Background(), "static", env.fake.URL+"/mcp", "user-3", cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(0), env.fake.registrations.Load())

	u, err := url.Parse(auth.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "static-client", u.Query().Get("client_id"))
	assert.Equal(t, "repo", u.Query().Get("scope"))
	assert.Empty(t, u.Query().Get("resource"))

	code, state := env.approve(t, auth.AuthorizationURL)
	tokens, err := env.handler.CompleteOAuthCallback(context.Background(), state, code)
	require.NoError(t, err)
	assert.Equal(t, "access-initial-token", tokens.Tokens.AccessToken)
}

func TestRegistrationUnsupportedWithoutClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.handler.RegisterClient(context.Background(), "x", &AuthorizationServerMetadata{}, "http://cb", nil)
	assert.Error(t, err)
}

func TestRefreshOAuthTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := &ClientInformation{ClientID: "client-9", ClientSecret: "s", TokenEndpointAuthMethod: "client_secret_basic"}

	tokens, err := env.handler.RefreshOAuthTokens(ctx, "refresh-1", RefreshRequest{
		ServerName: "github",
		ServerURL:  env.fake.URL + "/mcp",
		ClientInfo: client,
	})
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", tokens.AccessToken)
	assert.Equal(t, "refresh-2", tokens.RefreshToken)

	_, err = env.handler.RefreshOAuthTokens(ctx, "revoked", RefreshRequest{
		ServerName: "github",
		ClientInfo: client,
		Metadata:   &AuthorizationServerMetadata{TokenEndpoint: env.fake.URL + "/token"},
	})
	assert.ErrorIs(t, err, ErrRefreshFailed)

	_, err = env.handler.RefreshOAuthTokens(ctx, "", RefreshRequest{})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestRevokeOAuthToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.handler.RevokeOAuthToken(ctx, "github", "tok-1", TokenHintRefresh, RevokeRequest{
		ServerURL:    env.fake.URL + "/mcp",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	})
	require.NoError(t, err)
	authHeader, form := env.fake.lastRevoke()
	assert.True(t, strings.HasPrefix(authHeader, "Basic "))
	assert.Equal(t, "tok-1", form["token"])
	assert.Equal(t, "refresh_token", form["token_type_hint"])
	assert.Empty(t, form["client_secret"])

	err = env.handler.RevokeOAuthToken(ctx, "github", "tok-2", TokenHintAccess, RevokeRequest{
		ClientID:           "client-1",
		ClientSecret:       "secret-1",
		RevocationEndpoint: env.fake.URL + "/revoke",
		AuthMethods:        []string{"client_secret_post"},
	})
	require.NoError(t, err)
	authHeader, form = env.fake.lastRevoke()
	assert.Empty(t, authHeader)
	assert.Equal(t, "secret-1", form["client_secret"])
	assert.Equal(t, int32(2), env.fake.revocations.Load())

	err = env.handler.RevokeOAuthToken(ctx, "github", "tok-3", TokenHintAccess, RevokeRequest{
		RevocationEndpoint: env.fake.URL + "/missing",
	})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}
