package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedExpiredTokens(t *testing.T, env *testEnv, userID, serverName, refreshToken string) {
	t.Helper()
	err := env.tokens.StoreTokens(context.Background(), StoreTokensRequest{
		UserID:     userID,
		ServerName: serverName,
		Tokens: &TokenSet{
			AccessToken:  "access-expired",
			TokenType:    "Bearer",
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().Add(-time.Minute),
		},
		ClientInfo: &ClientInformation{ClientID: "client-7", ClientSecret: "secret-7", TokenEndpointAuthMethod: "client_secret_post"},
		Metadata:   &AuthorizationServerMetadata{TokenEndpoint: env.fake.URL + "/token"},
	})
	require.NoError(t, err)
}

func TestGetTokensMissing(t *testing.T) {
	env := newTestEnv(t)
	tokens, err := env.tokens.GetTokens(context.Background(), GetTokensRequest{UserID: "nobody", ServerName: "github"})
	require.NoError(t, err)
	assert.Nil(t, tokens)
}

func TestGetTokensConcurrentRefreshCollapses(t *testing.T) {
	env := newTestEnv(t)
	env.fake.refreshDelay.Store(int64(100 * time.Millisecond))
	seedExpiredTokens(t, env, "user-1", "github", "refresh-1")

	refresh := env.handler.RefreshFunc(env.fake.URL+"/mcp", nil)

	const callers = 10
	results := make([]*TokenSet, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.tokens.GetTokens(context.Background(), GetTokensRequest{
				UserID:     "user-1",
				ServerName: "github",
				Refresh:    refresh,
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), env.fake.refreshes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-refreshed-1", results[i].AccessToken)
		assert.False(t, results[i].Expired(time.Now(), DefaultExpiryLeeway))
	}

	// The rotated refresh token was persisted
	stored, err := env.tokens.GetTokens(context.Background(), GetTokensRequest{UserID: "user-1", ServerName: "github"})
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", stored.RefreshToken)

	// The client record survives a refresh
	clientInfo, _, err := env.tokens.GetClientInfoAndMetadata(context.Background(), "user-1", "github")
	require.NoError(t, err)
	assert.Equal(t, "client-7", clientInfo.ClientID)
}

func TestGetTokensLaterRoundRefreshesAgain(t *testing.T) {
	env := newTestEnv(t)
	refresh := env.handler.RefreshFunc(env.fake.URL+"/mcp", nil)
	ctx := context.Background()

	seedExpiredTokens(t, env, "user-1", "github", "refresh-1")
	first, err := env.tokens.GetTokens(ctx, GetTokensRequest{UserID: "user-1", ServerName: "github", Refresh: refresh})
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", first.AccessToken)

	// Expire again: the settled flow from the first round must not be replayed
	seedExpiredTokens(t, env, "user-1", "github", "refresh-2")
	second, err := env.tokens.GetTokens(ctx, GetTokensRequest{UserID: "user-1", ServerName: "github", Refresh: refresh})
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-2", second.AccessToken)
	assert.Equal(t, int32(2), env.fake.refreshes.Load())
}

func TestGetTokensExpiredWithoutRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	seedExpiredTokens(t, env, "user-1", "github", "")

	_, err := env.tokens.GetTokens(context.Background(), GetTokensRequest{
		UserID:     "user-1",
		ServerName: "github",
		Refresh:    env.handler.RefreshFunc("", nil),
	})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), env.fake.refreshes.Load())
}

func TestGetTokensWithoutRefreshFunc(t *testing.T) {
	env := newTestEnv(t)
	seedExpiredTokens(t, env, "user-1", "github", "refresh-1")

	_, err := env.tokens.GetTokens(context.Background(), GetTokensRequest{UserID: "user-1", ServerName: "github"})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGetTokensRefreshFailureIsShared(t *testing.T) {
	env := newTestEnv(t)
	seedExpiredTokens(t, env, "user-1", "github", "refresh-1")

	var calls atomic.Int32
	refresh := func(ctx context.Context, refreshToken string, info RefreshInfo) (*TokenSet, error) {
		calls.Add(1)
		assert.Equal(t, "refresh-1", refreshToken)
		assert.Equal(t, "client-7", info.ClientInfo.ClientID)
		time.Sleep(50 * time.Millisecond)
		return nil, errors.New("invalid_grant")
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.tokens.GetTokens(context.Background(), GetTokensRequest{UserID: "user-1", ServerName: "github", Refresh: refresh})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, ErrRefreshFailed)
		assert.Contains(t, err.Error(), "invalid_grant")
	}
}

func TestStoreTokensUpsertsAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, access := range []string{"a1", "a2"} {
		require.NoError(t, env.tokens.StoreTokens(ctx, StoreTokensRequest{
			UserID:     "user-1",
			ServerName: "github",
			Tokens:     &TokenSet{AccessToken: access, ExpiresAt: time.Now().Add(time.Hour)},
			ClientInfo: &ClientInformation{ClientID: "c-" + access},
		}))
	}

	tokens, err := env.tokens.GetTokens(ctx, GetTokensRequest{UserID: "user-1", ServerName: "github"})
	require.NoError(t, err)
	assert.Equal(t, "a2", tokens.AccessToken)
	assert.Nil(t, tokens.ClientInfo)

	clientInfo, _, err := env.tokens.GetClientInfoAndMetadata(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.Equal(t, "c-a2", clientInfo.ClientID)

	require.NoError(t, env.tokens.DeleteUserTokens(ctx, "user-1", "github"))
	tokens, err = env.tokens.GetTokens(ctx, GetTokensRequest{UserID: "user-1", ServerName: "github"})
	require.NoError(t, err)
	assert.Nil(t, tokens)
	clientInfo, _, err = env.tokens.GetClientInfoAndMetadata(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.Nil(t, clientInfo)

	assert.Error(t, env.tokens.StoreTokens(ctx, StoreTokensRequest{UserID: "user-1", ServerName: "github", Tokens: &TokenSet{}}))
}
