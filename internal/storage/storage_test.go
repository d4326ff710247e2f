package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)
	version, err := db.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)
}

func TestTokenStoreLifecycle(t *testing.T) {
	store := newTestDB(t).Tokens()
	ctx := context.Background()
	q := TokenQuery{UserID: "user-1", Type: "mcp_oauth", Identifier: "mcp:github"}

	found, err := store.FindToken(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, found)

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.CreateToken(ctx, &TokenRecord{
		UserID: q.UserID, Type: q.Type, Identifier: q.Identifier,
		Token: `{"access_token":"a1"}`, ExpiresAt: expires,
	}))
	assert.ErrorIs(t, store.CreateToken(ctx, &TokenRecord{
		UserID: q.UserID, Type: q.Type, Identifier: q.Identifier, Token: "dup",
	}), ErrTokenExists)

	found, err = store.FindToken(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, `{"access_token":"a1"}`, found.Token)
	assert.True(t, expires.Equal(found.ExpiresAt))

	require.NoError(t, store.UpdateToken(ctx, q, &TokenRecord{Token: `{"access_token":"a2"}`}))
	found, err = store.FindToken(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"a2"}`, found.Token)
	assert.False(t, found.Created.After(found.Updated))

	assert.ErrorIs(t, store.UpdateToken(ctx, TokenQuery{UserID: "other", Type: "mcp_oauth", Identifier: "x"}, &TokenRecord{}), ErrTokenNotFound)
}

func TestTokenStoreDeleteByPrefix(t *testing.T) {
	store := newTestDB(t).Tokens()
	ctx := context.Background()

	for _, rec := range []TokenRecord{
		{UserID: "u1", Type: "mcp_oauth", Identifier: "mcp:github"},
		{UserID: "u1", Type: "mcp_oauth_client", Identifier: "mcp:github:client"},
		{UserID: "u1", Type: "mcp_oauth", Identifier: "mcp:linear"},
		{UserID: "u10", Type: "mcp_oauth", Identifier: "mcp:github"},
	} {
		rec := rec
		rec.Token = "t"
		require.NoError(t, store.CreateToken(ctx, &rec))
	}

	removed, err := store.DeleteTokens(ctx, TokenQuery{UserID: "u1", Type: "mcp_oauth"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := store.ListUserTokens(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "mcp_oauth_client", remaining[0].Type)

	// A user id that is a prefix of another must not leak across users
	other, err := store.ListUserTokens(ctx, "u10")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	removed, err = store.DeleteTokens(ctx, TokenQuery{UserID: "u1", Type: "mcp_oauth_client", Identifier: "mcp:github:client"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.DeleteTokens(ctx, TokenQuery{})
	assert.Error(t, err)
}

func TestFlowStoreWithManager(t *testing.T) {
	db := newTestDB(t)
	store := db.Flows()
	mgr := flow.NewManager[string](store, flow.Config{TTL: time.Minute, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		result, err := mgr.CreateFlowWithHandler(ctx, "abc", "mcp_oauth_refresh", func(context.Context) (string, error) {
			calls++
			return "refreshed", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "refreshed", result)
	}
	assert.Equal(t, 1, calls)

	state, err := store.Get(ctx, flow.Key("abc", "mcp_oauth_refresh"))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, flow.StatusCompleted, state.Status)

	existed, err := store.Delete(ctx, flow.Key("abc", "mcp_oauth_refresh"))
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestFlowStoreExpiry(t *testing.T) {
	store := newTestDB(t).Flows()
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "k", func(existing *flow.State) (*flow.State, error) {
		assert.Nil(t, existing)
		return &flow.State{Status: flow.StatusPending, ExpiresAt: current.Add(time.Second)}, nil
	}))

	state, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, state)

	current = current.Add(2 * time.Second)
	state, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, state)

	removed, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestActivityLog(t *testing.T) {
	log := newTestDB(t).Activity()
	log.maxRecords = 5

	base := time.Now().UTC()
	for i := 0; i < 8; i++ {
		status := "success"
		if i%2 == 1 {
			status = "error"
		}
		require.NoError(t, log.Save(&ActivityRecord{
			Type:       ActivityToolCall,
			UserID:     "u1",
			ServerName: fmt.Sprintf("s%d", i),
			Status:     status,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := log.List(ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s7", all[0].ServerName)
	assert.Equal(t, "s3", all[4].ServerName)
	assert.NotEmpty(t, all[0].ID)

	errorsOnly, err := log.List(ActivityFilter{Status: "error"})
	require.NoError(t, err)
	for _, rec := range errorsOnly {
		assert.Equal(t, "error", rec.Status)
	}

	recent, err := log.List(ActivityFilter{Since: base.Add(6 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	assert.Error(t, log.Save(nil))
}
