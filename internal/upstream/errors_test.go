package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		auth       bool
		connection bool
	}{
		{"transport unauthorized", fmt.Errorf("send: %w", mcptransport.ErrUnauthorized), true, false},
		{"transport oauth required", &mcptransport.OAuthAuthorizationRequiredError{}, true, false},
		{"own sentinel", &OAuthRequiredError{ServerName: "s"}, true, false},
		{"status code text", errors.New("request failed with status code 401"), true, false},
		{"http status text", errors.New("HTTP 403 Forbidden"), true, false},
		{"invalid token", errors.New(`error="invalid_token"`), true, false},
		{"digits in tool text", errors.New("order 40123 not found"), false, false},
		{"bare 401 in tool text", errors.New("row 401 is missing"), false, false},
		{"tool internal error", fmt.Errorf("%w: user unauthorized to read file", mcp.ErrInternalError), false, false},
		{"invalid params", fmt.Errorf("%w: missing field 403", mcp.ErrInvalidParams), false, false},
		{"tool error mentioning eof", fmt.Errorf("%w: unexpected EOF in archive", mcp.ErrInternalError), false, false},
		{"broken pipe", errors.New("write: broken pipe"), false, true},
		{"session terminated", fmt.Errorf("post: %w", mcptransport.ErrSessionTerminated), false, true},
		{"timeout", ErrConnectionTimeout, false, true},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.auth, IsAuthError(tt.err), "IsAuthError")
			assert.Equal(t, tt.connection, IsConnectionError(tt.err), "IsConnectionError")
		})
	}
}

func TestConnectionToolErrorKeepsSession(t *testing.T) {
	s := newTestMCPServer()
	s.AddTool(mcp.NewTool("lookup", mcp.WithDescription("Look up an order")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, fmt.Errorf("order 40123 not found")
		})

	conn := newTestConnection(inProcessBuilder(t, s), fastPolicy(1))
	defer conn.Disconnect()
	rec := &eventRecorder{}
	conn.Subscribe(rec.listen)
	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx))

	_, err := conn.CallTool(ctx, "lookup", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrInternalError)
	assert.False(t, IsAuthError(err))

	assert.Equal(t, types.StateConnected, conn.State())
	assert.False(t, conn.Info().OAuthRequired)
	assert.Zero(t, rec.count(types.EventOAuthRequired))

	result, err := conn.CallTool(ctx, "echo", map[string]interface{}{"message": "still here"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
