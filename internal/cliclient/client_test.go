package cliclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/u2sebau2/librechat-custom-sub004/internal/cliclient"
	"github.com/u2sebau2/librechat-custom-sub004/internal/httpapi"
	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
)

func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, cliclient.NewClient(server.URL, nil).Ping(context.Background()))
}

func TestClient_Ping_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := cliclient.NewClient(server.URL, nil).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned status")
}

func TestClient_CallTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/mcp/servers/files/tools/read/call", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get(reqcontext.UserIDHeader))
		assert.NotEmpty(t, r.Header.Get(reqcontext.RequestIDHeader))

		var body httpapi.CallToolBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "/tmp", body.Arguments["path"])

		_ = json.NewEncoder(w).Encode(httpapi.SuccessResponse{
			Success: true,
			Data:    map[string]interface{}{"content": "hello"},
		})
	}))
	defer server.Close()

	resp, err := cliclient.NewClient(server.URL, nil).CallTool(context.Background(), "alice", "files", "read",
		httpapi.CallToolBody{Arguments: map[string]interface{}{"path": "/tmp"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
}

func TestClient_CallTool_OAuthRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(reqcontext.RequestIDHeader, "req-1")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(httpapi.OAuthRequiredResponse{
			Error:            "server secure awaiting OAuth authorization",
			ServerName:       "secure",
			AuthorizationURL: "https://auth.example.com/authorize",
		})
	}))
	defer server.Close()

	_, err := cliclient.NewClient(server.URL, nil).CallTool(context.Background(), "alice", "secure", "inbox", httpapi.CallToolBody{})
	var apiErr *cliclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "https://auth.example.com/authorize", apiErr.AuthorizationURL)
	assert.True(t, apiErr.HasRequestID())
	assert.Contains(t, apiErr.FormatWithRequestID(), "req-1")
}

func TestClient_RevokeTokens(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_ = json.NewEncoder(w).Encode(httpapi.SuccessResponse{Success: true, Data: httpapi.ActionResponse{Done: true}})
	}))
	defer server.Close()

	require.NoError(t, cliclient.NewClient(server.URL, nil).RevokeTokens(context.Background(), "alice", "secure"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/mcp/users/alice/servers/secure/tokens", gotPath)
}

func TestClient_PlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down\n")
	}))
	defer server.Close()

	_, err := cliclient.NewClient(server.URL, nil).ListServers(context.Background())
	var apiErr *cliclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.False(t, apiErr.HasRequestID())
}

func TestClient_NetworkError(t *testing.T) {
	_, err := cliclient.NewClient("127.0.0.1:1", nil).ListTools(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to call GET /api/mcp/tools")
}
