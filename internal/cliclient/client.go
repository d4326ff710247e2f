// Package cliclient talks to a running mcpconnect server so CLI commands can
// reuse its pools and database instead of opening their own.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/httpapi"
	"github.com/u2sebau2/librechat-custom-sub004/internal/manager"
	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
)

// Client provides HTTP API access for CLI commands.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string

	// Set when the server needs the user to authorize first
	AuthorizationURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// HasRequestID reports whether the server attached a request ID
func (e *APIError) HasRequestID() bool {
	return e.RequestID != ""
}

// FormatWithRequestID renders the error with a hint for finding it in the server log
func (e *APIError) FormatWithRequestID() string {
	return fmt.Sprintf("%s (request_id: %s)", e.Message, e.RequestID)
}

// NewClient creates a new CLI HTTP client. A bare host:port endpoint is
// treated as http.
func NewClient(endpoint string, logger *zap.SugaredLogger) *Client {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &Client{
		baseURL: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Generous timeout for long operations
		},
		logger: logger,
	}
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// ListServers returns the registry view of every configured server
func (c *Client) ListServers(ctx context.Context) ([]registry.ServerState, error) {
	var servers []registry.ServerState
	err := c.do(ctx, http.MethodGet, "/api/mcp/servers", "", nil, &servers)
	return servers, err
}

// ListTools returns the app tools plus the tools of the user's connections
func (c *Client) ListTools(ctx context.Context, userID string) (registry.ToolFunctions, error) {
	tools := registry.ToolFunctions{}
	err := c.do(ctx, http.MethodGet, "/api/mcp/tools", userID, nil, &tools)
	return tools, err
}

// CallTool calls a tool through the server's pools
func (c *Client) CallTool(ctx context.Context, userID, serverName, toolName string, body httpapi.CallToolBody) (*manager.FormattedToolResponse, error) {
	path := "/api/mcp/servers/" + url.PathEscape(serverName) + "/tools/" + url.PathEscape(toolName) + "/call"
	var resp manager.FormattedToolResponse
	if err := c.do(ctx, http.MethodPost, path, userID, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeTokens revokes and deletes a user's stored tokens for a server
func (c *Client) RevokeTokens(ctx context.Context, userID, serverName string) error {
	path := "/api/mcp/users/" + url.PathEscape(userID) + "/servers/" + url.PathEscape(serverName) + "/tokens"
	return c.do(ctx, http.MethodDelete, path, userID, nil, nil)
}

// CancelOAuth cancels the user's pending authorization for a server
func (c *Client) CancelOAuth(ctx context.Context, userID, serverName string) (bool, error) {
	var resp httpapi.ActionResponse
	path := "/api/mcp/servers/" + url.PathEscape(serverName) + "/oauth/cancel"
	if err := c.do(ctx, http.MethodPost, path, userID, nil, &resp); err != nil {
		return false, err
	}
	return resp.Done, nil
}

func (c *Client) do(ctx context.Context, method, path, userID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(reqcontext.UserIDHeader, userID)
	}
	req.Header.Set(reqcontext.RequestIDHeader, reqcontext.GenerateRequestID())

	if c.logger != nil {
		c.logger.Debugw("Calling server API", "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, data)
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(reqcontext.RequestIDHeader),
	}

	var body struct {
		Error            string `json:"error"`
		RequestID        string `json:"request_id"`
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Message = body.Error
	apiErr.AuthorizationURL = body.AuthorizationURL
	if body.RequestID != "" {
		apiErr.RequestID = body.RequestID
	}
	return apiErr
}
