package manager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
)

// connectionError explains why no connection could be obtained. Pending
// OAuth and unknown servers pass through unchanged so callers can match them.
func connectionError(serverName, userID string, err error) error {
	switch {
	case errors.Is(err, upstream.ErrOAuthPending), errors.Is(err, upstream.ErrUnknownServer):
		return err
	case oauth.IsCanceled(err):
		return fmt.Errorf("authorization of server '%s' was canceled for user '%s': %w", serverName, userID, err)
	case errors.Is(err, ErrUserRequired):
		return fmt.Errorf("server '%s' is only available to signed-in users: %w", serverName, err)
	case errors.Is(err, ErrMissingUserVars):
		return fmt.Errorf("server '%s' needs user-provided settings before it can be used: %w", serverName, err)
	case errors.Is(err, upstream.ErrOAuthRequired):
		return fmt.Errorf("server '%s' requires OAuth authentication for user '%s'. Complete the authorization and retry: %w", serverName, userID, err)
	case errors.Is(err, upstream.ErrConnectionTimeout):
		return fmt.Errorf("server '%s' did not finish connecting in time. Check that the server is running and reachable: %w", serverName, err)
	}

	errStr := err.Error()
	if strings.Contains(errStr, "OAuth metadata unavailable") || strings.Contains(errStr, "registration") {
		return fmt.Errorf("server '%s' does not provide usable OAuth configuration. Configure OAuth client credentials manually: %w", serverName, err)
	}
	return fmt.Errorf("server '%s' is not connected - connection failed with error: %w", serverName, err)
}

// toolError adds server context to a failed tool call
func toolError(serverName, toolName string, err error) error {
	lower := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lower, "insufficient_scope") || strings.Contains(lower, "access_denied"):
		return fmt.Errorf("server '%s' denied access to tool '%s' due to insufficient permissions or scopes: %w", serverName, toolName, err)
	case upstream.IsAuthError(err):
		return fmt.Errorf("server '%s' authentication failed for tool '%s'. Re-authorize the server and retry: %w", serverName, toolName, err)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return fmt.Errorf("server '%s' rate limit exceeded for tool '%s'. Wait before making more requests: %w", serverName, toolName, err)
	case upstream.IsConnectionError(err):
		return fmt.Errorf("server '%s' connection failed for tool '%s'. Check that the server is running: %w", serverName, toolName, err)
	case strings.Contains(lower, "tool not found") || strings.Contains(lower, "unknown tool"):
		return fmt.Errorf("tool '%s' not found on server '%s': %w", toolName, serverName, err)
	}
	return fmt.Errorf("tool '%s' on server '%s' failed: %w", toolName, serverName, err)
}
