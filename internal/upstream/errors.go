package upstream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	// ErrOAuthRequired indicates the server rejected the connection for lack of valid credentials
	ErrOAuthRequired = errors.New("OAuth authentication required")
	// ErrOAuthPending indicates an authorization URL was issued and the flow awaits the user
	ErrOAuthPending = errors.New("OAuth authorization pending")
	// ErrConnectionTimeout indicates connection establishment exceeded its bound
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrNotConnected is returned by operations that need an initialized session
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownServer is returned for server names missing from the configuration
	ErrUnknownServer = errors.New("unknown server")
	// ErrConnectionClosed indicates the connection was disconnected while an attempt was in flight
	ErrConnectionClosed = errors.New("connection closed")
)

// OAuthRequiredError carries the server that demanded authentication
type OAuthRequiredError struct {
	ServerName string
	UserID     string
	Err        error
}

func (e *OAuthRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server %s requires OAuth authentication: %v", e.ServerName, e.Err)
	}
	return fmt.Sprintf("server %s requires OAuth authentication", e.ServerName)
}

// Is matches ErrOAuthRequired
func (e *OAuthRequiredError) Is(target error) bool {
	return target == ErrOAuthRequired
}

func (e *OAuthRequiredError) Unwrap() error {
	return e.Err
}

// OAuthPendingError is returned by ConnectionFactory.Create when ReturnOnOAuth
// is set. The caller surfaces AuthorizationURL and may Wait for the
// connection that is established once the callback completes the flow.
type OAuthPendingError struct {
	ServerName       string
	UserID           string
	FlowID           string
	AuthorizationURL string

	wait func(ctx context.Context) (*Connection, error)
}

func (e *OAuthPendingError) Error() string {
	return fmt.Sprintf("server %s awaiting OAuth authorization (flow %s)", e.ServerName, e.FlowID)
}

// Is matches ErrOAuthPending
func (e *OAuthPendingError) Is(target error) bool {
	return target == ErrOAuthPending
}

// Wait blocks until the OAuth flow settles and the connection is established
func (e *OAuthPendingError) Wait(ctx context.Context) (*Connection, error) {
	if e.wait == nil {
		return nil, fmt.Errorf("%w: no pending connection", ErrOAuthPending)
	}
	return e.wait(ctx)
}

var authErrorMarkers = []string{
	"unauthorized",
	"invalid_token", "invalid_grant", "token expired", "expired token",
	"authentication required", "authentication failed", "www-authenticate",
}

// A bare 401/403 only counts next to HTTP status wording, so ids and counts
// inside tool error text never match
var authStatusPattern = regexp.MustCompile(`\b(?:http|status|status code|code)[ :=/]*(?:401|403)\b|\b(?:401|403) (?:unauthorized|forbidden)\b`)

var connectionErrorMarkers = []string{
	"connection refused", "connection reset", "broken pipe",
	"eof", "transport closed", "transport has been closed", "no such host",
	"i/o timeout", "network is unreachable", "server closed", "stream closed",
	"goaway", "use of closed network connection", "file already closed",
}

// jsonRPCApplicationErrors are answers the server sent over a working
// session; they say nothing about the transport or the credentials
var jsonRPCApplicationErrors = []error{
	mcp.ErrParseError,
	mcp.ErrInvalidRequest,
	mcp.ErrMethodNotFound,
	mcp.ErrInvalidParams,
	mcp.ErrInternalError,
	mcp.ErrResourceNotFound,
}

// IsApplicationError reports whether err is a JSON-RPC error response from the server
func IsApplicationError(err error) bool {
	for _, target := range jsonRPCApplicationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err indicates the remote server rejected our credentials
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var oauthErr *mcptransport.OAuthAuthorizationRequiredError
	switch {
	case errors.Is(err, ErrOAuthRequired),
		errors.Is(err, mcptransport.ErrUnauthorized),
		errors.Is(err, mcptransport.ErrOAuthAuthorizationRequired),
		errors.As(err, &oauthErr):
		return true
	case IsApplicationError(err):
		return false
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, authErrorMarkers) || authStatusPattern.MatchString(msg)
}

// IsConnectionError reports whether err indicates a broken transport worth reconnecting
func IsConnectionError(err error) bool {
	if err == nil || IsAuthError(err) || IsApplicationError(err) {
		return false
	}
	if errors.Is(err, ErrConnectionTimeout) || errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, mcptransport.ErrSessionTerminated) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), connectionErrorMarkers)
}

// isMethodNotFound reports a JSON-RPC -32601, which servers without ping support return
func isMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mcp.ErrMethodNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") || strings.Contains(msg, "-32601")
}

func containsAny(str string, substrs []string) bool {
	for _, substr := range substrs {
		if substr != "" && strings.Contains(str, substr) {
			return true
		}
	}
	return false
}
