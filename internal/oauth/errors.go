package oauth

import (
	"errors"
	"fmt"
)

// OAuth-specific sentinel errors for consistent error handling across the codebase
var (
	// ErrNoRefreshToken indicates the stored token set expired and cannot be renewed.
	// The user has to go through the authorization flow again.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the token endpoint rejected a refresh
	ErrRefreshFailed = errors.New("OAuth token refresh failed")

	// ErrTokenExpired indicates an access token is past its expiry
	ErrTokenExpired = errors.New("OAuth token has expired")

	// ErrFlowNotPending indicates a callback arrived for a flow that is unknown,
	// expired or already settled
	ErrFlowNotPending = errors.New("OAuth flow is not pending")

	// ErrStateMismatch indicates the callback state does not match the stored flow
	ErrStateMismatch = errors.New("OAuth state mismatch")

	// ErrFlowCanceled is stored as the failure of a flow canceled by the user
	ErrFlowCanceled = errors.New("OAuth flow was canceled")
)

// HTTPError is a non-success response from an authorization server endpoint
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
