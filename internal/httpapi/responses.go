package httpapi

import (
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"
)

// SuccessResponse is the envelope of every successful API response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope of every failed API response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// OAuthRequiredResponse tells the caller where the user must authorize
type OAuthRequiredResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	ServerName       string `json:"server_name"`
	FlowID           string `json:"flow_id"`
	AuthorizationURL string `json:"authorization_url"`
}

// ConnectionView is the API shape of one pooled connection
type ConnectionView struct {
	ID         string               `json:"id"`
	ServerName string               `json:"server_name"`
	UserID     string               `json:"user_id,omitempty"`
	Info       types.ConnectionInfo `json:"info"`
}

// ConnectionsResponse lists the connections of one pool
type ConnectionsResponse struct {
	UserID      string           `json:"user_id,omitempty"`
	Connections []ConnectionView `json:"connections"`
}

// ActionResponse reports the outcome of a server or token action
type ActionResponse struct {
	Server string `json:"server"`
	Action string `json:"action"`
	Done   bool   `json:"done"`
}

// CallbackResponse reports a completed authorization
type CallbackResponse struct {
	ServerName string    `json:"server_name"`
	UserID     string    `json:"user_id"`
	FlowID     string    `json:"flow_id"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// CallToolBody is the request body of a tool call
type CallToolBody struct {
	Arguments      map[string]interface{} `json:"arguments"`
	CustomUserVars map[string]string      `json:"custom_user_vars,omitempty"`
	RequestBody    map[string]string      `json:"request_body,omitempty"`
	// RequestHeaders are sent to the upstream server with every request
	RequestHeaders map[string]string      `json:"request_headers,omitempty"`
}

func connectionView(conn *upstream.Connection) ConnectionView {
	return ConnectionView{
		ID:         conn.ID(),
		ServerName: conn.ServerName(),
		UserID:     conn.UserID(),
		Info:       conn.Info(),
	}
}
