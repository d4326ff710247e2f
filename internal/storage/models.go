package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	TokensBucket   = "tokens" //nolint:gosec // bucket name, not a credential
	FlowsBucket    = "flows"
	ActivityBucket = "activity"
	MetaBucket     = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// CurrentSchemaVersion is written on open
const CurrentSchemaVersion = 1

// TokenRecord is one persisted credential document. Token holds the
// serialized payload (a token set or client information) as produced by the
// OAuth layer; storage treats it as opaque.
type TokenRecord struct {
	UserID     string            `json:"user_id"`
	Type       string            `json:"type"`
	Identifier string            `json:"identifier"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// TokenQuery selects token records. UserID is required; empty Type or
// Identifier match any value when deleting.
type TokenQuery struct {
	UserID     string
	Type       string
	Identifier string
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *TokenRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *TokenRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// ActivityType classifies activity records
type ActivityType string

const (
	ActivityToolCall   ActivityType = "tool_call"
	ActivityOAuth      ActivityType = "oauth"
	ActivityConnection ActivityType = "connection"
)

// ActivityRecord is one entry in the lifecycle audit log
type ActivityRecord struct {
	ID           string            `json:"id"` // ULID
	Type         ActivityType      `json:"type"`
	UserID       string            `json:"user_id,omitempty"`
	ServerName   string            `json:"server_name,omitempty"`
	ToolName     string            `json:"tool_name,omitempty"`
	Status       string            `json:"status"` // success, error, pending
	ErrorMessage string            `json:"error_message,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (a *ActivityRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (a *ActivityRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// ActivityFilter narrows ListActivity results
type ActivityFilter struct {
	Type   ActivityType
	UserID string
	Server string
	Status string
	Since  time.Time
	Limit  int // default 50, max 500
}
