// Package flow deduplicates long-running operations such as OAuth handshakes
// and token refreshes. Concurrent callers that race on the same flow key
// converge on one execution and all observe its stored outcome.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a flow
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrFlowNotFound indicates no live record exists for the flow key
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowExpired indicates the record disappeared (TTL or deletion) while a caller waited
	ErrFlowExpired = errors.New("flow expired or was removed")

	// ErrFlowCanceled indicates the waiting caller gave up. The flow itself keeps running.
	ErrFlowCanceled = errors.New("flow wait canceled")
)

// FailedError is the stored failure of a flow, replayed to every waiter
type FailedError struct {
	FlowID  string
	Type    string
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s flow %s failed: %s", e.Type, e.FlowID, e.Message)
}

// State is the TTL-bound record kept per (flowID, type)
type State struct {
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Terminal reports whether the flow has left PENDING
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Expired reports whether the record outlived its TTL
func (s *State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// DecodeMetadata unmarshals the metadata attached at creation
func (s *State) DecodeMetadata(v interface{}) error {
	if len(s.Metadata) == 0 {
		return fmt.Errorf("flow has no metadata")
	}
	return json.Unmarshal(s.Metadata, v)
}

// Clone returns a copy that shares no byte slices with s
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Result = append(json.RawMessage(nil), s.Result...)
	c.Metadata = append(json.RawMessage(nil), s.Metadata...)
	return &c
}

// MarshalBinary implements encoding.BinaryMarshaler for persistent stores
func (s *State) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (s *State) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// Store persists flow records. Implementations must make Update atomic with
// respect to other Update calls on the same key, and must treat expired
// records as absent.
type Store interface {
	// Get returns the live record or nil when absent or expired
	Get(ctx context.Context, key string) (*State, error)

	// Update reads the live record (nil if absent), passes it to fn and
	// stores the returned state. A nil return leaves the store untouched.
	Update(ctx context.Context, key string, fn func(current *State) (*State, error)) error

	// Delete removes the record and reports whether a live one existed
	Delete(ctx context.Context, key string) (bool, error)
}
