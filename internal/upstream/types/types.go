package types

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the state of an upstream connection
type ConnectionState int

const (
	// StateDisconnected is both the initial and the terminal state
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connect attempt is in flight
	StateConnecting
	// StateConnected indicates the session is initialized and usable
	StateConnected
	// StateReconnecting indicates the transport dropped and the backoff loop is running
	StateReconnecting
	// StateError indicates the last attempt failed; an auth failure also lands here
	StateError
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind discriminates Event
type EventKind int

const (
	// EventStateChanged carries From and To
	EventStateChanged EventKind = iota + 1
	// EventError carries Err for a transport or protocol failure
	EventError
	// EventOAuthRequired is emitted when the server rejected our credentials
	EventOAuthRequired
	// EventReconnectScheduled carries Attempt and Delay
	EventReconnectScheduled
	// EventReconnectFailed is emitted once attempts are exhausted
	EventReconnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventError:
		return "error"
	case EventOAuthRequired:
		return "oauth_required"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind         EventKind
	ConnectionID string
	ServerName   string
	UserID       string
	From         ConnectionState
	To           ConnectionState
	Err          error
	Attempt      int
	Delay        time.Duration
	Time         time.Time
}

// ConnectionInfo is a point-in-time snapshot of a connection
type ConnectionInfo struct {
	State          ConnectionState `json:"state"`
	LastError      string          `json:"last_error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	LastRetryTime  time.Time       `json:"last_retry_time,omitempty"`
	ServerName     string          `json:"server_name,omitempty"`
	ServerVersion  string          `json:"server_version,omitempty"`
	OAuthRequired  bool            `json:"oauth_required"`
	LastTransition time.Time       `json:"last_transition"`
}

// Listener receives events. It runs on the goroutine that caused the event,
// outside the state lock, and must not block.
type Listener func(Event)

// StateManager tracks the lifecycle state of one connection and fans events
// out to subscribers
type StateManager struct {
	mu             sync.RWMutex
	currentState   ConnectionState
	lastError      error
	retryCount     int
	lastRetryTime  time.Time
	serverName     string
	serverVersion  string
	oauthRequired  bool
	lastTransition time.Time

	template Event

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// NewStateManager creates a state manager; template supplies the identity
// fields stamped on every event
func NewStateManager(template Event) *StateManager {
	return &StateManager{
		currentState:   StateDisconnected,
		template:       template,
		listeners:      make(map[int]Listener),
		lastTransition: time.Now(),
	}
}

// Subscribe registers l and returns a function that removes it
func (sm *StateManager) Subscribe(l Listener) func() {
	sm.listenersMu.Lock()
	id := sm.nextID
	sm.nextID++
	sm.listeners[id] = l
	sm.listenersMu.Unlock()

	return func() {
		sm.listenersMu.Lock()
		delete(sm.listeners, id)
		sm.listenersMu.Unlock()
	}
}

// ClearListeners removes every subscriber
func (sm *StateManager) ClearListeners() {
	sm.listenersMu.Lock()
	sm.listeners = make(map[int]Listener)
	sm.listenersMu.Unlock()
}

// Emit stamps identity and time on ev and delivers it to every subscriber
func (sm *StateManager) Emit(ev Event) {
	ev.ConnectionID = sm.template.ConnectionID
	ev.ServerName = sm.template.ServerName
	ev.UserID = sm.template.UserID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	sm.listenersMu.RLock()
	listeners := make([]Listener, 0, len(sm.listeners))
	for _, l := range sm.listeners {
		listeners = append(listeners, l)
	}
	sm.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// GetState returns the current connection state
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// IsState checks if the current state matches the given state
func (sm *StateManager) IsState(state ConnectionState) bool {
	return sm.GetState() == state
}

// GetConnectionInfo returns detailed connection information
func (sm *StateManager) GetConnectionInfo() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	info := ConnectionInfo{
		State:          sm.currentState,
		RetryCount:     sm.retryCount,
		LastRetryTime:  sm.lastRetryTime,
		ServerName:     sm.serverName,
		ServerVersion:  sm.serverVersion,
		OAuthRequired:  sm.oauthRequired,
		LastTransition: sm.lastTransition,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}

// LastError returns the error recorded by the last failed transition
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// TransitionTo moves to newState, recording cause when it is non-nil, and
// emits EventStateChanged. Invalid transitions are rejected; transitions to
// the current state are silent no-ops.
func (sm *StateManager) TransitionTo(newState ConnectionState, cause error) error {
	sm.mu.Lock()
	oldState := sm.currentState
	if oldState == newState {
		if cause != nil {
			sm.lastError = cause
		}
		sm.mu.Unlock()
		return nil
	}
	if err := ValidateTransition(oldState, newState); err != nil {
		sm.mu.Unlock()
		return err
	}

	sm.currentState = newState
	sm.lastTransition = time.Now()
	switch newState {
	case StateConnected:
		sm.lastError = nil
		sm.retryCount = 0
		sm.oauthRequired = false
	case StateError, StateReconnecting:
		if cause != nil {
			sm.lastError = cause
		}
	}
	sm.mu.Unlock()

	sm.Emit(Event{Kind: EventStateChanged, From: oldState, To: newState, Err: cause})
	return nil
}

// RecordRetry counts one reconnect attempt and returns the new total
func (sm *StateManager) RecordRetry() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
	sm.lastRetryTime = time.Now()
	return sm.retryCount
}

// RetryCount returns reconnect attempts since the last successful connect
func (sm *StateManager) RetryCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.retryCount
}

// SetOAuthRequired flags that the server rejected our credentials
func (sm *StateManager) SetOAuthRequired(required bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.oauthRequired = required
}

// IsOAuthRequired reports whether the last failure was an authentication failure
func (sm *StateManager) IsOAuthRequired() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.oauthRequired
}

// SetServerInfo sets the server information reported during initialization
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateReconnecting, StateError, StateDisconnected},
	StateReconnecting: {StateConnected, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateReconnecting, StateDisconnected},
}

// ValidateTransition validates if a state transition is allowed
func ValidateTransition(from, to ConnectionState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
