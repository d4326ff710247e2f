package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for flow coordination
const (
	DefaultTTL          = 10 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
)

// Config tunes a Manager
type Config struct {
	// TTL bounds how long a record (pending or terminal) stays visible
	TTL time.Duration
	// PollInterval is the fallback re-read period for waiters, covering
	// writes made outside this process
	PollInterval time.Duration
}

// Handler performs the deduplicated work. It receives a context that is
// detached from the initiating caller's cancellation and expires with the
// flow's TTL.
type Handler[T any] func(ctx context.Context) (T, error)

// Manager coordinates flows whose outcome has type T. Waiters are woken by
// in-process notification on terminal writes and fall back to polling.
type Manager[T any] struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewManager creates a flow manager over store
func NewManager[T any](store Store, cfg Config, logger *zap.Logger) *Manager[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Manager[T]{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("flow"),
		now:     time.Now,
		waiters: make(map[string][]chan struct{}),
	}
}

// Key returns the store key for (flowID, type)
func Key(flowID, flowType string) string {
	return flowType + ":" + flowID
}

func (m *Manager[T]) newPending(flowType string, metadata interface{}) (*State, error) {
	now := m.now()
	state := &State{
		Type:      flowType,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode flow metadata: %w", err)
		}
		state.Metadata = raw
	}
	return state, nil
}

// InitFlow stores a PENDING record with metadata unless a live record already
// exists. It reports whether this call created the record.
func (m *Manager[T]) InitFlow(ctx context.Context, flowID, flowType string, metadata interface{}) (bool, error) {
	pending, err := m.newPending(flowType, metadata)
	if err != nil {
		return false, err
	}

	created := false
	err = m.store.Update(ctx, Key(flowID, flowType), func(current *State) (*State, error) {
		if current != nil {
			return nil, nil
		}
		created = true
		return pending, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to init %s flow: %w", flowType, err)
	}
	return created, nil
}

// CreateFlow initializes the flow if needed and waits for an external
// CompleteFlow or FailFlow. Canceling ctx stops only this caller's wait.
func (m *Manager[T]) CreateFlow(ctx context.Context, flowID, flowType string, metadata interface{}) (T, error) {
	created, err := m.InitFlow(ctx, flowID, flowType, metadata)
	if err != nil {
		var zero T
		return zero, err
	}
	if !created {
		m.logger.Debug("Joining existing flow", zap.String("flow_id", flowID), zap.String("type", flowType))
	}
	return m.WaitForFlow(ctx, flowID, flowType)
}

// CreateFlowWithHandler runs handler at most once per live (flowID, type).
// The first caller stores PENDING and starts handler; every caller, the first
// included, then waits for the stored outcome. A terminal record still within
// its TTL is returned without running handler again.
func (m *Manager[T]) CreateFlowWithHandler(ctx context.Context, flowID, flowType string, handler Handler[T]) (T, error) {
	var zero T

	pending, err := m.newPending(flowType, nil)
	if err != nil {
		return zero, err
	}

	created := false
	err = m.store.Update(ctx, Key(flowID, flowType), func(current *State) (*State, error) {
		if current != nil {
			return nil, nil
		}
		created = true
		return pending, nil
	})
	if err != nil {
		return zero, fmt.Errorf("failed to create %s flow: %w", flowType, err)
	}

	if created {
		go m.runHandler(context.WithoutCancel(ctx), flowID, flowType, handler)
	} else {
		m.logger.Debug("Flow already exists, waiting for its outcome",
			zap.String("flow_id", flowID), zap.String("type", flowType))
	}

	return m.WaitForFlow(ctx, flowID, flowType)
}

// runHandler bounds handler by the TTL so no work outlives the record that
// deduplicates it. Outcomes are written on base, which the deadline never cancels.
func (m *Manager[T]) runHandler(base context.Context, flowID, flowType string, handler Handler[T]) {
	var (
		result T
		err    error
	)

	func() {
		ctx, cancel := context.WithTimeout(base, m.cfg.TTL)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("flow handler panicked: %v", r)
			}
		}()
		result, err = handler(ctx)
	}()

	if err != nil {
		if _, failErr := m.FailFlow(base, flowID, flowType, err); failErr != nil {
			m.logger.Error("Failed to record flow failure",
				zap.String("flow_id", flowID), zap.String("type", flowType), zap.Error(failErr))
		}
		return
	}
	if _, completeErr := m.CompleteFlow(base, flowID, flowType, result); completeErr != nil {
		m.logger.Error("Failed to record flow result",
			zap.String("flow_id", flowID), zap.String("type", flowType), zap.Error(completeErr))
	}
}

// WaitForFlow blocks until the flow is terminal and returns its outcome.
// It returns ErrFlowNotFound if no live record exists on entry, and
// ErrFlowExpired if the record vanishes while waiting.
func (m *Manager[T]) WaitForFlow(ctx context.Context, flowID, flowType string) (T, error) {
	var zero T
	key := Key(flowID, flowType)
	seen := false

	for {
		// Subscribe before reading so a terminal write between the read and the
		// select cannot be missed
		notify := m.subscribe(key)

		state, err := m.store.Get(ctx, key)
		if err != nil {
			m.unsubscribe(key, notify)
			return zero, fmt.Errorf("failed to read %s flow: %w", flowType, err)
		}
		if state == nil {
			m.unsubscribe(key, notify)
			if seen {
				return zero, ErrFlowExpired
			}
			return zero, ErrFlowNotFound
		}
		seen = true

		if state.Terminal() {
			m.unsubscribe(key, notify)
			return m.outcome(flowID, state)
		}

		poll := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-notify:
		case <-poll.C:
			m.unsubscribe(key, notify)
		case <-ctx.Done():
			poll.Stop()
			m.unsubscribe(key, notify)
			return zero, fmt.Errorf("%w: %w", ErrFlowCanceled, ctx.Err())
		}
		poll.Stop()
	}
}

func (m *Manager[T]) outcome(flowID string, state *State) (T, error) {
	var result T
	if state.Status == StatusFailed {
		return result, &FailedError{FlowID: flowID, Type: state.Type, Message: state.Error}
	}
	if len(state.Result) > 0 {
		if err := json.Unmarshal(state.Result, &result); err != nil {
			return result, fmt.Errorf("failed to decode %s flow result: %w", state.Type, err)
		}
	}
	return result, nil
}

// CompleteFlow stores result and wakes waiters. It returns false when the
// flow is absent or already terminal.
func (m *Manager[T]) CompleteFlow(ctx context.Context, flowID, flowType string, result T) (bool, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s flow result: %w", flowType, err)
	}

	return m.finish(ctx, flowID, flowType, func(state *State) {
		state.Status = StatusCompleted
		state.Result = raw
		state.CompletedAt = m.now()
	})
}

// FailFlow stores cause as the flow's failure and wakes waiters. It returns
// false when the flow is absent or already terminal.
func (m *Manager[T]) FailFlow(ctx context.Context, flowID, flowType string, cause error) (bool, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
		var failed *FailedError
		if errors.As(cause, &failed) {
			message = failed.Message
		}
	}

	return m.finish(ctx, flowID, flowType, func(state *State) {
		state.Status = StatusFailed
		state.Error = message
		state.FailedAt = m.now()
	})
}

func (m *Manager[T]) finish(ctx context.Context, flowID, flowType string, apply func(*State)) (bool, error) {
	key := Key(flowID, flowType)
	transitioned := false

	err := m.store.Update(ctx, key, func(current *State) (*State, error) {
		if current == nil || current.Terminal() {
			return nil, nil
		}
		apply(current)
		transitioned = true
		return current, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update %s flow: %w", flowType, err)
	}

	if transitioned {
		m.notify(key)
	}
	return transitioned, nil
}

// GetFlowState returns the live record, or nil
func (m *Manager[T]) GetFlowState(ctx context.Context, flowID, flowType string) (*State, error) {
	return m.store.Get(ctx, Key(flowID, flowType))
}

// DeleteFlow removes the record. Waiters observe ErrFlowExpired.
func (m *Manager[T]) DeleteFlow(ctx context.Context, flowID, flowType string) (bool, error) {
	key := Key(flowID, flowType)
	existed, err := m.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s flow: %w", flowType, err)
	}
	m.notify(key)
	return existed, nil
}

func (m *Manager[T]) subscribe(key string) chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager[T]) unsubscribe(key string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters := m.waiters[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(m.waiters, key)
	} else {
		m.waiters[key] = waiters
	}
}

func (m *Manager[T]) notify(key string) {
	m.mu.Lock()
	waiters := m.waiters[key]
	delete(m.waiters, key)
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
