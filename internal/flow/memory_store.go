package flow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*State
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*State),
		now:     time.Now,
	}
}

// live returns the stored record for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) live(key string) *State {
	state, ok := s.entries[key]
	if !ok {
		return nil
	}
	if state.Expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return state
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key).Clone(), nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, key string, fn func(current *State) (*State, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.live(key).Clone())
	if err != nil {
		return err
	}
	if next != nil {
		s.entries[key] = next.Clone()
	}
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := s.live(key) != nil
	delete(s.entries, key)
	return existed, nil
}

// Sweep removes expired records and returns how many were dropped
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, state := range s.entries {
		if state.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired records every interval until ctx is done
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
