package storage

import (
	"bytes"
	"context"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
)

// FlowStore is a flow.Store persisted in bbolt, so pending OAuth flows
// survive a restart of the host process
type FlowStore struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ flow.Store = (*FlowStore)(nil)

func (s *FlowStore) load(bucket *bbolt.Bucket, key string) (*flow.State, error) {
	data := bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	state := &flow.State{}
	if err := state.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if state.Expired(s.now()) {
		return nil, nil
	}
	return state, nil
}

// Get implements flow.Store
func (s *FlowStore) Get(_ context.Context, key string) (*flow.State, error) {
	var state *flow.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		state, err = s.load(tx.Bucket([]byte(FlowsBucket)), key)
		return err
	})
	return state, err
}

// Update implements flow.Store. bbolt serializes write transactions, which
// makes the read-modify-write atomic.
func (s *FlowStore) Update(_ context.Context, key string, fn func(current *flow.State) (*flow.State, error)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(FlowsBucket))
		current, err := s.load(bucket, key)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}

		data, err := next.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// Delete implements flow.Store
func (s *FlowStore) Delete(_ context.Context, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(FlowsBucket))
		current, err := s.load(bucket, key)
		if err != nil {
			return err
		}
		existed = current != nil
		return bucket.Delete([]byte(key))
	})
	return existed, err
}

// Sweep removes expired flow records and returns how many were dropped
func (s *FlowStore) Sweep() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(FlowsBucket))
		now := s.now()

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			state := &flow.State{}
			if err := state.UnmarshalBinary(v); err != nil || state.Expired(now) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// StartCleanup sweeps expired records every interval until ctx is done
func (s *FlowStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep()
				if err != nil {
					s.logger.Warnf("Flow cleanup failed: %v", err)
					continue
				}
				if removed > 0 {
					s.logger.Debugf("Removed %d expired flow records", removed)
				}
			}
		}
	}()
}
