package storage

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

// DefaultMaxActivityRecords bounds the activity bucket
const DefaultMaxActivityRecords = 10000

// ActivityLog is an append-only audit trail of tool calls and OAuth events
type ActivityLog struct {
	db         *bbolt.DB
	maxRecords int
}

// activityKey orders records chronologically: {timestamp_ns}_{ulid}
func activityKey(timestamp time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", timestamp.UnixNano(), id))
}

// Save appends a record, assigning ID and timestamp when unset, and trims
// the oldest records beyond the retention bound
func (l *ActivityLog) Save(record *ActivityRecord) error {
	if record == nil {
		return fmt.Errorf("activity record cannot be nil")
	}
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActivityBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal activity record: %w", err)
		}
		if err := bucket.Put(activityKey(record.Timestamp, record.ID), data); err != nil {
			return fmt.Errorf("failed to store activity record: %w", err)
		}

		cursor := bucket.Cursor()
		count := 0
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}

		excess := count - l.maxRecords
		for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// List returns matching records newest first
func (l *ActivityLog) List(filter ActivityFilter) ([]*ActivityRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var records []*ActivityRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(ActivityBucket)).Cursor()
		for k, v := cursor.Last(); k != nil && len(records) < limit; k, v = cursor.Prev() {
			record := &ActivityRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal activity record: %w", err)
			}
			if !filter.Since.IsZero() && record.Timestamp.Before(filter.Since) {
				break
			}
			if filter.matches(record) {
				records = append(records, record)
			}
		}
		return nil
	})
	return records, err
}

func (f ActivityFilter) matches(record *ActivityRecord) bool {
	if f.Type != "" && record.Type != f.Type {
		return false
	}
	if f.UserID != "" && record.UserID != f.UserID {
		return false
	}
	if f.Server != "" && record.ServerName != f.Server {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	return true
}
