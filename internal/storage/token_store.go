package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrTokenExists is returned by CreateToken when the record is already present
	ErrTokenExists = errors.New("token record already exists")
	// ErrTokenNotFound is returned by UpdateToken when no record matches
	ErrTokenNotFound = errors.New("token record not found")
)

// TokenStore persists TokenRecords keyed by (user, type, identifier)
type TokenStore struct {
	db  *bbolt.DB
	now func() time.Time
}

const keySep = "\x00"

func tokenKey(userID, tokenType, identifier string) []byte {
	return []byte(userID + keySep + tokenType + keySep + identifier)
}

func userPrefix(userID string) []byte {
	return []byte(userID + keySep)
}

func validateQuery(q TokenQuery, full bool) error {
	if q.UserID == "" {
		return fmt.Errorf("token query requires a user id")
	}
	if full && (q.Type == "" || q.Identifier == "") {
		return fmt.Errorf("token query requires type and identifier")
	}
	return nil
}

// FindToken returns the matching record or nil when absent
func (s *TokenStore) FindToken(_ context.Context, q TokenQuery) (*TokenRecord, error) {
	if err := validateQuery(q, true); err != nil {
		return nil, err
	}

	var record *TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(TokensBucket)).Get(tokenKey(q.UserID, q.Type, q.Identifier))
		if data == nil {
			return nil
		}
		record = &TokenRecord{}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read token %s/%s: %w", q.Type, q.Identifier, err)
	}
	return record, nil
}

// CreateToken stores a new record
func (s *TokenStore) CreateToken(_ context.Context, record *TokenRecord) error {
	if err := validateQuery(TokenQuery{UserID: record.UserID, Type: record.Type, Identifier: record.Identifier}, true); err != nil {
		return err
	}

	now := s.now()
	record.Created = now
	record.Updated = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		key := tokenKey(record.UserID, record.Type, record.Identifier)
		if bucket.Get(key) != nil {
			return ErrTokenExists
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// UpdateToken replaces the token payload, expiry and metadata of an existing record
func (s *TokenStore) UpdateToken(_ context.Context, q TokenQuery, update *TokenRecord) error {
	if err := validateQuery(q, true); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))
		key := tokenKey(q.UserID, q.Type, q.Identifier)
		data := bucket.Get(key)
		if data == nil {
			return ErrTokenNotFound
		}

		existing := &TokenRecord{}
		if err := existing.UnmarshalBinary(data); err != nil {
			return err
		}
		existing.Token = update.Token
		existing.ExpiresAt = update.ExpiresAt
		existing.Metadata = update.Metadata
		existing.Updated = s.now()

		encoded, err := existing.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// DeleteTokens removes every record of the user matching the optional type
// and identifier filters, returning how many were removed
func (s *TokenStore) DeleteTokens(_ context.Context, q TokenQuery) (int, error) {
	if err := validateQuery(q, false); err != nil {
		return 0, err
	}

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TokensBucket))

		if q.Type != "" && q.Identifier != "" {
			key := tokenKey(q.UserID, q.Type, q.Identifier)
			if bucket.Get(key) != nil {
				removed = 1
				return bucket.Delete(key)
			}
			return nil
		}

		var matched [][]byte
		prefix := userPrefix(q.UserID)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			record := &TokenRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			if q.Type != "" && record.Type != q.Type {
				continue
			}
			if q.Identifier != "" && record.Identifier != q.Identifier {
				continue
			}
			matched = append(matched, append([]byte(nil), k...))
		}

		for _, k := range matched {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(matched)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens: %w", err)
	}
	return removed, nil
}

// ListUserTokens returns every record held for a user
func (s *TokenStore) ListUserTokens(_ context.Context, userID string) ([]*TokenRecord, error) {
	if err := validateQuery(TokenQuery{UserID: userID}, false); err != nil {
		return nil, err
	}

	var records []*TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := userPrefix(userID)
		cursor := tx.Bucket([]byte(TokensBucket)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			record := &TokenRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}
