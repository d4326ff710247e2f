package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

// DatabaseFileName is the bbolt file inside the data directory
const DatabaseFileName = "mcpconnect.db"

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database in dataDir. A file left locked
// by a crashed process is backed up and recreated.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, DatabaseFileName)

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		logger.Warnf("Failed to open database on first attempt: %v", err)

		if errors.Is(err, bolterrors.ErrTimeout) {
			backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
			logger.Infof("Database lock timeout, moving it aside to %s", backupPath)

			if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
				logger.Warnf("Failed to create backup: %v", cpErr)
			}
			if rmErr := os.Remove(dbPath); rmErr != nil {
				logger.Warnf("Failed to remove locked database file: %v", rmErr)
			}

			db, err = bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
		}

		if err != nil {
			return nil, fmt.Errorf("failed to open bolt database after recovery attempt: %w", err)
		}
	}

	boltDB := &BoltDB{db: db, logger: logger}
	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Ping verifies a read transaction can be opened
func (b *BoltDB) Ping() error {
	return b.db.View(func(*bbolt.Tx) error { return nil })
}

// Tokens returns the token store backed by this database
func (b *BoltDB) Tokens() *TokenStore {
	return &TokenStore{db: b.db, now: time.Now}
}

// Flows returns the flow store backed by this database
func (b *BoltDB) Flows() *FlowStore {
	return &FlowStore{db: b.db, logger: b.logger, now: time.Now}
}

// Activity returns the activity log backed by this database
func (b *BoltDB) Activity() *ActivityLog {
	return &ActivityLog{db: b.db, maxRecords: DefaultMaxActivityRecords}
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{TokensBucket, FlowsBucket, ActivityBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the stored schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		versionBytes := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey))
		if versionBytes != nil {
			version = binary.LittleEndian.Uint64(versionBytes)
		}
		return nil
	})
	return version, err
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
