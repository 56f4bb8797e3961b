package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	toolCallsBucket = "tool_calls"
	dbFilename      = "mcpoverride.db"
)

// CallRecord is one routed tool call kept in the on-disk history.
type CallRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Tool      string        `json:"tool"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Manager records tool-call history in a bbolt database. Retention is
// bounded: once the bucket exceeds the configured limit, the oldest
// records are pruned.
type Manager struct {
	db        *bbolt.DB
	logger    *zap.Logger
	retention int
}

// NewManager opens (or creates) the history database under dataDir.
func NewManager(dataDir string, retention int, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFilename)
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(toolCallsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &Manager{db: db, logger: logger, retention: retention}, nil
}

// RecordToolCall appends one record and prunes beyond the retention limit.
func (m *Manager) RecordToolCall(rec *CallRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("%d-%s", rec.Timestamp.UnixNano(), rec.Tool)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(toolCallsBucket))
		// Keys are nanosecond timestamps, so bucket order is call order.
		key := []byte(fmt.Sprintf("%020d-%s", rec.Timestamp.UnixNano(), rec.Tool))
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		return m.prune(bucket)
	})
}

// prune drops the oldest records until the bucket fits the retention limit.
func (m *Manager) prune(bucket *bbolt.Bucket) error {
	if m.retention <= 0 {
		return nil
	}

	count := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - m.retention
	if excess <= 0 {
		return nil
	}

	// Deleting through the bucket invalidates a live cursor, so collect
	// the oldest keys first and delete after iterating.
	keysToDelete := make([][]byte, 0, excess)
	for k, _ := c.First(); k != nil && len(keysToDelete) < excess; k, _ = c.Next() {
		keysToDelete = append(keysToDelete, append([]byte{}, k...))
	}
	for _, key := range keysToDelete {
		if err := bucket.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// ListToolCalls returns up to limit records, newest first.
func (m *Manager) ListToolCalls(limit int) ([]*CallRecord, error) {
	var records []*CallRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(toolCallsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec CallRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.Warn("skipping unreadable call record", zap.Error(err))
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database.
func (m *Manager) Close() error {
	return m.db.Close()
}
