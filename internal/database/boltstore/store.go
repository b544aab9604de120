// Package boltstore provides persistent storage using BoltDB (bbolt).
// It implements the risk state ledger and the chat message index behind
// the interfaces the risk core consumes. BoltDB commits are atomic
// write-replace transactions, and writers are serialized by the database,
// which gives this package the single-logical-writer guarantee for free.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketRiskDecisions stores the append-only decision ledger keyed by
	// "{padded unixnano}:{id}" so cursor order is chronological.
	BucketRiskDecisions = []byte("risk_decisions")

	// BucketRiskAppeals stores user appeals keyed by "{padded unixnano}:{id}".
	BucketRiskAppeals = []byte("risk_appeals")

	// BucketRiskAttempts stores friend-add attempts keyed by
	// "{padded unixnano}|{actor uid}".
	BucketRiskAttempts = []byte("risk_attempts")

	// BucketRiskIgnores stores ignore entries keyed by
	// "{actor uid}|{target type}|{target uid}". One entry per key.
	BucketRiskIgnores = []byte("risk_ignores")

	// BucketChatMessages stores the message index keyed by
	// "{conversation key}|{padded ms}|{sequence}".
	BucketChatMessages = []byte("chat_messages")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db            *bolt.DB
	maxLogEntries int
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode

	// MaxLogEntries caps each append-only log; the oldest entries are
	// evicted first. If zero, 4096 is used.
	MaxLogEntries int
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:          "lumachat.db",
		Timeout:       5 * time.Second,
		FileMode:      0600,
		MaxLogEntries: 4096,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "lumachat.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}
	if opts.MaxLogEntries == 0 {
		opts.MaxLogEntries = 4096
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketRiskDecisions,
			BucketRiskAppeals,
			BucketRiskAttempts,
			BucketRiskIgnores,
			BucketChatMessages,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, maxLogEntries: opts.MaxLogEntries}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// RiskStore returns the risk state ledger backed by this database.
func (s *Store) RiskStore() *RiskStore {
	return &RiskStore{db: s.db, maxEntries: s.maxLogEntries}
}

// MessageStore returns the chat message index backed by this database.
func (s *Store) MessageStore() *MessageStore {
	return &MessageStore{db: s.db}
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}

// BucketCount returns the number of keys in the named bucket, or -1 when the
// bucket is missing or the database cannot be read.
func (s *Store) BucketCount(bucket []byte) int {
	n := -1
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return -1
	}
	return n
}
