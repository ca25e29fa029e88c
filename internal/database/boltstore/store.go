// Package boltstore provides persistent storage using BoltDB (bbolt).
// It holds every document the daemon tracks: temporary and permanent
// moderation entries, action history, post contexts, sync and audit
// state, the social graph snapshot and the session credential.
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
	// BucketTempBlocks and BucketTempMutes store temporary entries keyed by DID.
	BucketTempBlocks = []byte("temp_blocks")
	BucketTempMutes  = []byte("temp_mutes")

	// BucketPermBlocks and BucketPermMutes cache remote-only entries keyed by DID.
	BucketPermBlocks = []byte("perm_blocks")
	BucketPermMutes  = []byte("perm_mutes")

	// BucketHistory stores the capped action history, keyed by timestamp.
	BucketHistory = []byte("action_history")

	// BucketPostContexts stores "why did I do this" contexts keyed by target DID.
	BucketPostContexts = []byte("post_contexts")

	// BucketState stores singleton records: sync state, audit state,
	// auth status, options and the session credential.
	BucketState = []byte("state")

	// BucketSocialGraph stores the follows/followers snapshot.
	BucketSocialGraph = []byte("social_graph")

	// BucketConflictGroups stores blocklist conflict groups keyed by list URI.
	BucketConflictGroups = []byte("conflict_groups")

	// BucketDismissedLists stores dismissed conflict list URIs.
	BucketDismissedLists = []byte("dismissed_lists")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
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
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "ergoblock.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets and clears any in-progress flags
// left behind by a crash mid-sync or mid-audit.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "ergoblock.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
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
			BucketTempBlocks,
			BucketTempMutes,
			BucketPermBlocks,
			BucketPermMutes,
			BucketHistory,
			BucketPostContexts,
			BucketState,
			BucketSocialGraph,
			BucketConflictGroups,
			BucketDismissedLists,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db}

	// A crash while a sync or audit was running leaves the guard flag
	// set; clear it before either component is used again.
	if err := store.StateStore().clearInProgressFlags(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset in-progress flags: %w", err)
	}

	return store, nil
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

// EntryStore returns a temporary/permanent entry store backed by this database.
func (s *Store) EntryStore() *EntryStore {
	return &EntryStore{db: s.db}
}

// HistoryStore returns an action history store backed by this database.
func (s *Store) HistoryStore() *HistoryStore {
	return &HistoryStore{db: s.db}
}

// ContextStore returns a post context store backed by this database.
func (s *Store) ContextStore() *ContextStore {
	return &ContextStore{db: s.db}
}

// StateStore returns a store for singleton state records.
func (s *Store) StateStore() *StateStore {
	return &StateStore{db: s.db}
}

// SessionStore returns a store for the session credential.
func (s *Store) SessionStore() *SessionStore {
	return &SessionStore{db: s.db}
}

// GraphStore returns a store for the social graph and conflict groups.
func (s *Store) GraphStore() *GraphStore {
	return &GraphStore{db: s.db}
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}
