package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ergoblock/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// Singleton record keys inside BucketState.
var (
	keySyncState  = []byte("sync_state")
	keyAuditState = []byte("audit_state")
	keyAuthStatus = []byte("auth_status")
	keyOptions    = []byte("options")
	keySession    = []byte("session")
)

// Errors returned by the in-progress guards. Both are recoverable: the
// caller may simply retry after the running operation finishes.
var (
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrAuditInProgress = errors.New("audit already in progress")
)

// StateStore provides persistent storage for singleton state records:
// sync state, audit state, the auth-status flag and user options.
type StateStore struct {
	db *bolt.DB
}

func getJSON(tx *bolt.Tx, key []byte, out any) (bool, error) {
	bucket := tx.Bucket(BucketState)
	if bucket == nil {
		return false, fmt.Errorf("bucket not found: %s", BucketState)
	}
	data := bucket.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func putJSON(tx *bolt.Tx, key []byte, in any) error {
	bucket := tx.Bucket(BucketState)
	if bucket == nil {
		return fmt.Errorf("bucket not found: %s", BucketState)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}
	return bucket.Put(key, data)
}

// GetSyncState returns the current sync state (zero value if never set).
func (s *StateStore) GetSyncState(ctx context.Context) (moderation.SyncState, error) {
	var state moderation.SyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, keySyncState, &state)
		return err
	})
	return state, err
}

// PutSyncState overwrites the sync state.
func (s *StateStore) PutSyncState(ctx context.Context, state moderation.SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, keySyncState, state)
	})
}

// BeginSync atomically sets the sync in-progress flag. It returns
// ErrSyncInProgress if a sync is already running; the check and the set
// happen in one write transaction.
func (s *StateStore) BeginSync(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var state moderation.SyncState
		if _, err := getJSON(tx, keySyncState, &state); err != nil {
			return err
		}
		if state.InProgress {
			return ErrSyncInProgress
		}
		state.InProgress = true
		return putJSON(tx, keySyncState, state)
	})
}

// EndSync applies update to the sync state and unconditionally clears the
// in-progress flag. It must run on every exit path of a sync.
func (s *StateStore) EndSync(ctx context.Context, update func(*moderation.SyncState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var state moderation.SyncState
		if _, err := getJSON(tx, keySyncState, &state); err != nil {
			return err
		}
		if update != nil {
			update(&state)
		}
		state.InProgress = false
		return putJSON(tx, keySyncState, state)
	})
}

// GetAuditState returns the current audit state (zero value if never set).
func (s *StateStore) GetAuditState(ctx context.Context) (moderation.AuditState, error) {
	var state moderation.AuditState
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, keyAuditState, &state)
		return err
	})
	return state, err
}

// PutAuditState overwrites the audit state.
func (s *StateStore) PutAuditState(ctx context.Context, state moderation.AuditState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, keyAuditState, state)
	})
}

// BeginAudit atomically sets the audit in-progress flag, returning
// ErrAuditInProgress if an audit is already running.
func (s *StateStore) BeginAudit(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var state moderation.AuditState
		if _, err := getJSON(tx, keyAuditState, &state); err != nil {
			return err
		}
		if state.InProgress {
			return ErrAuditInProgress
		}
		state.InProgress = true
		return putJSON(tx, keyAuditState, state)
	})
}

// EndAudit applies update to the audit state and unconditionally clears
// the in-progress flag.
func (s *StateStore) EndAudit(ctx context.Context, update func(*moderation.AuditState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var state moderation.AuditState
		if _, err := getJSON(tx, keyAuditState, &state); err != nil {
			return err
		}
		if update != nil {
			update(&state)
		}
		state.InProgress = false
		return putJSON(tx, keyAuditState, state)
	})
}

// GetAuthValid reports whether the stored credential last worked.
// Defaults to true when never recorded.
func (s *StateStore) GetAuthValid(ctx context.Context) (bool, error) {
	valid := true
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, keyAuthStatus, &valid)
		return err
	})
	return valid, err
}

// SetAuthValid records the process-wide auth-status flag.
func (s *StateStore) SetAuthValid(ctx context.Context, valid bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, keyAuthStatus, valid)
	})
}

// GetOptions returns the stored options, normalized, or defaults when
// never set.
func (s *StateStore) GetOptions(ctx context.Context) (moderation.Options, error) {
	opts := moderation.DefaultOptions()
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, keyOptions, &opts)
		return err
	})
	return opts.Normalize(), err
}

// PutOptions stores the options after normalizing them.
func (s *StateStore) PutOptions(ctx context.Context, opts moderation.Options) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, keyOptions, opts.Normalize())
	})
}

// clearInProgressFlags forces both guard flags false. Called once from
// Open to recover from a crash that occurred while a flag was set.
func (s *StateStore) clearInProgressFlags() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sync moderation.SyncState
		if ok, err := getJSON(tx, keySyncState, &sync); err != nil {
			return err
		} else if ok && sync.InProgress {
			sync.InProgress = false
			if err := putJSON(tx, keySyncState, sync); err != nil {
				return err
			}
		}

		var audit moderation.AuditState
		if ok, err := getJSON(tx, keyAuditState, &audit); err != nil {
			return err
		} else if ok && audit.InProgress {
			audit.InProgress = false
			if err := putJSON(tx, keyAuditState, audit); err != nil {
				return err
			}
		}

		return nil
	})
}
