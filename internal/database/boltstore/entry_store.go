package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ergoblock/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// EntryStore provides persistent storage for temporary and permanent
// moderation entries, one bucket per action type.
type EntryStore struct {
	db *bolt.DB
}

func tempBucket(action moderation.ActionType) []byte {
	if action == moderation.ActionMute {
		return BucketTempMutes
	}
	return BucketTempBlocks
}

func permBucket(action moderation.ActionType) []byte {
	if action == moderation.ActionMute {
		return BucketPermMutes
	}
	return BucketPermBlocks
}

// PutTemp stores a temporary entry, replacing any existing entry for the
// same DID. Re-applying an action to an account refreshes its expiry this
// way. The DID is also removed from the permanent set for the action type
// so the two sets stay disjoint.
func (s *EntryStore) PutTemp(ctx context.Context, action moderation.ActionType, entry moderation.TempEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tempBucket(action))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tempBucket(action))
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal temp entry: %w", err)
		}

		if err := bucket.Put([]byte(entry.DID), data); err != nil {
			return err
		}

		if perm := tx.Bucket(permBucket(action)); perm != nil {
			return perm.Delete([]byte(entry.DID))
		}
		return nil
	})
}

// GetTemp retrieves a temporary entry by DID, or nil if absent.
func (s *EntryStore) GetTemp(ctx context.Context, action moderation.ActionType, did string) (*moderation.TempEntry, error) {
	var entry *moderation.TempEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tempBucket(action))
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(did))
		if data == nil {
			return nil
		}

		entry = &moderation.TempEntry{}
		return json.Unmarshal(data, entry)
	})

	return entry, err
}

// DeleteTemp removes a temporary entry.
func (s *EntryStore) DeleteTemp(ctx context.Context, action moderation.ActionType, did string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tempBucket(action))
		if bucket == nil {
			return nil
		}

		return bucket.Delete([]byte(did))
	})
}

// ListTemp returns all temporary entries for an action type, ordered by
// expiry (soonest first).
func (s *EntryStore) ListTemp(ctx context.Context, action moderation.ActionType) ([]moderation.TempEntry, error) {
	var entries []moderation.TempEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tempBucket(action))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry moderation.TempEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
	})

	return entries, nil
}

// GetPerm retrieves a permanent entry by DID, or nil if absent.
func (s *EntryStore) GetPerm(ctx context.Context, action moderation.ActionType, did string) (*moderation.PermEntry, error) {
	var entry *moderation.PermEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(permBucket(action))
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(did))
		if data == nil {
			return nil
		}

		entry = &moderation.PermEntry{}
		return json.Unmarshal(data, entry)
	})

	return entry, err
}

// PutPerm upserts a single permanent entry.
func (s *EntryStore) PutPerm(ctx context.Context, action moderation.ActionType, entry moderation.PermEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(permBucket(action))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", permBucket(action))
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal perm entry: %w", err)
		}

		return bucket.Put([]byte(entry.DID), data)
	})
}

// ListPerm returns all permanent entries for an action type.
func (s *EntryStore) ListPerm(ctx context.Context, action moderation.ActionType) ([]moderation.PermEntry, error) {
	var entries []moderation.PermEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(permBucket(action))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry moderation.PermEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})

	return entries, err
}

// ReplacePerm atomically replaces the full permanent entry set for an
// action type. Entries that vanished remotely disappear with the old set.
func (s *EntryStore) ReplacePerm(ctx context.Context, action moderation.ActionType, entries []moderation.PermEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := permBucket(action)
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal perm entry: %w", err)
			}
			if err := bucket.Put([]byte(entry.DID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// CountAll returns the total number of tracked entries (temporary and
// permanent, both action types). This is the badge count.
func (s *EntryStore) CountAll(ctx context.Context) (int, error) {
	var total int

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{BucketTempBlocks, BucketTempMutes, BucketPermBlocks, BucketPermMutes} {
			if bucket := tx.Bucket(name); bucket != nil {
				total += bucket.Stats().KeyN
			}
		}
		return nil
	})

	return total, err
}
