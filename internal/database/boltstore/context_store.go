package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ergoblock/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// ContextStore provides persistent storage for post contexts, keyed by
// target DID. One context is kept per moderated account; the collection
// is capped at moderation.PostContextCap with the oldest dropped first.
type ContextStore struct {
	db *bolt.DB
}

// Put stores a post context, replacing any existing context for the same
// target account.
func (s *ContextStore) Put(ctx context.Context, pc moderation.PostContext) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketPostContexts)
		}

		data, err := json.Marshal(pc)
		if err != nil {
			return fmt.Errorf("failed to marshal post context: %w", err)
		}

		if err := bucket.Put([]byte(pc.TargetDID), data); err != nil {
			return err
		}

		// Enforce the cap by dropping the oldest captures.
		var all []moderation.PostContext
		err = bucket.ForEach(func(k, v []byte) error {
			var entry moderation.PostContext
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip malformed entries
			}
			all = append(all, entry)
			return nil
		})
		if err != nil {
			return err
		}

		if len(all) > moderation.PostContextCap {
			sort.Slice(all, func(i, j int) bool {
				return all[i].CapturedAt.Before(all[j].CapturedAt)
			})
			for _, old := range all[:len(all)-moderation.PostContextCap] {
				if err := bucket.Delete([]byte(old.TargetDID)); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// Get retrieves the post context for a target DID, or nil if absent.
func (s *ContextStore) Get(ctx context.Context, targetDID string) (*moderation.PostContext, error) {
	var pc *moderation.PostContext

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(targetDID))
		if data == nil {
			return nil
		}

		pc = &moderation.PostContext{}
		return json.Unmarshal(data, pc)
	})

	return pc, err
}

// Has reports whether a post context exists for the target DID.
func (s *ContextStore) Has(ctx context.Context, targetDID string) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return nil
		}
		found = bucket.Get([]byte(targetDID)) != nil
		return nil
	})

	return found, err
}

// Delete removes the post context for a target DID.
func (s *ContextStore) Delete(ctx context.Context, targetDID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(targetDID))
	})
}

// List returns all post contexts, newest capture first.
func (s *ContextStore) List(ctx context.Context) ([]moderation.PostContext, error) {
	var entries []moderation.PostContext

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry moderation.PostContext
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip malformed entries
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CapturedAt.After(entries[j].CapturedAt)
	})

	return entries, nil
}

// DeleteOlderThan removes guessed contexts captured before the cutoff and
// returns how many were removed. Contexts captured at the moment of action
// (Guessed=false) are kept regardless of age.
func (s *ContextStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPostContexts)
		if bucket == nil {
			return nil
		}

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry moderation.PostContext
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.Guessed && entry.CapturedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}
