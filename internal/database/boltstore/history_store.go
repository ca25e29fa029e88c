package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"ergoblock/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// HistoryStore provides persistent storage for the append-only action
// history. The history is capped at moderation.HistoryCap entries with the
// oldest dropped first.
type HistoryStore struct {
	db *bolt.DB
}

// Append stores a history entry and prunes beyond the retention cap.
func (s *HistoryStore) Append(ctx context.Context, entry moderation.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketHistory)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketHistory)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}

		// Timestamp-based key for chronological ordering; the sequence
		// suffix keeps same-instant entries unique.
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d:%012d", entry.Timestamp.UnixNano(), seq)

		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}

		// Drop oldest entries beyond the cap.
		count := 0
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for count > moderation.HistoryCap {
			k, _ := bucket.Cursor().First()
			if k == nil {
				break
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count--
		}

		return nil
	})
}

// List returns up to limit history entries, newest first.
func (s *HistoryStore) List(ctx context.Context, limit int) ([]moderation.HistoryEntry, error) {
	var entries []moderation.HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketHistory)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry moderation.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip malformed entries
			}
			entries = append(entries, entry)
		}

		return nil
	})

	return entries, err
}

// ListForDID returns history entries for a single account, newest first.
func (s *HistoryStore) ListForDID(ctx context.Context, did string, limit int) ([]moderation.HistoryEntry, error) {
	var entries []moderation.HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketHistory)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry moderation.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.DID == did {
				entries = append(entries, entry)
			}
		}

		return nil
	})

	return entries, err
}
