package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"ergoblock/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

var keySocialGraph = []byte("snapshot")

// GraphStore provides persistent storage for the social graph snapshot,
// blocklist conflict groups and the dismissed-list set.
type GraphStore struct {
	db *bolt.DB
}

// PutGraph replaces the social graph snapshot.
func (s *GraphStore) PutGraph(ctx context.Context, graph moderation.SocialGraph) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketSocialGraph)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketSocialGraph)
		}

		data, err := json.Marshal(graph)
		if err != nil {
			return fmt.Errorf("failed to marshal social graph: %w", err)
		}

		return bucket.Put(keySocialGraph, data)
	})
}

// GetGraph returns the social graph snapshot, or nil if never synced.
func (s *GraphStore) GetGraph(ctx context.Context) (*moderation.SocialGraph, error) {
	var graph *moderation.SocialGraph

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketSocialGraph)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keySocialGraph)
		if data == nil {
			return nil
		}

		graph = &moderation.SocialGraph{}
		return json.Unmarshal(data, graph)
	})

	return graph, err
}

// ReplaceConflictGroups atomically replaces the stored conflict groups.
// The dismissed flag on each group is set from the persisted dismissal
// set before writing, so dismissals survive re-audits.
func (s *GraphStore) ReplaceConflictGroups(ctx context.Context, groups []moderation.ConflictGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dismissed := tx.Bucket(BucketDismissedLists)

		if err := tx.DeleteBucket(BucketConflictGroups); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(BucketConflictGroups)
		if err != nil {
			return err
		}

		for _, group := range groups {
			if dismissed != nil && dismissed.Get([]byte(group.List.URI)) != nil {
				group.Dismissed = true
			}
			data, err := json.Marshal(group)
			if err != nil {
				return fmt.Errorf("failed to marshal conflict group: %w", err)
			}
			if err := bucket.Put([]byte(group.List.URI), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// ListConflictGroups returns all stored conflict groups.
func (s *GraphStore) ListConflictGroups(ctx context.Context) ([]moderation.ConflictGroup, error) {
	var groups []moderation.ConflictGroup

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketConflictGroups)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var group moderation.ConflictGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, group)
			return nil
		})
	})

	return groups, err
}

// DismissList marks a conflict list URI as dismissed and updates any
// stored group for it.
func (s *GraphStore) DismissList(ctx context.Context, listURI string) error {
	return s.setDismissed(listURI, true)
}

// UndismissList removes a dismissal.
func (s *GraphStore) UndismissList(ctx context.Context, listURI string) error {
	return s.setDismissed(listURI, false)
}

func (s *GraphStore) setDismissed(listURI string, dismissed bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		set := tx.Bucket(BucketDismissedLists)
		if set == nil {
			return fmt.Errorf("bucket not found: %s", BucketDismissedLists)
		}

		if dismissed {
			if err := set.Put([]byte(listURI), []byte{1}); err != nil {
				return err
			}
		} else {
			if err := set.Delete([]byte(listURI)); err != nil {
				return err
			}
		}

		// Keep any stored group in step with the dismissal set.
		groups := tx.Bucket(BucketConflictGroups)
		if groups == nil {
			return nil
		}
		data := groups.Get([]byte(listURI))
		if data == nil {
			return nil
		}
		var group moderation.ConflictGroup
		if err := json.Unmarshal(data, &group); err != nil {
			return err
		}
		group.Dismissed = dismissed
		updated, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return groups.Put([]byte(listURI), updated)
	})
}

// DismissedLists returns the set of dismissed list URIs.
func (s *GraphStore) DismissedLists(ctx context.Context) (map[string]bool, error) {
	set := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketDismissedLists)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			set[string(k)] = true
			return nil
		})
	})

	return set, err
}
