package boltstore

import (
	"context"

	"ergoblock/internal/atproto"

	bolt "go.etcd.io/bbolt"
)

// SessionStore persists the signed-in session alongside the rest of the
// daemon state. It satisfies atproto.SessionStore.
type SessionStore struct {
	db *bolt.DB
}

// LoadSession returns the stored session, or nil when signed out.
func (s *SessionStore) LoadSession(ctx context.Context) (*atproto.Session, error) {
	var session atproto.Session
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, keySession, &session)
		found = ok
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

// SaveSession overwrites the stored session.
func (s *SessionStore) SaveSession(ctx context.Context, session *atproto.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, keySession, session)
	})
}

// DeleteSession signs the daemon out.
func (s *SessionStore) DeleteSession(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketState)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(keySession)
	})
}
