package atproto

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/xrpc"
)

// Session is the cached credential record for the signed-in user.
type Session struct {
	DID        string    `json:"did"`
	Handle     string    `json:"handle"`
	Host       string    `json:"host"` // PDS base URL
	AccessJwt  string    `json:"accessJwt"`
	RefreshJwt string    `json:"refreshJwt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionStore persists the session credential across restarts.
// Implemented by the bolt-backed store.
type SessionStore interface {
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, sess *Session) error
	DeleteSession(ctx context.Context) error
}

// Login creates a fresh session on the given PDS using a handle (or DID)
// and an app password, and returns the credential record to persist.
func Login(ctx context.Context, host, identifier, password string) (*Session, error) {
	client := &xrpc.Client{Host: host}

	params := map[string]interface{}{
		"identifier": identifier,
		"password":   password,
	}

	var result struct {
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
		Handle     string `json:"handle"`
		DID        string `json:"did"`
	}

	err := client.Do(ctx, xrpc.Procedure, "", "com.atproto.server.createSession", nil, params, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", wrapErr(err))
	}

	return &Session{
		DID:        result.DID,
		Handle:     result.Handle,
		Host:       host,
		AccessJwt:  result.AccessJwt,
		RefreshJwt: result.RefreshJwt,
		CreatedAt:  time.Now(),
	}, nil
}
