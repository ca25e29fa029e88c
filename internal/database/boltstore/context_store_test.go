package boltstore

import (
	"context"
	"testing"
	"time"

	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStore_Roundtrip(t *testing.T) {
	store := setupTestStore(t).ContextStore()
	ctx := context.Background()

	pc := moderation.PostContext{
		PostURI:       "at://did:plc:target/app.bsky.feed.post/3kxyz",
		PostAuthorDID: "did:plc:target",
		PostText:      "some reply",
		TargetDID:     "did:plc:target",
		TargetHandle:  "target.bsky.social",
		Action:        "block",
		CapturedAt:    time.Now(),
		Guessed:       true,
	}
	require.NoError(t, store.Put(ctx, pc))

	has, err := store.Has(ctx, "did:plc:target")
	require.NoError(t, err)
	assert.True(t, has)

	got, err := store.Get(ctx, "did:plc:target")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pc.PostURI, got.PostURI)
	assert.True(t, got.Guessed)

	t.Run("one context per target", func(t *testing.T) {
		updated := pc
		updated.PostText = "different post"
		require.NoError(t, store.Put(ctx, updated))

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("missing target is nil, not an error", func(t *testing.T) {
		got, err := store.Get(ctx, "did:plc:nobody")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestContextStore_DeleteOlderThan(t *testing.T) {
	store := setupTestStore(t).ContextStore()
	ctx := context.Background()
	now := time.Now()

	// Aged guessed context: eligible for cleanup.
	require.NoError(t, store.Put(ctx, moderation.PostContext{
		TargetDID:  "did:plc:old-guessed",
		CapturedAt: now.Add(-40 * 24 * time.Hour),
		Guessed:    true,
	}))
	// Aged context captured at action time: kept regardless of age.
	require.NoError(t, store.Put(ctx, moderation.PostContext{
		TargetDID:  "did:plc:old-exact",
		CapturedAt: now.Add(-40 * 24 * time.Hour),
	}))
	// Fresh guessed context: inside the window.
	require.NoError(t, store.Put(ctx, moderation.PostContext{
		TargetDID:  "did:plc:fresh",
		CapturedAt: now.Add(-time.Hour),
		Guessed:    true,
	}))

	removed, err := store.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	has, _ := store.Has(ctx, "did:plc:old-guessed")
	assert.False(t, has)
	has, _ = store.Has(ctx, "did:plc:old-exact")
	assert.True(t, has)
	has, _ = store.Has(ctx, "did:plc:fresh")
	assert.True(t, has)
}
