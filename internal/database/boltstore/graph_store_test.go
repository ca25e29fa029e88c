package boltstore

import (
	"context"
	"testing"
	"time"

	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphStore_SnapshotRoundtrip(t *testing.T) {
	store := setupTestStore(t).GraphStore()
	ctx := context.Background()

	got, err := store.GetGraph(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "never-synced graph is nil")

	graph := moderation.SocialGraph{
		Accounts: []moderation.GraphAccount{
			{DID: "did:plc:a", Handle: "a.bsky.social", Relationship: moderation.RelMutual},
			{DID: "did:plc:b", Handle: "b.bsky.social", Relationship: moderation.RelFollower},
		},
		SyncedAt: time.Now(),
	}
	require.NoError(t, store.PutGraph(ctx, graph))

	got, err = store.GetGraph(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Accounts, 2)
	assert.Equal(t, moderation.RelMutual, got.Accounts[0].Relationship)
}

func conflictGroup(uri string, members ...string) moderation.ConflictGroup {
	group := moderation.ConflictGroup{
		List: moderation.ModList{URI: uri, Name: "spam list"},
	}
	for _, did := range members {
		group.Members = append(group.Members, moderation.ConflictMember{
			DID:          did,
			Relationship: moderation.RelFollowing,
		})
	}
	return group
}

func TestGraphStore_DismissalSurvivesReaudit(t *testing.T) {
	store := setupTestStore(t).GraphStore()
	ctx := context.Background()
	uri := "at://did:plc:owner/app.bsky.graph.list/3kaaa"

	require.NoError(t, store.ReplaceConflictGroups(ctx, []moderation.ConflictGroup{
		conflictGroup(uri, "did:plc:friend"),
	}))

	require.NoError(t, store.DismissList(ctx, uri))

	// Re-audit finds the same conflict and replaces the stored groups.
	require.NoError(t, store.ReplaceConflictGroups(ctx, []moderation.ConflictGroup{
		conflictGroup(uri, "did:plc:friend"),
	}))

	groups, err := store.ListConflictGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Dismissed, "dismissal must survive the re-audit")

	t.Run("undismiss takes effect immediately", func(t *testing.T) {
		require.NoError(t, store.UndismissList(ctx, uri))

		groups, err := store.ListConflictGroups(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.False(t, groups[0].Dismissed)

		set, err := store.DismissedLists(ctx)
		require.NoError(t, err)
		assert.Empty(t, set)
	})
}

func TestGraphStore_ReplaceDropsVanishedGroups(t *testing.T) {
	store := setupTestStore(t).GraphStore()
	ctx := context.Background()

	require.NoError(t, store.ReplaceConflictGroups(ctx, []moderation.ConflictGroup{
		conflictGroup("at://l/1", "did:plc:x"),
		conflictGroup("at://l/2", "did:plc:y"),
	}))

	require.NoError(t, store.ReplaceConflictGroups(ctx, []moderation.ConflictGroup{
		conflictGroup("at://l/2", "did:plc:y"),
	}))

	groups, err := store.ListConflictGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "at://l/2", groups[0].List.URI)
}
