package boltstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStore_AppendAndList(t *testing.T) {
	store := setupTestStore(t).HistoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, moderation.HistoryEntry{
			DID:       fmt.Sprintf("did:plc:user%d", i),
			Action:    "blocked",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Trigger:   moderation.TriggerManual,
			Success:   true,
		}))
	}

	entries, err := store.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "did:plc:user4", entries[0].DID, "newest first")
	assert.Equal(t, "did:plc:user2", entries[2].DID)
}

func TestHistoryStore_CapDropsOldest(t *testing.T) {
	store := setupTestStore(t).HistoryStore()
	ctx := context.Background()
	base := time.Now().Add(-24 * time.Hour)

	total := moderation.HistoryCap + 10
	for i := 0; i < total; i++ {
		require.NoError(t, store.Append(ctx, moderation.HistoryEntry{
			DID:       fmt.Sprintf("did:plc:user%04d", i),
			Action:    "muted",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Trigger:   moderation.TriggerAutoExpire,
			Success:   true,
		}))
	}

	entries, err := store.List(ctx, total)
	require.NoError(t, err)
	assert.Len(t, entries, moderation.HistoryCap)

	// The ten oldest entries are gone; the newest survives.
	assert.Equal(t, fmt.Sprintf("did:plc:user%04d", total-1), entries[0].DID)
	oldest := entries[len(entries)-1]
	assert.Equal(t, "did:plc:user0010", oldest.DID)
}

func TestHistoryStore_ListForDID(t *testing.T) {
	store := setupTestStore(t).HistoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Append(ctx, moderation.HistoryEntry{DID: "did:plc:a", Action: "blocked", Timestamp: now}))
	require.NoError(t, store.Append(ctx, moderation.HistoryEntry{DID: "did:plc:b", Action: "blocked", Timestamp: now.Add(time.Second)}))
	require.NoError(t, store.Append(ctx, moderation.HistoryEntry{DID: "did:plc:a", Action: "unblocked", Timestamp: now.Add(2 * time.Second)}))

	entries, err := store.ListForDID(ctx, "did:plc:a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unblocked", entries[0].Action)
	assert.Equal(t, "blocked", entries[1].Action)
}
