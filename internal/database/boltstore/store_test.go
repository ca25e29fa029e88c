package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestOpen_CreatesBuckets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Every sub-store should work against a fresh database.
	_, err := store.EntryStore().ListTemp(ctx, moderation.ActionBlock)
	require.NoError(t, err)

	_, err = store.HistoryStore().List(ctx, 10)
	require.NoError(t, err)

	_, err = store.ContextStore().List(ctx)
	require.NoError(t, err)

	_, err = store.StateStore().GetSyncState(ctx)
	require.NoError(t, err)

	_, err = store.GraphStore().ListConflictGroups(ctx)
	require.NoError(t, err)
}

func TestOpen_ClearsStaleInProgressFlags(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	// Simulate a crash mid-sync and mid-audit.
	require.NoError(t, store.StateStore().BeginSync(ctx))
	require.NoError(t, store.StateStore().BeginAudit(ctx))
	require.NoError(t, store.Close())

	reopened, err := Open(Options{Path: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	sync, err := reopened.StateStore().GetSyncState(ctx)
	require.NoError(t, err)
	assert.False(t, sync.InProgress)

	audit, err := reopened.StateStore().GetAuditState(ctx)
	require.NoError(t, err)
	assert.False(t, audit.InProgress)

	// Both guards must be usable again.
	require.NoError(t, reopened.StateStore().BeginSync(ctx))
	require.NoError(t, reopened.StateStore().BeginAudit(ctx))
}
