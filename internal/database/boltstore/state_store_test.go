package boltstore

import (
	"context"
	"testing"
	"time"

	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore_SyncGuard(t *testing.T) {
	store := setupTestStore(t).StateStore()
	ctx := context.Background()

	require.NoError(t, store.BeginSync(ctx))

	t.Run("second begin is rejected", func(t *testing.T) {
		err := store.BeginSync(ctx)
		assert.ErrorIs(t, err, ErrSyncInProgress)
	})

	t.Run("end clears the flag and records outcome", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.EndSync(ctx, func(st *moderation.SyncState) {
			st.LastBlockSync = now
			st.LastError = ""
		}))

		state, err := store.GetSyncState(ctx)
		require.NoError(t, err)
		assert.False(t, state.InProgress)
		assert.WithinDuration(t, now, state.LastBlockSync, time.Second)

		require.NoError(t, store.BeginSync(ctx))
	})
}

func TestStateStore_AuditGuard(t *testing.T) {
	store := setupTestStore(t).StateStore()
	ctx := context.Background()

	require.NoError(t, store.BeginAudit(ctx))
	assert.ErrorIs(t, store.BeginAudit(ctx), ErrAuditInProgress)

	require.NoError(t, store.EndAudit(ctx, func(st *moderation.AuditState) {
		st.Conflicts = 3
		st.LastError = "remote unavailable"
	}))

	state, err := store.GetAuditState(ctx)
	require.NoError(t, err)
	assert.False(t, state.InProgress)
	assert.Equal(t, 3, state.Conflicts)
	assert.Equal(t, "remote unavailable", state.LastError)
}

func TestStateStore_GuardsAreIndependent(t *testing.T) {
	store := setupTestStore(t).StateStore()
	ctx := context.Background()

	require.NoError(t, store.BeginSync(ctx))
	require.NoError(t, store.BeginAudit(ctx), "a running sync must not stop an audit")
}

func TestStateStore_AuthValidDefaultsTrue(t *testing.T) {
	store := setupTestStore(t).StateStore()
	ctx := context.Background()

	valid, err := store.GetAuthValid(ctx)
	require.NoError(t, err)
	assert.True(t, valid)

	require.NoError(t, store.SetAuthValid(ctx, false))
	valid, err = store.GetAuthValid(ctx)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestStateStore_OptionsNormalized(t *testing.T) {
	store := setupTestStore(t).StateStore()
	ctx := context.Background()

	t.Run("defaults when never set", func(t *testing.T) {
		opts, err := store.GetOptions(ctx)
		require.NoError(t, err)
		assert.Equal(t, moderation.DefaultOptions(), opts)
	})

	t.Run("interval is clamped on write", func(t *testing.T) {
		require.NoError(t, store.PutOptions(ctx, moderation.Options{CheckIntervalMinutes: 99}))
		opts, err := store.GetOptions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, opts.CheckIntervalMinutes)

		require.NoError(t, store.PutOptions(ctx, moderation.Options{CheckIntervalMinutes: -5}))
		opts, err = store.GetOptions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, opts.CheckIntervalMinutes)
	})
}
