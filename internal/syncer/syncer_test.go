package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	blocks  []atproto.ProfileView
	mutes   []atproto.ProfileView
	records []atproto.BlockRecord

	blocksErr error
}

func (c *stubClient) GetBlocks(ctx context.Context) ([]atproto.ProfileView, error) {
	if c.blocksErr != nil {
		return nil, c.blocksErr
	}
	return c.blocks, nil
}

func (c *stubClient) GetMutes(ctx context.Context) ([]atproto.ProfileView, error) {
	return c.mutes, nil
}

func (c *stubClient) ListBlockRecords(ctx context.Context) ([]atproto.BlockRecord, error) {
	return c.records, nil
}

func (c *stubClient) GetProfiles(ctx context.Context, dids []string) ([]atproto.ProfileDetail, error) {
	profiles := make([]atproto.ProfileDetail, 0, len(dids))
	for _, did := range dids {
		profiles = append(profiles, atproto.ProfileDetail{
			ProfileView: atproto.ProfileView{DID: did},
			Viewer:      &atproto.ViewerState{BlockedBy: did == "did:plc:hostile"},
		})
	}
	return profiles, nil
}

type nullRemote struct{}

func (nullRemote) CreateBlock(ctx context.Context, did string) (string, string, error) {
	return "", "", nil
}
func (nullRemote) DeleteBlock(ctx context.Context, rkey string) error { return nil }
func (nullRemote) FindBlockRKey(ctx context.Context, did string) (string, error) {
	return "", nil
}
func (nullRemote) Mute(ctx context.Context, did string) error   { return nil }
func (nullRemote) Unmute(ctx context.Context, did string) error { return nil }

type countingResolver struct {
	resolved []string
}

func (r *countingResolver) Resolve(ctx context.Context, targetDID, targetHandle string, action moderation.ActionType, exhaustive bool) (*moderation.PostContext, error) {
	r.resolved = append(r.resolved, targetDID)
	return nil, nil
}

type fixture struct {
	store    *boltstore.Store
	client   *stubClient
	resolver *countingResolver
	syncer   *Syncer
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := &stubClient{}
	resolver := &countingResolver{}
	service := moderation.NewService(nullRemote{}, store.EntryStore(), store.HistoryStore(), nil, store.StateStore())
	s := New(client, store.EntryStore(), store.StateStore(), store.ContextStore(), service, resolver)
	s.BatchDelay = 0
	s.ContextDelay = 0

	return &fixture{store: store, client: client, resolver: resolver, syncer: s}
}

func profile(did string) atproto.ProfileView {
	return atproto.ProfileView{DID: did, Handle: did + ".example"}
}

func TestPerformFullSync_KeepsTempAndPermDisjoint(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// One remote block is tracked as temporary; it must not enter the
	// permanent cache.
	require.NoError(t, f.store.EntryStore().PutTemp(ctx, moderation.ActionBlock, moderation.TempEntry{
		DID:       "did:plc:tracked",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	f.client.blocks = []atproto.ProfileView{profile("did:plc:tracked"), profile("did:plc:perm")}
	f.client.records = []atproto.BlockRecord{
		{Subject: "did:plc:perm", RKey: "rkeyperm", CreatedAt: time.Now().Add(-24 * time.Hour)},
	}

	result, err := f.syncer.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Zero(t, result.Removed)

	perm, err := f.store.EntryStore().ListPerm(ctx, moderation.ActionBlock)
	require.NoError(t, err)
	require.Len(t, perm, 1)
	assert.Equal(t, "did:plc:perm", perm[0].DID)
	assert.Equal(t, "rkeyperm", perm[0].RKey)
	require.NotNil(t, perm[0].CreatedAt)

	temp, err := f.store.EntryStore().ListTemp(ctx, moderation.ActionBlock)
	require.NoError(t, err)
	require.Len(t, temp, 1)

	state, err := f.store.StateStore().GetSyncState(ctx)
	require.NoError(t, err)
	assert.False(t, state.InProgress)
	assert.False(t, state.LastBlockSync.IsZero())
	assert.Empty(t, state.LastError)
}

func TestPerformFullSync_DetectsExternalRemoval(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.store.EntryStore().PutTemp(ctx, moderation.ActionMute, moderation.TempEntry{
		DID:       "did:plc:gone",
		Handle:    "gone.example",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	// Remote mute listing no longer contains the tracked account.
	f.client.mutes = nil

	result, err := f.syncer.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	temp, err := f.store.EntryStore().ListTemp(ctx, moderation.ActionMute)
	require.NoError(t, err)
	assert.Empty(t, temp, "drifted entry is dropped without a remote call")

	history, err := f.store.HistoryStore().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, moderation.TriggerExternallyRemoved, history[0].Trigger)
	assert.Equal(t, "unmuted", history[0].Action)
}

func TestPerformFullSync_PreservesKnownCreationTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	original := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, f.store.EntryStore().PutPerm(ctx, moderation.ActionBlock, moderation.PermEntry{
		DID:       "did:plc:old",
		CreatedAt: &original,
		RKey:      "originalrkey",
	}))

	// The remote record is newer, an artifact of reverse-and-reapply.
	f.client.blocks = []atproto.ProfileView{profile("did:plc:old")}
	f.client.records = []atproto.BlockRecord{
		{Subject: "did:plc:old", RKey: "newrkey", CreatedAt: time.Now()},
	}

	result, err := f.syncer.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Added, "already-known account is not a discovery")

	perm, err := f.store.EntryStore().ListPerm(ctx, moderation.ActionBlock)
	require.NoError(t, err)
	require.Len(t, perm, 1)
	require.NotNil(t, perm[0].CreatedAt)
	assert.True(t, perm[0].CreatedAt.Equal(original))
	assert.Equal(t, "originalrkey", perm[0].RKey)
}

func TestPerformFullSync_ResolvesContextForDiscoveries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.client.blocks = []atproto.ProfileView{profile("did:plc:new")}

	_, err := f.syncer.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:new"}, f.resolver.resolved)

	// A second sync discovers nothing and resolves nothing.
	f.resolver.resolved = nil
	_, err = f.syncer.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.resolver.resolved)
}

func TestPerformFullSync_GuardRejectsConcurrentRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.store.StateStore().BeginSync(ctx))

	_, err := f.syncer.PerformFullSync(ctx)
	assert.ErrorIs(t, err, boltstore.ErrSyncInProgress)
}

func TestStartFullSync_OnlyOneStartOwnsTheRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	run, err := f.syncer.StartFullSync(ctx)
	require.NoError(t, err)

	_, err = f.syncer.StartFullSync(ctx)
	require.ErrorIs(t, err, boltstore.ErrSyncInProgress, "second start is rejected while the first holds the guard")

	_, err = run(ctx)
	require.NoError(t, err)

	run2, err := f.syncer.StartFullSync(ctx)
	require.NoError(t, err, "guard released after the held run completes")
	_, err = run2(ctx)
	require.NoError(t, err)
}

func TestPerformFullSync_AuthFailureMarksCredentialInvalid(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.client.blocksErr = &atproto.APIError{StatusCode: 401, Auth: true}

	_, err := f.syncer.PerformFullSync(ctx)
	require.Error(t, err)
	assert.True(t, atproto.IsAuthError(err))

	valid, serr := f.store.StateStore().GetAuthValid(ctx)
	require.NoError(t, serr)
	assert.False(t, valid)

	state, serr := f.store.StateStore().GetSyncState(ctx)
	require.NoError(t, serr)
	assert.False(t, state.InProgress, "guard is released even on failure")
	assert.NotEmpty(t, state.LastError)

	t.Run("next sync is rejected before any remote call", func(t *testing.T) {
		f.client.blocksErr = nil
		_, err := f.syncer.PerformFullSync(ctx)
		require.Error(t, err)
		assert.True(t, atproto.IsAuthError(err))
	})
}
