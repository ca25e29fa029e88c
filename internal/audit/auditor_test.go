package audit

import (
	"context"
	"path/filepath"
	"testing"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userDID = "did:plc:me"

type stubClient struct {
	follows    []atproto.ProfileView
	followers  []atproto.ProfileView
	blockLists []atproto.ListView
	muteLists  []atproto.ListView
	members    map[string][]atproto.ProfileView

	followsErr error
}

func (c *stubClient) GetFollows(ctx context.Context, actor string) ([]atproto.ProfileView, error) {
	if c.followsErr != nil {
		return nil, c.followsErr
	}
	return c.follows, nil
}

func (c *stubClient) GetFollowers(ctx context.Context, actor string) ([]atproto.ProfileView, error) {
	return c.followers, nil
}

func (c *stubClient) GetListBlocks(ctx context.Context) ([]atproto.ListView, error) {
	return c.blockLists, nil
}

func (c *stubClient) GetListMutes(ctx context.Context) ([]atproto.ListView, error) {
	return c.muteLists, nil
}

func (c *stubClient) GetListMembers(ctx context.Context, listURI string) ([]atproto.ProfileView, error) {
	return c.members[listURI], nil
}

func modList(uri, name string) atproto.ListView {
	return atproto.ListView{
		URI:     uri,
		Name:    name,
		Purpose: atproto.ListPurposeModeration,
		Creator: atproto.ProfileView{DID: "did:plc:curator", Handle: "curator.bsky.social"},
	}
}

func profile(did, handle string) atproto.ProfileView {
	return atproto.ProfileView{DID: did, Handle: handle}
}

func setup(t *testing.T) (*Auditor, *stubClient, *boltstore.Store) {
	t.Helper()

	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := &stubClient{members: map[string][]atproto.ProfileView{}}
	auditor := New(client, store.GraphStore(), store.StateStore(), userDID)
	return auditor, client, store
}

func TestRun_FindsConflictsAgainstTheGraph(t *testing.T) {
	auditor, client, store := setup(t)
	ctx := context.Background()

	client.follows = []atproto.ProfileView{
		profile("did:plc:friend", "friend.bsky.social"),
		profile("did:plc:buddy", "buddy.bsky.social"),
	}
	client.followers = []atproto.ProfileView{
		profile("did:plc:friend", "friend.bsky.social"),
		profile("did:plc:fan", "fan.bsky.social"),
	}
	client.blockLists = []atproto.ListView{modList("at://l/spam", "spam")}
	client.members["at://l/spam"] = []atproto.ProfileView{
		profile("did:plc:friend", "friend.bsky.social"),
		profile("did:plc:stranger", "stranger.bsky.social"),
	}

	result, err := auditor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Follows)
	assert.Equal(t, 2, result.Followers)
	assert.Equal(t, 1, result.Lists)
	assert.Equal(t, 1, result.Conflicts, "only graph members count as conflicts")

	groups, err := store.GraphStore().ListConflictGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Members, 1)
	assert.Equal(t, "did:plc:friend", groups[0].Members[0].DID)
	assert.Equal(t, moderation.RelMutual, groups[0].Members[0].Relationship)

	graph, err := store.GraphStore().GetGraph(ctx)
	require.NoError(t, err)
	require.NotNil(t, graph)
	assert.Len(t, graph.Accounts, 3, "mutuals are recorded once")
}

func TestRun_OmitsListsWithoutOverlap(t *testing.T) {
	auditor, client, store := setup(t)
	ctx := context.Background()

	client.follows = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}
	client.blockLists = []atproto.ListView{
		modList("at://l/hit", "hit"),
		modList("at://l/clean", "clean"),
	}
	client.members["at://l/hit"] = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}
	client.members["at://l/clean"] = []atproto.ProfileView{profile("did:plc:stranger", "stranger.bsky.social")}

	_, err := auditor.Run(ctx)
	require.NoError(t, err)

	groups, err := store.GraphStore().ListConflictGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "at://l/hit", groups[0].List.URI)
}

func TestRun_MergesListFlavorsAndIgnoresCurationLists(t *testing.T) {
	auditor, client, store := setup(t)
	ctx := context.Background()

	client.follows = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}

	shared := modList("at://l/both", "both flavors")
	curation := atproto.ListView{URI: "at://l/starterpack", Name: "cool people", Purpose: "app.bsky.graph.defs#curatelist"}
	client.blockLists = []atproto.ListView{shared}
	client.muteLists = []atproto.ListView{shared, curation}
	client.members["at://l/both"] = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}
	client.members["at://l/starterpack"] = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}

	result, err := auditor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Lists)

	groups, err := store.GraphStore().ListConflictGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestRun_DismissalSurvivesReaudit(t *testing.T) {
	auditor, client, store := setup(t)
	ctx := context.Background()

	client.follows = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}
	client.blockLists = []atproto.ListView{modList("at://l/spam", "spam")}
	client.members["at://l/spam"] = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}

	_, err := auditor.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, store.GraphStore().DismissList(ctx, "at://l/spam"))

	_, err = auditor.Run(ctx)
	require.NoError(t, err)

	groups, err := store.GraphStore().ListConflictGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Dismissed)
}

func TestRun_GuardRejectsConcurrentRun(t *testing.T) {
	auditor, _, store := setup(t)
	ctx := context.Background()

	require.NoError(t, store.StateStore().BeginAudit(ctx))

	_, err := auditor.Run(ctx)
	assert.ErrorIs(t, err, boltstore.ErrAuditInProgress)
}

func TestRun_FailureRecordsErrorAndReleasesGuard(t *testing.T) {
	auditor, client, store := setup(t)
	ctx := context.Background()

	client.followsErr = assert.AnError

	_, err := auditor.Run(ctx)
	require.Error(t, err)

	state, serr := store.StateStore().GetAuditState(ctx)
	require.NoError(t, serr)
	assert.False(t, state.InProgress)
	assert.NotEmpty(t, state.LastError)
	assert.True(t, state.LastAudit.IsZero(), "a failed run does not count as an audit")
}

type failingGraph struct {
	GraphStore
}

func (failingGraph) ReplaceConflictGroups(ctx context.Context, groups []moderation.ConflictGroup) error {
	return assert.AnError
}

func TestRun_GroupWriteFailureDoesNotRecordSuccess(t *testing.T) {
	_, client, store := setup(t)
	ctx := context.Background()

	client.follows = []atproto.ProfileView{profile("did:plc:friend", "friend.bsky.social")}
	client.blockLists = []atproto.ListView{modList("at://l/spam", "spam")}
	client.members["at://l/spam"] = []atproto.ProfileView{
		profile("did:plc:friend", "friend.bsky.social"),
	}

	auditor := New(client, failingGraph{store.GraphStore()}, store.StateStore(), userDID)

	_, err := auditor.Run(ctx)
	require.ErrorIs(t, err, assert.AnError)

	state, serr := store.StateStore().GetAuditState(ctx)
	require.NoError(t, serr)
	assert.False(t, state.InProgress)
	assert.NotEmpty(t, state.LastError)
	assert.True(t, state.LastAudit.IsZero(), "an unpersisted audit does not count")
	assert.Zero(t, state.Conflicts)
}

func TestStart_OnlyOneStartOwnsTheRun(t *testing.T) {
	auditor, _, _ := setup(t)
	ctx := context.Background()

	run, err := auditor.Start(ctx)
	require.NoError(t, err)

	_, err = auditor.Start(ctx)
	require.ErrorIs(t, err, boltstore.ErrAuditInProgress, "second start is rejected while the first holds the guard")

	_, err = run(ctx)
	require.NoError(t, err)

	run2, err := auditor.Start(ctx)
	require.NoError(t, err, "guard released after the held run completes")
	_, err = run2(ctx)
	require.NoError(t, err)
}
