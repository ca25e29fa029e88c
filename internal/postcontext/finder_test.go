package postcontext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserDID    = "did:plc:me"
	testUserHandle = "me.bsky.social"
	testTargetDID  = "did:plc:spammer"
)

type fakeNetwork struct {
	mu       sync.Mutex
	searches int
	scans    int

	searchPosts []map[string]any
	scanPages   [][]map[string]any
}

func (f *fakeNetwork) handler(pdsURL func() string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.URL.Path {
		case "/xrpc/app.bsky.feed.searchPosts":
			f.searches++
			json.NewEncoder(w).Encode(map[string]any{"posts": f.searchPosts})
		case "/" + testTargetDID:
			json.NewEncoder(w).Encode(map[string]any{
				"service": []map[string]string{{
					"id":              "#atproto_pds",
					"serviceEndpoint": pdsURL(),
				}},
			})
		case "/xrpc/com.atproto.repo.listRecords":
			page := 0
			if c := r.URL.Query().Get("cursor"); c != "" {
				page, _ = strconv.Atoi(c)
			}
			f.scans++

			var records []map[string]any
			if page < len(f.scanPages) {
				records = f.scanPages[page]
			}
			resp := map[string]any{"records": records}
			if page+1 < len(f.scanPages) {
				resp["cursor"] = strconv.Itoa(page + 1)
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	})
}

func setupFinder(t *testing.T, network *fakeNetwork) (*Finder, *boltstore.ContextStore) {
	t.Helper()

	var srvURL string
	srv := httptest.NewServer(network.handler(func() string { return srvURL }))
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	public := atproto.NewPublicClientWithHosts(srv.URL, srv.URL)
	finder := NewFinder(public, store.ContextStore(), testUserDID, testUserHandle)
	finder.BoundedDelay = 0
	finder.ExhaustiveDelay = 0
	return finder, store.ContextStore()
}

func replyPost(uri, text string) map[string]any {
	return map[string]any{
		"uri": uri,
		"author": map[string]string{
			"did":    testTargetDID,
			"handle": "spammer.bsky.social",
		},
		"record": map[string]any{
			"text":      text,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
			"reply": map[string]any{
				"parent": map[string]string{"uri": "at://" + testUserDID + "/app.bsky.feed.post/3kroot"},
			},
		},
	}
}

func plainPost(uri, text string) map[string]any {
	post := replyPost(uri, text)
	delete(post["record"].(map[string]any), "reply")
	return post
}

func TestResolve_SearchTierFindsVerifiedInteraction(t *testing.T) {
	network := &fakeNetwork{
		searchPosts: []map[string]any{
			plainPost("at://did:plc:spammer/app.bsky.feed.post/3knope", "mentions me.bsky.social in text only"),
			replyPost("at://did:plc:spammer/app.bsky.feed.post/3khit", "bad reply"),
		},
	}
	finder, contexts := setupFinder(t, network)
	ctx := context.Background()

	pc, err := finder.Resolve(ctx, testTargetDID, "spammer.bsky.social", moderation.ActionBlock, false)
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, "at://did:plc:spammer/app.bsky.feed.post/3khit", pc.PostURI, "unverified text hit must lose to the real reply")
	assert.True(t, pc.Guessed)
	assert.Equal(t, moderation.ActionBlock, pc.Action)

	stored, err := contexts.Get(ctx, testTargetDID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pc.PostURI, stored.PostURI)
}

func TestResolve_ExistingContextSkipsNetwork(t *testing.T) {
	network := &fakeNetwork{}
	finder, contexts := setupFinder(t, network)
	ctx := context.Background()

	require.NoError(t, contexts.Put(ctx, moderation.PostContext{
		PostURI:    "at://did:plc:spammer/app.bsky.feed.post/3kold",
		TargetDID:  testTargetDID,
		Action:     moderation.ActionBlock,
		CapturedAt: time.Now(),
	}))

	pc, err := finder.Resolve(ctx, testTargetDID, "", moderation.ActionBlock, true)
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, "at://did:plc:spammer/app.bsky.feed.post/3kold", pc.PostURI)

	assert.Zero(t, network.searches, "existing context must short-circuit the pipeline")
	assert.Zero(t, network.scans)
}

func TestResolve_ScanTierFallback(t *testing.T) {
	network := &fakeNetwork{
		// Search finds nothing; the repo scan hits on page 2.
		scanPages: [][]map[string]any{
			{{
				"uri":   "at://did:plc:spammer/app.bsky.feed.post/3kp1",
				"value": map[string]any{"text": "unrelated"},
			}},
			{{
				"uri": "at://did:plc:spammer/app.bsky.feed.post/3kp2",
				"value": map[string]any{
					"text": "quote dunk",
					"embed": map[string]any{
						"$type":  "app.bsky.embed.record",
						"record": map[string]string{"uri": "at://" + testUserDID + "/app.bsky.feed.post/3kq"},
					},
				},
			}},
		},
	}
	finder, _ := setupFinder(t, network)

	pc, err := finder.Resolve(context.Background(), testTargetDID, "", moderation.ActionMute, false)
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, "at://did:plc:spammer/app.bsky.feed.post/3kp2", pc.PostURI)
	assert.Equal(t, 2, network.scans)
}

func TestResolve_BoundedScanStopsAtCeiling(t *testing.T) {
	// More pages than the bounded ceiling, none of them interacting.
	pages := make([][]map[string]any, 50)
	for i := range pages {
		pages[i] = []map[string]any{{
			"uri":   "at://did:plc:spammer/app.bsky.feed.post/3kp" + strconv.Itoa(i),
			"value": map[string]any{"text": "noise"},
		}}
	}
	network := &fakeNetwork{scanPages: pages}
	finder, _ := setupFinder(t, network)

	pc, err := finder.Resolve(context.Background(), testTargetDID, "", moderation.ActionBlock, false)
	require.NoError(t, err)
	assert.Nil(t, pc, "no interaction found is a normal outcome")
	assert.Equal(t, boundedPageLimit, network.scans)
}
