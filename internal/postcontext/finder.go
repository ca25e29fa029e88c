// Package postcontext locates the post that explains why an account was
// moderated: a post by the target that replies to, quotes or mentions the
// signed-in user. Absence of such a post is an expected outcome, not an
// error.
package postcontext

import (
	"context"
	"sort"
	"sync"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// boundedPageLimit caps the repo scan for opportunistic lookups.
	boundedPageLimit = 10
	// exhaustivePageLimit caps explicit user-initiated searches.
	exhaustivePageLimit = 1000

	boundedPageDelay    = 500 * time.Millisecond
	exhaustivePageDelay = 150 * time.Millisecond

	scanPageSize = 100
	searchLimit  = 25
)

// Finder resolves post context for moderated accounts. Tier 1 is the
// public search endpoint; tier 2 falls back to paginating the target's
// own post collection from its hosting endpoint.
type Finder struct {
	public   *atproto.PublicClient
	contexts *boltstore.ContextStore

	// Self-identity of the signed-in user.
	userDID    string
	userHandle string

	// Delays are fields so tests can shrink them.
	BoundedDelay    time.Duration
	ExhaustiveDelay time.Duration

	mu sync.Mutex // one lookup at a time; lookups are sequential and rate-limited
}

// NewFinder creates a context finder for the given signed-in user.
func NewFinder(public *atproto.PublicClient, contexts *boltstore.ContextStore, userDID, userHandle string) *Finder {
	return &Finder{
		public:          public,
		contexts:        contexts,
		userDID:         userDID,
		userHandle:      userHandle,
		BoundedDelay:    boundedPageDelay,
		ExhaustiveDelay: exhaustivePageDelay,
	}
}

// Result is a located interaction post.
type Result struct {
	PostURI       string
	PostText      string
	PostCreatedAt time.Time
}

// Resolve finds and persists context for a moderated account. If a
// context already exists for the target the pipeline is skipped entirely
// and no network calls are made. A nil result with nil error means no
// interaction was found.
func (f *Finder) Resolve(ctx context.Context, targetDID, targetHandle string, action moderation.ActionType, exhaustive bool) (*moderation.PostContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.contexts.Get(ctx, targetDID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	result := f.find(ctx, targetDID, exhaustive)
	if result == nil {
		log.Debug().Str("target", targetDID).Msg("postcontext: no interaction found")
		return nil, nil
	}

	pc := moderation.PostContext{
		PostURI:       result.PostURI,
		PostAuthorDID: targetDID,
		PostText:      result.PostText,
		PostCreatedAt: result.PostCreatedAt,
		TargetDID:     targetDID,
		TargetHandle:  targetHandle,
		Action:        action,
		CapturedAt:    time.Now(),
		Guessed:       true,
	}
	if err := f.contexts.Put(ctx, pc); err != nil {
		return nil, err
	}

	log.Info().
		Str("target", targetDID).
		Str("post", result.PostURI).
		Msg("postcontext: context resolved")

	return &pc, nil
}

// find runs the two-tier strategy. Failures in either tier degrade to
// "not found"; the caller treats a nil result as a normal outcome.
func (f *Finder) find(ctx context.Context, targetDID string, exhaustive bool) *Result {
	if result := f.searchTier(ctx, targetDID); result != nil {
		metrics.ContextLookupsTotal.WithLabelValues("search", "hit").Inc()
		return result
	}
	metrics.ContextLookupsTotal.WithLabelValues("search", "miss").Inc()

	result := f.scanTier(ctx, targetDID, exhaustive)
	if result != nil {
		metrics.ContextLookupsTotal.WithLabelValues("scan", "hit").Inc()
	} else {
		metrics.ContextLookupsTotal.WithLabelValues("scan", "miss").Inc()
	}
	return result
}

// searchTier issues three searches in parallel against the public search
// endpoint: posts by the target mentioning the user, posts by the target
// addressed as replies to the user, and a broader text search for the
// user's handle. Text hits are verified client-side so a handle appearing
// in plain text does not count as an interaction.
func (f *Finder) searchTier(ctx context.Context, targetDID string) *Result {
	queries := []atproto.SearchPostsParams{
		{Query: f.userHandle, Author: targetDID, Mentions: f.userDID, Limit: searchLimit},
		{Query: "to:" + f.userHandle, Author: targetDID, Limit: searchLimit},
		{Query: f.userHandle, Author: targetDID, Limit: searchLimit},
	}

	results := make([][]atproto.SearchPost, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, params := range queries {
		g.Go(func() error {
			posts, err := f.public.SearchPosts(gctx, params)
			if err != nil {
				// Search is best-effort; a failed query contributes nothing.
				log.Debug().Err(err).Str("target", targetDID).Msg("postcontext: search query failed")
				return nil
			}
			results[i] = posts
			return nil
		})
	}
	_ = g.Wait()

	var verified []atproto.SearchPost
	seen := make(map[string]bool)
	for _, posts := range results {
		for _, post := range posts {
			if seen[post.URI] || post.AuthorDID != targetDID {
				continue
			}
			if !post.Record.InteractsWith(f.userDID) {
				continue
			}
			seen[post.URI] = true
			verified = append(verified, post)
		}
	}

	if len(verified) == 0 {
		return nil
	}

	sort.Slice(verified, func(i, j int) bool {
		return verified[i].Record.CreatedAt.After(verified[j].Record.CreatedAt)
	})

	best := verified[0]
	return &Result{
		PostURI:       best.URI,
		PostText:      best.Record.Text,
		PostCreatedAt: best.Record.CreatedAt,
	}
}

// scanTier paginates the target's own post collection in reverse
// chronological order from its hosting endpoint, looking for the same
// interaction signals, until a match or the page ceiling.
func (f *Finder) scanTier(ctx context.Context, targetDID string, exhaustive bool) *Result {
	maxPages := boundedPageLimit
	delay := f.BoundedDelay
	if exhaustive {
		maxPages = exhaustivePageLimit
		delay = f.ExhaustiveDelay
	}

	cursor := ""
	for page := 0; page < maxPages; page++ {
		posts, next, err := f.public.ListAuthorPosts(ctx, targetDID, cursor, scanPageSize)
		if err != nil {
			// Unreachable PDS or empty repo: context simply cannot be
			// resolved, which is not a failure.
			log.Debug().Err(err).Str("target", targetDID).Msg("postcontext: repo scan aborted")
			return nil
		}

		for _, post := range posts {
			if post.Record.InteractsWith(f.userDID) {
				return &Result{
					PostURI:       post.URI,
					PostText:      post.Record.Text,
					PostCreatedAt: post.Record.CreatedAt,
				}
			}
		}

		if next == "" {
			return nil
		}
		cursor = next

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	return nil
}
