// Package audit cross-references the user's social graph against the
// moderation lists they subscribe to, surfacing followed accounts that a
// subscribed list would block or mute.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"
	"ergoblock/internal/tracing"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Client is the slice of the authenticated API the auditor consumes.
// Implemented by atproto.Client.
type Client interface {
	GetFollows(ctx context.Context, actor string) ([]atproto.ProfileView, error)
	GetFollowers(ctx context.Context, actor string) ([]atproto.ProfileView, error)
	GetListBlocks(ctx context.Context) ([]atproto.ListView, error)
	GetListMutes(ctx context.Context) ([]atproto.ListView, error)
	GetListMembers(ctx context.Context, listURI string) ([]atproto.ProfileView, error)
}

// GraphStore is the persistence slice the auditor writes. Implemented by
// boltstore.GraphStore.
type GraphStore interface {
	PutGraph(ctx context.Context, graph moderation.SocialGraph) error
	ReplaceConflictGroups(ctx context.Context, groups []moderation.ConflictGroup) error
}

// Auditor builds the social graph snapshot and the conflict groups. The
// in-progress flag in AuditState rejects overlapping runs.
type Auditor struct {
	client  Client
	graph   GraphStore
	state   *boltstore.StateStore
	userDID string
}

// New wires an auditor for the signed-in account.
func New(client Client, graph GraphStore, state *boltstore.StateStore, userDID string) *Auditor {
	return &Auditor{client: client, graph: graph, state: state, userDID: userDID}
}

// Result summarizes one audit run.
type Result struct {
	Follows   int
	Followers int
	Lists     int
	Conflicts int
}

// Run performs a full audit: fetch follows, followers and subscribed
// moderation lists in parallel, snapshot the graph, then intersect each
// list's membership with the graph. Lists with no overlap are omitted
// from the stored groups; dismissals keyed by list URI survive the
// replacement.
func (a *Auditor) Run(ctx context.Context) (Result, error) {
	run, err := a.Start(ctx)
	if err != nil {
		return Result{}, err
	}
	return run(ctx)
}

// Start acquires the in-progress guard in the caller's context, so a
// rejection reaches the caller before any detached work begins. The
// returned run performs the audit and releases the guard; call it
// exactly once.
func (a *Auditor) Start(ctx context.Context) (func(context.Context) (Result, error), error) {
	if err := a.state.BeginAudit(ctx); err != nil {
		return nil, err
	}
	return a.runHeld, nil
}

func (a *Auditor) runHeld(ctx context.Context) (Result, error) {
	var result Result

	ctx, span := tracing.ComponentSpan(ctx, "audit")
	defer span.End()

	start := time.Now()
	log.Info().Msg("audit: run started")

	groups, runErr := a.run(ctx, &result)
	if runErr == nil {
		// Persist before recording success so the stored groups can
		// never lag a state that claims a completed audit.
		if err := a.graph.ReplaceConflictGroups(ctx, groups); err != nil {
			runErr = fmt.Errorf("storing conflict groups: %w", err)
		}
	}

	now := time.Now()
	if err := a.state.EndAudit(ctx, func(st *moderation.AuditState) {
		if runErr != nil {
			st.LastError = runErr.Error()
			return
		}
		st.LastError = ""
		st.LastAudit = now
		st.Follows = result.Follows
		st.Followers = result.Followers
		st.Lists = result.Lists
		st.Conflicts = result.Conflicts
	}); err != nil {
		log.Error().Err(err).Msg("audit: failed to record audit state")
	}

	if runErr != nil {
		metrics.AuditRunsTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, runErr)
		log.Error().Err(runErr).Msg("audit: run failed")
		return result, runErr
	}

	metrics.AuditRunsTotal.WithLabelValues("ok").Inc()
	metrics.AuditConflicts.Set(float64(result.Conflicts))
	log.Info().
		Int("follows", result.Follows).
		Int("followers", result.Followers).
		Int("lists", result.Lists).
		Int("conflicts", result.Conflicts).
		Dur("took", time.Since(start)).
		Msg("audit: run finished")

	return result, nil
}

func (a *Auditor) run(ctx context.Context, result *Result) ([]moderation.ConflictGroup, error) {
	var follows, followers []atproto.ProfileView
	var blockLists, muteLists []atproto.ListView

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		follows, err = a.client.GetFollows(gctx, a.userDID)
		return err
	})
	g.Go(func() error {
		var err error
		followers, err = a.client.GetFollowers(gctx, a.userDID)
		return err
	})
	g.Go(func() error {
		var err error
		blockLists, err = a.client.GetListBlocks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		muteLists, err = a.client.GetListMutes(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := buildGraph(follows, followers)
	if err := a.graph.PutGraph(ctx, graph); err != nil {
		return nil, err
	}
	result.Follows = len(follows)
	result.Followers = len(followers)

	lists := mergeLists(blockLists, muteLists)
	result.Lists = len(lists)

	byDID := make(map[string]moderation.GraphAccount, len(graph.Accounts))
	for _, acct := range graph.Accounts {
		byDID[acct.DID] = acct
	}

	now := time.Now()
	var groups []moderation.ConflictGroup

	// List memberships are fetched sequentially; each fetch already
	// paginates with its own cooperative delay.
	for _, list := range lists {
		members, err := a.client.GetListMembers(ctx, list.URI)
		if err != nil {
			return nil, err
		}

		var conflicts []moderation.ConflictMember
		for _, m := range members {
			acct, ok := byDID[m.DID]
			if !ok {
				continue
			}
			handle := m.Handle
			if handle == "" {
				handle = acct.Handle
			}
			conflicts = append(conflicts, moderation.ConflictMember{
				DID:          m.DID,
				Handle:       handle,
				Relationship: acct.Relationship,
			})
		}
		if len(conflicts) == 0 {
			continue
		}

		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Handle < conflicts[j].Handle })

		groups = append(groups, moderation.ConflictGroup{
			List: moderation.ModList{
				URI:         list.URI,
				Name:        list.Name,
				OwnerDID:    list.Creator.DID,
				OwnerHandle: list.Creator.Handle,
				MemberCount: list.ListItemCount,
				SyncedAt:    now,
			},
			Members: conflicts,
		})
		result.Conflicts += len(conflicts)
	}

	return groups, nil
}

// buildGraph merges the follow and follower listings into one snapshot.
// An account present in both is recorded once as mutual.
func buildGraph(follows, followers []atproto.ProfileView) moderation.SocialGraph {
	accounts := make(map[string]moderation.GraphAccount, len(follows)+len(followers))

	for _, p := range follows {
		accounts[p.DID] = moderation.GraphAccount{DID: p.DID, Handle: p.Handle, Relationship: moderation.RelFollowing}
	}
	for _, p := range followers {
		if acct, ok := accounts[p.DID]; ok {
			acct.Relationship = moderation.RelMutual
			accounts[p.DID] = acct
			continue
		}
		accounts[p.DID] = moderation.GraphAccount{DID: p.DID, Handle: p.Handle, Relationship: moderation.RelFollower}
	}

	graph := moderation.SocialGraph{SyncedAt: time.Now()}
	for _, acct := range accounts {
		graph.Accounts = append(graph.Accounts, acct)
	}
	sort.Slice(graph.Accounts, func(i, j int) bool { return graph.Accounts[i].DID < graph.Accounts[j].DID })
	return graph
}

// mergeLists deduplicates by URI and keeps only true moderation lists. A
// list subscribed for both block and mute shows up in both listings.
func mergeLists(blockLists, muteLists []atproto.ListView) []atproto.ListView {
	seen := make(map[string]bool)
	var out []atproto.ListView
	for _, l := range append(blockLists, muteLists...) {
		if seen[l.URI] || l.Purpose != atproto.ListPurposeModeration {
			continue
		}
		seen[l.URI] = true
		out = append(out, l)
	}
	return out
}
