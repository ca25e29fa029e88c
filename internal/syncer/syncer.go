// Package syncer reconciles locally-tracked moderation entries with the
// authoritative remote state.
package syncer

import (
	"context"
	"errors"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"
	"ergoblock/internal/tracing"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchDelay is the cooperative delay between profile batches.
	DefaultBatchDelay = 250 * time.Millisecond

	// DefaultContextDelay separates sequential context lookups for
	// newly-discovered accounts.
	DefaultContextDelay = 500 * time.Millisecond

	// DefaultInterval is how often a full sync runs on its own timer.
	DefaultInterval = 6 * time.Hour

	// DefaultInitialDelay defers the first scheduled sync after startup.
	DefaultInitialDelay = 30 * time.Second
)

// errInvalidCredential marks a sync rejected before any remote call
// because the stored credential is already known bad.
var errInvalidCredential = errors.New("stored credential is invalid, sign in again")

// Client is the slice of the authenticated API the reconciler consumes.
// Implemented by atproto.Client.
type Client interface {
	GetBlocks(ctx context.Context) ([]atproto.ProfileView, error)
	GetMutes(ctx context.Context) ([]atproto.ProfileView, error)
	ListBlockRecords(ctx context.Context) ([]atproto.BlockRecord, error)
	GetProfiles(ctx context.Context, dids []string) ([]atproto.ProfileDetail, error)
}

// ContextResolver generates post context for newly-discovered accounts.
// Implemented by postcontext.Finder.
type ContextResolver interface {
	Resolve(ctx context.Context, targetDID, targetHandle string, action moderation.ActionType, exhaustive bool) (*moderation.PostContext, error)
}

// Syncer merges local and remote moderation state. A single in-progress
// flag in SyncState is the concurrency control; a second call while a
// sync runs gets boltstore.ErrSyncInProgress.
type Syncer struct {
	client   Client
	entries  moderation.EntryStore
	state    *boltstore.StateStore
	contexts *boltstore.ContextStore
	service  *moderation.Service
	resolver ContextResolver

	BatchDelay   time.Duration
	ContextDelay time.Duration
}

// New wires a reconciler.
func New(client Client, entries moderation.EntryStore, state *boltstore.StateStore, contexts *boltstore.ContextStore, service *moderation.Service, resolver ContextResolver) *Syncer {
	return &Syncer{
		client:       client,
		entries:      entries,
		state:        state,
		contexts:     contexts,
		service:      service,
		resolver:     resolver,
		BatchDelay:   DefaultBatchDelay,
		ContextDelay: DefaultContextDelay,
	}
}

// Result summarizes one full sync.
type Result struct {
	Added   int
	Removed int
}

type discovered struct {
	did    string
	handle string
	action moderation.ActionType
}

// PerformFullSync reconciles both action types against the remote
// listings. It requires a working credential and refuses to run
// concurrently with itself.
func (s *Syncer) PerformFullSync(ctx context.Context) (Result, error) {
	run, err := s.StartFullSync(ctx)
	if err != nil {
		return Result{}, err
	}
	return run(ctx)
}

// StartFullSync checks the credential and acquires the in-progress guard
// in the caller's context, so a rejection reaches the caller before any
// detached work begins. The returned run completes the sync and releases
// the guard; call it exactly once.
func (s *Syncer) StartFullSync(ctx context.Context) (func(context.Context) (Result, error), error) {
	if valid, err := s.state.GetAuthValid(ctx); err != nil {
		return nil, err
	} else if !valid {
		return nil, &atproto.APIError{Auth: true, Wrapped: errInvalidCredential}
	}

	if err := s.state.BeginSync(ctx); err != nil {
		return nil, err
	}
	return s.performHeldSync, nil
}

func (s *Syncer) performHeldSync(ctx context.Context) (Result, error) {
	var result Result

	ctx, span := tracing.ComponentSpan(ctx, "syncer")
	defer span.End()

	start := time.Now()
	log.Info().Msg("syncer: full sync started")

	var newAccounts []discovered
	var syncErr error

	for _, action := range moderation.ActionTypes() {
		added, removed, found, err := s.syncAction(ctx, action)
		result.Added += added
		result.Removed += removed
		newAccounts = append(newAccounts, found...)
		if err != nil {
			syncErr = err
			break
		}
	}

	if syncErr != nil && atproto.IsAuthError(syncErr) {
		if err := s.state.SetAuthValid(ctx, false); err != nil {
			log.Warn().Err(err).Msg("syncer: failed to record auth status")
		}
		metrics.AuthValid.Set(0)
	}

	now := time.Now()
	endErr := s.state.EndSync(ctx, func(st *moderation.SyncState) {
		if syncErr != nil {
			st.LastError = syncErr.Error()
			return
		}
		st.LastError = ""
		st.LastBlockSync = now
		st.LastMuteSync = now
	})
	if endErr != nil {
		log.Error().Err(endErr).Msg("syncer: failed to record sync state")
	}

	s.service.RecomputeBadge(ctx)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if syncErr != nil {
		metrics.SyncRunsTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, syncErr)
		log.Error().Err(syncErr).Msg("syncer: full sync failed")
		return result, syncErr
	}

	metrics.SyncRunsTotal.WithLabelValues("ok").Inc()
	log.Info().
		Int("added", result.Added).
		Int("removed", result.Removed).
		Dur("took", time.Since(start)).
		Msg("syncer: full sync finished")

	// Context generation is best-effort and strictly rate-limited; a
	// missing context is never a sync failure.
	s.generateContexts(ctx, newAccounts)

	return result, nil
}

// syncAction reconciles one action type and returns the permanent-set
// additions, total removals (permanent plus drift) and the accounts seen
// for the first time.
func (s *Syncer) syncAction(ctx context.Context, action moderation.ActionType) (added, removed int, found []discovered, err error) {
	var listing []atproto.ProfileView
	if action == moderation.ActionBlock {
		listing, err = s.client.GetBlocks(ctx)
	} else {
		listing, err = s.client.GetMutes(ctx)
	}
	if err != nil {
		return 0, 0, nil, err
	}

	// The getBlocks listing omits record keys and authoritative creation
	// times; the user's own block collection carries both.
	records := make(map[string]atproto.BlockRecord)
	if action == moderation.ActionBlock {
		recs, err := s.client.ListBlockRecords(ctx)
		if err != nil {
			return 0, 0, nil, err
		}
		for _, r := range recs {
			records[r.Subject] = r
		}
	}

	viewers := s.fetchViewerStates(ctx, listing)

	temp, err := s.entries.ListTemp(ctx, action)
	if err != nil {
		return 0, 0, nil, err
	}
	tempByDID := make(map[string]moderation.TempEntry, len(temp))
	for _, e := range temp {
		tempByDID[e.DID] = e
	}

	oldPerm, err := s.entries.ListPerm(ctx, action)
	if err != nil {
		return 0, 0, nil, err
	}
	oldByDID := make(map[string]moderation.PermEntry, len(oldPerm))
	for _, e := range oldPerm {
		oldByDID[e.DID] = e
	}

	now := time.Now()
	remoteDIDs := make(map[string]bool, len(listing))
	newPerm := make([]moderation.PermEntry, 0, len(listing))

	for _, profile := range listing {
		remoteDIDs[profile.DID] = true
		if _, tracked := tempByDID[profile.DID]; tracked {
			continue
		}

		entry := moderation.PermEntry{
			DID:         profile.DID,
			Handle:      profile.Handle,
			DisplayName: profile.DisplayName,
			Avatar:      profile.Avatar,
			LastSynced:  now,
		}

		if v, ok := viewers[profile.DID]; ok {
			entry.Viewer = v
		}
		if r, ok := records[profile.DID]; ok {
			entry.RKey = r.RKey
			created := r.CreatedAt
			entry.CreatedAt = &created
		}

		// Preserve an already-known creation time and record key over
		// freshly observed values: a later record can be an artifact of
		// the unblock-then-reblock viewing technique, not the original
		// action.
		if prev, ok := oldByDID[profile.DID]; ok {
			if prev.CreatedAt != nil {
				entry.CreatedAt = prev.CreatedAt
			}
			if prev.RKey != "" {
				entry.RKey = prev.RKey
			}
		} else {
			added++
			found = append(found, discovered{did: profile.DID, handle: profile.Handle, action: action})
		}

		newPerm = append(newPerm, entry)
	}

	// Drift: a temporary entry absent from the remote listing was
	// reversed by some other client.
	for _, e := range temp {
		if remoteDIDs[e.DID] {
			continue
		}
		log.Info().
			Str("did", e.DID).
			Str("action", string(action)).
			Msg("syncer: entry reversed externally")
		if err := s.service.MarkExternallyRemoved(ctx, action, e.DID, e.Handle); err != nil {
			return added, removed, found, err
		}
		metrics.SyncDriftTotal.Inc()
		removed++
	}

	for did := range oldByDID {
		if !remoteDIDs[did] {
			removed++
		}
	}

	// Full replacement, not a per-item merge: stale entries that
	// vanished remotely must disappear with the old set.
	if err := s.entries.ReplacePerm(ctx, action, newPerm); err != nil {
		return added, removed, found, err
	}

	return added, removed, found, nil
}

// fetchViewerStates enriches the listing with relationship state in
// batches of the API maximum. Enrichment is best-effort: a failed batch
// is logged and skipped.
func (s *Syncer) fetchViewerStates(ctx context.Context, listing []atproto.ProfileView) map[string]*moderation.ViewerState {
	viewers := make(map[string]*moderation.ViewerState)

	for start := 0; start < len(listing); start += atproto.ProfileBatchSize {
		end := start + atproto.ProfileBatchSize
		if end > len(listing) {
			end = len(listing)
		}

		dids := make([]string, 0, end-start)
		for _, p := range listing[start:end] {
			dids = append(dids, p.DID)
		}

		profiles, err := s.client.GetProfiles(ctx, dids)
		if err != nil {
			log.Warn().Err(err).Int("batch", start/atproto.ProfileBatchSize).Msg("syncer: profile batch failed")
			continue
		}

		for _, p := range profiles {
			if p.Viewer == nil {
				continue
			}
			viewers[p.DID] = &moderation.ViewerState{
				BlockedBy:  p.Viewer.BlockedBy,
				Following:  p.Viewer.Following != nil,
				FollowedBy: p.Viewer.FollowedBy != nil,
				Muted:      p.Viewer.Muted,
			}
		}

		if end < len(listing) {
			select {
			case <-ctx.Done():
				return viewers
			case <-time.After(s.BatchDelay):
			}
		}
	}

	return viewers
}

// generateContexts runs the context pipeline for accounts discovered this
// sync that have no stored context yet, sequentially with a delay.
func (s *Syncer) generateContexts(ctx context.Context, accounts []discovered) {
	if s.resolver == nil {
		return
	}

	for i, acct := range accounts {
		has, err := s.contexts.Has(ctx, acct.did)
		if err != nil || has {
			continue
		}

		if _, err := s.resolver.Resolve(ctx, acct.did, acct.handle, acct.action, false); err != nil {
			log.Debug().Err(err).Str("did", acct.did).Msg("syncer: context generation failed")
		}

		if i < len(accounts)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.ContextDelay):
			}
		}
	}
}

// Run performs scheduled syncs until the context ends. The first sync
// waits for the initial delay; subsequent syncs run on the interval.
func (s *Syncer) Run(ctx context.Context, initialDelay, interval time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := s.PerformFullSync(ctx); err != nil {
			log.Warn().Err(err).Msg("syncer: scheduled sync failed")
		}

		timer.Reset(interval)
	}
}
