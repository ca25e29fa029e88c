// Package bus is the request/response contract between the daemon core
// and its control surfaces. Every request returns a Response; operations
// that outlive the request run detached and report Async.
package bus

import (
	"context"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/audit"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/moderation"
	"ergoblock/internal/postcontext"
	"ergoblock/internal/syncer"

	"github.com/rs/zerolog/log"
)

// Response is the uniform reply shape.
type Response struct {
	OK    bool   `json:"ok"`
	Err   string `json:"error,omitempty"`
	Async bool   `json:"async,omitempty"`
}

func ok() Response            { return Response{OK: true} }
func async() Response         { return Response{OK: true, Async: true} }
func fail(err error) Response { return Response{Err: err.Error()} }

// Waker requests an immediate expiration pass. Implemented by the
// scheduler.
type Waker interface {
	Poke()
}

// ConnectionReporter reports live-stream connectivity for status.
// Implemented by the firehose watcher; may be nil when disabled.
type ConnectionReporter interface {
	IsConnected() bool
}

// Bus dispatches control requests to the daemon components.
type Bus struct {
	service   *moderation.Service
	syncer    *syncer.Syncer
	auditor   *audit.Auditor
	scheduler Waker
	finder    *postcontext.Finder
	client    *atproto.Client
	entries   moderation.EntryStore
	history   *boltstore.HistoryStore
	contexts  *boltstore.ContextStore
	state     *boltstore.StateStore
	graph     *boltstore.GraphStore
	firehose  ConnectionReporter
}

// New wires a bus. firehose may be nil.
func New(
	service *moderation.Service,
	sync *syncer.Syncer,
	auditor *audit.Auditor,
	sched Waker,
	finder *postcontext.Finder,
	client *atproto.Client,
	entries moderation.EntryStore,
	history *boltstore.HistoryStore,
	contexts *boltstore.ContextStore,
	state *boltstore.StateStore,
	graph *boltstore.GraphStore,
	firehose ConnectionReporter,
) *Bus {
	return &Bus{
		service:   service,
		syncer:    sync,
		auditor:   auditor,
		scheduler: sched,
		finder:    finder,
		client:    client,
		entries:   entries,
		history:   history,
		contexts:  contexts,
		state:     state,
		graph:     graph,
		firehose:  firehose,
	}
}

// ApplyRequest asks for a block or mute with an optional duration.
// DurationMinutes zero means permanent.
type ApplyRequest struct {
	Action          moderation.ActionType `json:"action"`
	DID             string                `json:"did"`
	Handle          string                `json:"handle,omitempty"`
	DurationMinutes int                   `json:"durationMinutes,omitempty"`
}

// Apply performs a moderation action.
func (b *Bus) Apply(ctx context.Context, req ApplyRequest) Response {
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := b.service.Apply(ctx, req.Action, req.DID, req.Handle, duration); err != nil {
		return fail(err)
	}
	return ok()
}

// CancelRequest asks for an unblock or unmute.
type CancelRequest struct {
	Action moderation.ActionType `json:"action"`
	DID    string                `json:"did"`
	Handle string                `json:"handle,omitempty"`
}

// Cancel reverses a moderation action manually.
func (b *Bus) Cancel(ctx context.Context, req CancelRequest) Response {
	if err := b.service.Reverse(ctx, req.Action, req.DID, req.Handle, moderation.TriggerManual); err != nil {
		return fail(err)
	}
	return ok()
}

// ExpireNow requests an immediate expiration pass. The pass runs on the
// scheduler's own goroutine.
func (b *Bus) ExpireNow(ctx context.Context) Response {
	b.scheduler.Poke()
	return async()
}

// SyncNow starts a full sync detached. The in-progress guard is taken
// before the response is written, so Async=true means this request owns
// the run; a sync already underway is a synchronous rejection.
func (b *Bus) SyncNow(ctx context.Context) Response {
	run, err := b.syncer.StartFullSync(ctx)
	if err != nil {
		return fail(err)
	}

	go func(ctx context.Context) {
		if _, err := run(ctx); err != nil {
			log.Warn().Err(err).Msg("bus: requested sync failed")
		}
	}(context.WithoutCancel(ctx))

	return async()
}

// AuditNow starts a blocklist audit detached, with the same guard
// semantics as SyncNow.
func (b *Bus) AuditNow(ctx context.Context) Response {
	run, err := b.auditor.Start(ctx)
	if err != nil {
		return fail(err)
	}

	go func(ctx context.Context) {
		if _, err := run(ctx); err != nil {
			log.Warn().Err(err).Msg("bus: requested audit failed")
		}
	}(context.WithoutCancel(ctx))

	return async()
}

// ResolveContextRequest asks the context pipeline about one account.
type ResolveContextRequest struct {
	DID        string                `json:"did"`
	Handle     string                `json:"handle"`
	Action     moderation.ActionType `json:"action"`
	Exhaustive bool                  `json:"exhaustive,omitempty"`
}

// ContextResponse carries the resolved context when the lookup ran
// synchronously. A nil Context with OK true means nothing was found.
type ContextResponse struct {
	Response
	Context *moderation.PostContext `json:"context,omitempty"`
}

// ResolveContext runs the context pipeline. Bounded lookups run inline
// and return their result; exhaustive lookups can scan a thousand pages
// and run detached.
func (b *Bus) ResolveContext(ctx context.Context, req ResolveContextRequest) ContextResponse {
	if req.Exhaustive {
		go func(ctx context.Context) {
			if _, err := b.finder.Resolve(ctx, req.DID, req.Handle, req.Action, true); err != nil {
				log.Warn().Err(err).Str("did", req.DID).Msg("bus: exhaustive context search failed")
			}
		}(context.WithoutCancel(ctx))
		return ContextResponse{Response: async()}
	}

	pc, err := b.finder.Resolve(ctx, req.DID, req.Handle, req.Action, false)
	if err != nil {
		return ContextResponse{Response: fail(err)}
	}
	return ContextResponse{Response: ok(), Context: pc}
}

// PeekRequest asks for a temporary unblock so the account's profile can
// be viewed, with the block reapplied after the window.
type PeekRequest struct {
	DID            string `json:"did"`
	SecondsVisible int    `json:"secondsVisible,omitempty"`
}

// PeekThenReapply unblocks, waits out the viewing window and reblocks.
// The whole cycle runs detached.
func (b *Bus) PeekThenReapply(ctx context.Context, req PeekRequest) Response {
	window := time.Duration(req.SecondsVisible) * time.Second
	if window <= 0 {
		window = 30 * time.Second
	}

	go func(ctx context.Context) {
		if err := b.service.ReverseAndReapply(ctx, req.DID, window); err != nil {
			log.Warn().Err(err).Str("did", req.DID).Msg("bus: peek-then-reapply failed")
		}
	}(context.WithoutCancel(ctx))

	return async()
}

// UnsubscribeRequest names a moderation list by URI.
type UnsubscribeRequest struct {
	ListURI string `json:"listUri"`
}

// UnsubscribeList removes the subscription remotely and drops the list's
// conflict group locally.
func (b *Bus) UnsubscribeList(ctx context.Context, req UnsubscribeRequest) Response {
	if err := b.client.UnsubscribeList(ctx, req.ListURI); err != nil {
		return fail(err)
	}

	groups, err := b.graph.ListConflictGroups(ctx)
	if err != nil {
		return fail(err)
	}
	kept := groups[:0]
	for _, g := range groups {
		if g.List.URI != req.ListURI {
			kept = append(kept, g)
		}
	}
	if err := b.graph.ReplaceConflictGroups(ctx, kept); err != nil {
		return fail(err)
	}

	return ok()
}

// DismissRequest names a conflict group by list URI.
type DismissRequest struct {
	ListURI string `json:"listUri"`
	Undo    bool   `json:"undo,omitempty"`
}

// Dismiss marks a conflict group reviewed, or reverses that with Undo.
func (b *Bus) Dismiss(ctx context.Context, req DismissRequest) Response {
	var err error
	if req.Undo {
		err = b.graph.UndismissList(ctx, req.ListURI)
	} else {
		err = b.graph.DismissList(ctx, req.ListURI)
	}
	if err != nil {
		return fail(err)
	}
	return ok()
}

// Status aggregates the daemon's observable state for a control surface.
type Status struct {
	AuthValid         bool                       `json:"authValid"`
	Sync              moderation.SyncState       `json:"sync"`
	Audit             moderation.AuditState      `json:"audit"`
	Options           moderation.Options         `json:"options"`
	TempBlocks        int                        `json:"tempBlocks"`
	TempMutes         int                        `json:"tempMutes"`
	PermBlocks        int                        `json:"permBlocks"`
	PermMutes         int                        `json:"permMutes"`
	Conflicts         []moderation.ConflictGroup `json:"conflicts,omitempty"`
	History           []moderation.HistoryEntry  `json:"history,omitempty"`
	FirehoseConnected bool                       `json:"firehoseConnected"`
}

// GetStatus builds the status snapshot.
func (b *Bus) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	var err error

	if st.AuthValid, err = b.state.GetAuthValid(ctx); err != nil {
		return st, err
	}
	if st.Sync, err = b.state.GetSyncState(ctx); err != nil {
		return st, err
	}
	if st.Audit, err = b.state.GetAuditState(ctx); err != nil {
		return st, err
	}
	if st.Options, err = b.state.GetOptions(ctx); err != nil {
		return st, err
	}

	counts := []struct {
		action moderation.ActionType
		temp   *int
		perm   *int
	}{
		{moderation.ActionBlock, &st.TempBlocks, &st.PermBlocks},
		{moderation.ActionMute, &st.TempMutes, &st.PermMutes},
	}
	for _, c := range counts {
		temp, err := b.entries.ListTemp(ctx, c.action)
		if err != nil {
			return st, err
		}
		*c.temp = len(temp)
		perm, err := b.entries.ListPerm(ctx, c.action)
		if err != nil {
			return st, err
		}
		*c.perm = len(perm)
	}

	if st.Conflicts, err = b.graph.ListConflictGroups(ctx); err != nil {
		return st, err
	}
	if st.History, err = b.history.List(ctx, 50); err != nil {
		return st, err
	}

	if b.firehose != nil {
		st.FirehoseConnected = b.firehose.IsConnected()
	}

	return st, nil
}

// SetOptions stores updated options.
func (b *Bus) SetOptions(ctx context.Context, opts moderation.Options) Response {
	if err := b.state.PutOptions(ctx, opts); err != nil {
		return fail(err)
	}
	return ok()
}
