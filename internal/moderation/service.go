package moderation

import (
	"context"
	"fmt"
	"time"

	"ergoblock/internal/tracing"

	"github.com/rs/zerolog/log"
)

// RemoteClient is the slice of the authenticated API the service needs.
// Implemented by atproto.Client.
type RemoteClient interface {
	CreateBlock(ctx context.Context, subjectDID string) (uri, rkey string, err error)
	DeleteBlock(ctx context.Context, rkey string) error
	FindBlockRKey(ctx context.Context, subjectDID string) (string, error)
	Mute(ctx context.Context, actorDID string) error
	Unmute(ctx context.Context, actorDID string) error
}

// EntryStore is the persistence surface for temporary and permanent
// entries. Implemented by boltstore.EntryStore.
type EntryStore interface {
	PutTemp(ctx context.Context, action ActionType, entry TempEntry) error
	GetTemp(ctx context.Context, action ActionType, did string) (*TempEntry, error)
	DeleteTemp(ctx context.Context, action ActionType, did string) error
	ListTemp(ctx context.Context, action ActionType) ([]TempEntry, error)
	GetPerm(ctx context.Context, action ActionType, did string) (*PermEntry, error)
	PutPerm(ctx context.Context, action ActionType, entry PermEntry) error
	ListPerm(ctx context.Context, action ActionType) ([]PermEntry, error)
	ReplacePerm(ctx context.Context, action ActionType, entries []PermEntry) error
	CountAll(ctx context.Context) (int, error)
}

// HistoryStore appends to the capped action history.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
}

// Badge publishes the tracked-entry count to the user.
type Badge interface {
	Set(count int)
	Clear()
}

// OptionsSource reads the persisted user options.
type OptionsSource interface {
	GetOptions(ctx context.Context) (Options, error)
}

// Service applies and reverses moderation actions, keeping the local
// entry stores, history and badge in step with the remote state.
type Service struct {
	client  RemoteClient
	entries EntryStore
	history HistoryStore
	badge   Badge
	options OptionsSource
}

// NewService wires a moderation service.
func NewService(client RemoteClient, entries EntryStore, history HistoryStore, badge Badge, options OptionsSource) *Service {
	return &Service{
		client:  client,
		entries: entries,
		history: history,
		badge:   badge,
		options: options,
	}
}

// Apply takes a moderation action against an account. A positive duration
// creates (or refreshes) a temporary entry; zero means permanent, tracked
// only by the remote state and picked up by the next sync. Re-applying to
// an already-tracked account refreshes its expiry without creating a
// duplicate remote record.
func (s *Service) Apply(ctx context.Context, action ActionType, did, handle string, duration time.Duration) (err error) {
	ctx, span := tracing.ModerationSpan(ctx, "apply", string(action), did)
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	existing, err := s.entries.GetTemp(ctx, action, did)
	if err != nil {
		return err
	}

	now := time.Now()

	if existing != nil && duration > 0 {
		refreshed := *existing
		refreshed.ExpiresAt = now.Add(duration)
		if err := s.entries.PutTemp(ctx, action, refreshed); err != nil {
			return err
		}
		log.Info().
			Str("did", did).
			Str("action", string(action)).
			Time("expiresAt", refreshed.ExpiresAt).
			Msg("moderation: expiry refreshed")
		return nil
	}

	var rkey string
	switch action {
	case ActionBlock:
		_, rkey, err = s.client.CreateBlock(ctx, did)
	case ActionMute:
		err = s.client.Mute(ctx, did)
	default:
		err = fmt.Errorf("unknown action type %q", action)
	}
	if err != nil {
		s.appendHistory(ctx, HistoryEntry{
			DID: did, Handle: handle,
			Action:    action.Verb(false),
			Timestamp: now,
			Trigger:   TriggerManual,
			Success:   false,
			Error:     err.Error(),
		})
		return err
	}

	if duration > 0 {
		entry := TempEntry{
			DID:       did,
			Handle:    handle,
			CreatedAt: now,
			ExpiresAt: now.Add(duration),
			RKey:      rkey,
		}
		if err := s.entries.PutTemp(ctx, action, entry); err != nil {
			return err
		}
	}

	s.appendHistory(ctx, HistoryEntry{
		DID: did, Handle: handle,
		Action:    action.Verb(false),
		Timestamp: now,
		Trigger:   TriggerManual,
		Success:   true,
	})

	s.RecomputeBadge(ctx)
	return nil
}

// Reverse undoes a moderation action remotely and locally. For blocks it
// uses the cached record key when present, falling back to a paginated
// scan of the user's own records. The temporary entry (if any) is deleted
// and a history row appended with the observed duration.
func (s *Service) Reverse(ctx context.Context, action ActionType, did, handle string, trigger Trigger) (err error) {
	ctx, span := tracing.ModerationSpan(ctx, "reverse", string(action), did)
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	entry, err := s.entries.GetTemp(ctx, action, did)
	if err != nil {
		return err
	}
	if handle == "" && entry != nil {
		handle = entry.Handle
	}

	now := time.Now()
	var duration time.Duration
	if entry != nil {
		duration = now.Sub(entry.CreatedAt)
	}

	if err := s.reverseRemote(ctx, action, did, entry); err != nil {
		s.appendHistory(ctx, HistoryEntry{
			DID: did, Handle: handle,
			Action:    action.Verb(true),
			Timestamp: now,
			Trigger:   trigger,
			Success:   false,
			Error:     err.Error(),
			Duration:  duration,
		})
		return err
	}

	if err := s.entries.DeleteTemp(ctx, action, did); err != nil {
		return err
	}

	s.appendHistory(ctx, HistoryEntry{
		DID: did, Handle: handle,
		Action:    action.Verb(true),
		Timestamp: now,
		Trigger:   trigger,
		Success:   true,
		Duration:  duration,
	})

	s.RecomputeBadge(ctx)
	return nil
}

func (s *Service) reverseRemote(ctx context.Context, action ActionType, did string, entry *TempEntry) error {
	switch action {
	case ActionMute:
		return s.client.Unmute(ctx, did)
	case ActionBlock:
		rkey := ""
		if entry != nil {
			rkey = entry.RKey
		}
		if rkey == "" {
			if perm, err := s.entries.GetPerm(ctx, action, did); err == nil && perm != nil {
				rkey = perm.RKey
			}
		}
		if rkey == "" {
			// Legacy path: entries created before record keys were
			// tracked need a full listing scan.
			found, err := s.client.FindBlockRKey(ctx, did)
			if err != nil {
				return err
			}
			if found == "" {
				return fmt.Errorf("no block record found for %s", did)
			}
			rkey = found
		}
		return s.client.DeleteBlock(ctx, rkey)
	default:
		return fmt.Errorf("unknown action type %q", action)
	}
}

// MarkExternallyRemoved records that another client reversed an entry:
// the temporary entry is deleted locally with no remote call and an
// externally-removed history row is appended.
func (s *Service) MarkExternallyRemoved(ctx context.Context, action ActionType, did, handle string) error {
	entry, err := s.entries.GetTemp(ctx, action, did)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if handle == "" {
		handle = entry.Handle
	}

	if err := s.entries.DeleteTemp(ctx, action, did); err != nil {
		return err
	}

	s.appendHistory(ctx, HistoryEntry{
		DID: did, Handle: handle,
		Action:    action.Verb(true),
		Timestamp: time.Now(),
		Trigger:   TriggerExternallyRemoved,
		Success:   true,
		Duration:  time.Since(entry.CreatedAt),
	})

	s.RecomputeBadge(ctx)
	return nil
}

// ReverseAndReapply lifts a block for the given interval so the account's
// content can be viewed, then re-creates it, updating the stored record
// key. The entry's creation timestamp is preserved; the new record's
// timestamp is an artifact of this technique, not the original action time.
func (s *Service) ReverseAndReapply(ctx context.Context, did string, after time.Duration) error {
	entry, err := s.entries.GetTemp(ctx, ActionBlock, did)
	if err != nil {
		return err
	}

	if err := s.reverseRemote(ctx, ActionBlock, did, entry); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// Re-block immediately rather than leave the account unblocked.
	case <-time.After(after):
	}

	_, rkey, err := s.client.CreateBlock(ctx, did)
	if err != nil {
		return fmt.Errorf("failed to re-apply block for %s: %w", did, err)
	}

	if entry != nil {
		updated := *entry
		updated.RKey = rkey
		return s.entries.PutTemp(ctx, ActionBlock, updated)
	}

	if perm, err := s.entries.GetPerm(ctx, ActionBlock, did); err == nil && perm != nil {
		// The permanent cache keeps its original creation time; only the
		// record key changes.
		updated := *perm
		updated.RKey = rkey
		return s.entries.PutPerm(ctx, ActionBlock, updated)
	}
	return nil
}

// RecomputeBadge publishes the total tracked-entry count, or clears the
// badge when the user disabled it.
func (s *Service) RecomputeBadge(ctx context.Context) {
	if s.badge == nil {
		return
	}

	opts, err := s.options.GetOptions(ctx)
	if err == nil && !opts.BadgeEnabled {
		s.badge.Clear()
		return
	}

	count, err := s.entries.CountAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("moderation: failed to count entries for badge")
		return
	}
	s.badge.Set(count)
}

func (s *Service) appendHistory(ctx context.Context, entry HistoryEntry) {
	if err := s.history.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Str("did", entry.DID).Msg("moderation: failed to append history")
	}
}
