// Package scheduler drives temporary-entry expiration. A single rearming
// timer walks due entries on each tick and reverses them through the
// moderation service.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"
	"ergoblock/internal/notify"

	"github.com/rs/zerolog/log"
)

// Reverser is the slice of the moderation service the scheduler uses.
type Reverser interface {
	Reverse(ctx context.Context, action moderation.ActionType, did, handle string, trigger moderation.Trigger) error
	RecomputeBadge(ctx context.Context)
}

// Scheduler expires due temporary entries and cleans up aged guessed
// contexts. It is single-threaded: one tick runs at a time on its own
// goroutine, and the timer is rearmed only after a tick finishes.
type Scheduler struct {
	entries  moderation.EntryStore
	contexts *boltstore.ContextStore
	state    *boltstore.StateStore
	service  Reverser
	notifier notify.Notifier

	wake chan struct{}
}

// New wires a scheduler. The notifier may be nil.
func New(entries moderation.EntryStore, contexts *boltstore.ContextStore, state *boltstore.StateStore, service Reverser, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		entries:  entries,
		contexts: contexts,
		state:    state,
		service:  service,
		notifier: notifier,
		wake:     make(chan struct{}, 1),
	}
}

// Poke requests an immediate tick without waiting for the timer.
func (s *Scheduler) Poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks until the context ends. The interval is re-read from options
// on every rearm so interval changes take effect without a restart.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := s.Tick(ctx); err != nil {
			log.Warn().Err(err).Msg("scheduler: tick failed")
		}

		timer.Reset(s.interval(ctx))
	}
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	opts, err := s.state.GetOptions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: failed to read options, using default interval")
		opts = moderation.DefaultOptions()
	}
	return time.Duration(opts.CheckIntervalMinutes) * time.Minute
}

// Tick runs one expiration pass: retention cleanup first, then every due
// entry of both action types. A failed reversal leaves its entry in place
// for the next tick; an auth failure aborts the whole pass immediately,
// since every remaining reversal would fail the same way.
func (s *Scheduler) Tick(ctx context.Context) error {
	metrics.ExpirationTicksTotal.Inc()
	s.cleanupContexts(ctx)

	now := time.Now()
	var expired, failed int

	for _, action := range moderation.ActionTypes() {
		entries, err := s.entries.ListTemp(ctx, action)
		if err != nil {
			return fmt.Errorf("failed to list %s entries: %w", action, err)
		}

		for _, entry := range entries {
			if !entry.Expired(now) {
				// Entries are sorted by expiry; the rest are later.
				break
			}

			err := s.service.Reverse(ctx, action, entry.DID, entry.Handle, moderation.TriggerAutoExpire)
			if err == nil {
				expired++
				metrics.ExpiredEntriesTotal.WithLabelValues(string(action), "ok").Inc()
				s.notifyExpired(ctx, action, entry)
				continue
			}

			if atproto.IsAuthError(err) {
				// A dead credential fails the tick, not the entry.
				// Notify before flipping the flag; the gate drops
				// everything once the credential is marked invalid.
				log.Warn().Err(err).Msg("scheduler: expiration aborted, credential rejected")
				s.notifyAuthFailure(ctx)
				if serr := s.state.SetAuthValid(ctx, false); serr != nil {
					log.Warn().Err(serr).Msg("scheduler: failed to record auth status")
				}
				metrics.AuthValid.Set(0)
				return fmt.Errorf("expiration aborted on auth failure: %w", err)
			}

			failed++
			metrics.ExpiredEntriesTotal.WithLabelValues(string(action), "error").Inc()
			log.Warn().Err(err).
				Str("did", entry.DID).
				Str("action", string(action)).
				Msg("scheduler: reversal failed, will retry next tick")
			s.notifyFailure(ctx, action, entry, err)
		}
	}

	if expired > 0 || failed > 0 {
		log.Info().Int("expired", expired).Int("failed", failed).Msg("scheduler: tick finished")
	}

	s.service.RecomputeBadge(ctx)
	return nil
}

// cleanupContexts deletes guessed contexts older than the configured
// retention window. Retention zero means keep forever.
func (s *Scheduler) cleanupContexts(ctx context.Context) {
	opts, err := s.state.GetOptions(ctx)
	if err != nil || opts.ContextRetentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -opts.ContextRetentionDays)
	n, err := s.contexts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: context cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Int("deleted", n).Msg("scheduler: pruned aged contexts")
	}
}

func (s *Scheduler) notifyExpired(ctx context.Context, action moderation.ActionType, entry moderation.TempEntry) {
	if s.notifier == nil {
		return
	}
	name := entry.Handle
	if name == "" {
		name = entry.DID
	}
	s.notifier.Notify(ctx, "Expired", fmt.Sprintf("@%s has been %s", name, action.Verb(true)), false)
}

func (s *Scheduler) notifyFailure(ctx context.Context, action moderation.ActionType, entry moderation.TempEntry, err error) {
	if s.notifier == nil {
		return
	}
	name := entry.Handle
	if name == "" {
		name = entry.DID
	}
	s.notifier.Notify(ctx, "Reversal failed", fmt.Sprintf("Could not reverse %s of @%s: %v", action, name, err), false)
}

func (s *Scheduler) notifyAuthFailure(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, "Sign-in required", "Stored credentials stopped working; expirations are paused until you sign in again.", false)
}
