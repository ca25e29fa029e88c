// Package notify delivers fire-and-forget user-visible notifications.
package notify

import (
	"context"

	"ergoblock/internal/database/boltstore"

	"github.com/rs/zerolog/log"
)

// Notifier delivers a user-visible notification. Implementations must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, title, body string, silent bool)
}

// LogNotifier writes notifications to the structured log. It is the
// default sink for the headless daemon.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, title, body string, silent bool) {
	log.Info().
		Str("title", title).
		Bool("silent", silent).
		Msg(body)
}

// EmailSender is satisfied by email.Sender.
type EmailSender interface {
	Send(subject, body string) error
	Enabled() bool
}

// EmailNotifier delivers notifications by mail. Delivery runs on its own
// goroutine so a slow SMTP server never stalls a scheduler tick.
type EmailNotifier struct {
	Sender EmailSender
}

func (n *EmailNotifier) Notify(ctx context.Context, title, body string, silent bool) {
	if silent || !n.Sender.Enabled() {
		return
	}
	go func() {
		if err := n.Sender.Send(title, body); err != nil {
			log.Warn().Err(err).Str("title", title).Msg("notify: email delivery failed")
		}
	}()
}

// Multi fans a notification out to several sinks.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, body string, silent bool) {
	for _, n := range m {
		n.Notify(ctx, title, body, silent)
	}
}

// Gated wraps a Notifier and drops notifications when the user has
// disabled them or when the stored credential is known to be invalid
// (an invalid credential would otherwise produce one failure
// notification per entry per tick).
type Gated struct {
	Inner Notifier
	State *boltstore.StateStore
}

func (g *Gated) Notify(ctx context.Context, title, body string, silent bool) {
	opts, err := g.State.GetOptions(ctx)
	if err != nil || !opts.NotificationsEnabled {
		return
	}
	if valid, err := g.State.GetAuthValid(ctx); err != nil || !valid {
		return
	}
	g.Inner.Notify(ctx, title, body, silent)
}
