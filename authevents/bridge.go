// Package authevents feeds auth-state changes from an identity.EventSource
// into the session Holder, one at a time and in emission order.
package authevents

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/internal/logctx"
	"github.com/ggoodman/storefront-go/metrics"
	"github.com/ggoodman/storefront-go/session"
)

// Target is the part of *session.Holder the Bridge drives.
type Target interface {
	State() session.State
	OnExternalSignIn(ctx context.Context, s *identity.Session, generation uint64) error
	OnExternalSignOut(ctx context.Context, generation uint64) error
	OnCredentialRefreshed(ctx context.Context, userID string, cred session.Credential, generation uint64) error
	OnRevoked(ctx context.Context) error
}

var _ Target = (*session.Holder)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge subscribes to an EventSource and applies each event to a Target.
type Bridge struct {
	src     identity.EventSource
	target  Target
	log     *slog.Logger
	metrics metrics.Sink
}

// New returns a Bridge from src to target.
func New(src identity.EventSource, target Target, opts ...Option) *Bridge {
	b := &Bridge{
		src:     src,
		target:  target,
		log:     slog.New(slog.DiscardHandler),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run blocks until ctx is done or the source fails. Events the Target
// rejects are logged and counted; they never stop delivery.
func (b *Bridge) Run(ctx context.Context) error {
	err := b.src.OnAuthStateChange(ctx, func(ctx context.Context, ev identity.Event) error {
		b.Apply(ctx, ev)
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Apply applies one event and reports whether it changed anything the
// Target cares about.
func (b *Bridge) Apply(ctx context.Context, ev identity.Event) bool {
	cur := b.target.State()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		UserID:     cur.UserID(),
		Generation: cur.Generation,
		Status:     string(cur.Status),
	})
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: string(ev.Kind), ID: ev.ID})

	if ev.Generation != 0 && ev.Generation < cur.Generation {
		b.discard(ctx, ev, "stale", nil)
		return false
	}

	var err error
	switch ev.Kind {
	case identity.EventSignedIn:
		err = b.target.OnExternalSignIn(ctx, ev.Session, ev.Generation)
	case identity.EventSignedOut:
		err = b.target.OnExternalSignOut(ctx, ev.Generation)
	case identity.EventTokenRefreshed:
		if ev.Session == nil {
			b.discard(ctx, ev, "no_session", nil)
			return false
		}
		err = b.target.OnCredentialRefreshed(ctx, ev.Session.User.ID, session.Credential{
			AccessToken:  ev.Session.AccessToken,
			RefreshToken: ev.Session.RefreshToken,
			ExpiresAt:    ev.Session.ExpiresAt,
		}, ev.Generation)
	case identity.EventSessionRevoked:
		err = b.target.OnRevoked(ctx)
	default:
		b.discard(ctx, ev, "unknown_kind", nil)
		return false
	}

	switch {
	case err == nil:
		b.metrics.IncCounter(metrics.AuthEventsApplied, map[string]string{"event": string(ev.Kind)})
		b.log.DebugContext(ctx, "auth_event.applied")
		return true
	case errors.Is(err, session.ErrStaleEvent), errors.Is(err, session.ErrNotInitialized), errors.Is(err, session.ErrInvalidTransition):
		b.discard(ctx, ev, "rejected", err)
	default:
		b.metrics.IncCounter(metrics.AuthEventsDiscarded, map[string]string{"event": string(ev.Kind), "reason": "error"})
		b.log.WarnContext(ctx, "auth_event.apply.fail", slog.String("err", err.Error()))
	}
	return false
}

func (b *Bridge) discard(ctx context.Context, ev identity.Event, reason string, err error) {
	b.metrics.IncCounter(metrics.AuthEventsDiscarded, map[string]string{"event": string(ev.Kind), "reason": reason})
	attrs := []any{slog.Uint64("event_generation", ev.Generation), slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	b.log.DebugContext(ctx, "auth_event.discarded", attrs...)
}
