// Package logctx attaches storefront context (session and cart) to log
// records emitted with a context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and adds "sess", "cart" and "op" groups from
// values stored on the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.Uint64("generation", sd.Generation),
			slog.String("status", sd.Status),
		))
	}

	if cd, ok := ctx.Value(cartDataKey{}).(*CartData); ok {
		r.AddAttrs(slog.Group("cart",
			slog.Int("lines", cd.Lines),
			slog.Bool("reconciling", cd.Reconciling),
		))
	}

	if od, ok := ctx.Value(opDataKey{}).(*OpData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", od.Name),
			slog.String("id", od.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

type SessionData struct {
	UserID     string
	Generation uint64
	Status     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type cartDataKey struct{}

type CartData struct {
	Lines       int
	Reconciling bool
}

func WithCartData(ctx context.Context, data *CartData) context.Context {
	return context.WithValue(ctx, cartDataKey{}, data)
}

type opDataKey struct{}

// OpData names the operation (sign_in, reconcile, sync) a record belongs to.
type OpData struct {
	Name string
	ID   string
}

func WithOpData(ctx context.Context, data *OpData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}
