package identity

import (
	"context"
	"time"
)

// EventKind names an auth-state change.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventSessionRevoked EventKind = "SESSION_REVOKED"
)

// Event is one auth-state change as emitted by the provider (or by another
// process sharing the same storefront state).
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"event"`
	Session *Session  `json:"session,omitempty"`
	// Generation is the emitter's session generation at the time the event
	// was produced. Zero means unknown and is never treated as stale.
	Generation uint64    `json:"generation,omitempty"`
	At         time.Time `json:"at"`
}

// EventHandler consumes one event. Returning an error stops delivery.
type EventHandler func(ctx context.Context, ev Event) error

// EventSource delivers auth-state changes in emission order.
type EventSource interface {
	// OnAuthStateChange blocks, calling handler for each event, until ctx is
	// done or handler fails.
	OnAuthStateChange(ctx context.Context, handler EventHandler) error
}

// EventPublisher emits auth-state changes.
type EventPublisher interface {
	Emit(ctx context.Context, ev Event) error
}
