// Package notice carries user-visible notices (forced sign-out, repeated
// background failures) from the session and cart layers to the UI.
package notice

import (
	"log/slog"
	"time"
)

// Kind classifies a notice.
type Kind string

const (
	// SessionRevoked means the provider invalidated the session; the UI
	// should show Message and navigate to Redirect.
	SessionRevoked Kind = "session_revoked"
	// SessionExpired means the credential could not be refreshed and the
	// user must sign in again.
	SessionExpired Kind = "session_expired"
	// ReconcileFailing means cart reconciliation failed repeatedly.
	ReconcileFailing Kind = "reconcile_failing"
)

// Notice is one user-visible message.
type Notice struct {
	Kind     Kind
	Message  string
	Redirect string
	At       time.Time
}

// Bus is a bounded single-consumer queue of notices. Publishing never
// blocks; when the consumer falls behind, new notices are dropped and logged.
type Bus struct {
	ch  chan Notice
	log *slog.Logger
}

// NewBus returns a Bus buffering up to size notices.
func NewBus(size int, log *slog.Logger) *Bus {
	if size <= 0 {
		size = 16
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{ch: make(chan Notice, size), log: log}
}

// Publish enqueues n, stamping At if unset.
func (b *Bus) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case b.ch <- n:
	default:
		b.log.Warn("notice.dropped", slog.String("kind", string(n.Kind)))
	}
}

// C returns the channel notices are delivered on.
func (b *Bus) C() <-chan Notice {
	return b.ch
}
