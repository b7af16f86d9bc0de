package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Refresher keeps the credential fresh by refreshing it Margin before it
// expires. Transient failures are retried with exponential backoff until the
// credential expires; a rejected refresh token clears the session.
type Refresher struct {
	h          *Holder
	Margin     time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewRefresher returns a Refresher for h with a 60s margin.
func NewRefresher(h *Holder) *Refresher {
	return &Refresher{h: h, Margin: 60 * time.Second, MinBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Run blocks until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsubscribe := r.h.Subscribe(func(State) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	backoff := time.Duration(0)
	for {
		fire, stop := r.schedule(r.h.State(), backoff)

		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-wake:
			stop()
			continue
		case <-fire:
		}

		err := r.h.Refresh(ctx)
		switch {
		case err == nil:
			backoff = 0
			// A provider issuing tokens shorter than Margin would otherwise
			// be refreshed in a tight loop.
			if st := r.h.State(); st.Credential != nil && time.Until(st.Credential.ExpiresAt.Add(-r.Margin)) <= 0 {
				backoff = r.MinBackoff
			}
		case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrStaleEvent), errors.Is(err, ErrInvalidCredentials):
			backoff = 0
		default:
			backoff = r.next(backoff)
			r.h.log.InfoContext(ctx, "session.refresh.retry", slog.Duration("in", backoff), slog.String("err", err.Error()))
		}
	}
}

// schedule returns a channel firing when the next refresh is due, or nil when
// there is nothing to refresh.
func (r *Refresher) schedule(st State, backoff time.Duration) (<-chan time.Time, func()) {
	if st.Status != StatusAuthenticated || st.Credential == nil {
		return nil, func() {}
	}
	wait := time.Until(st.Credential.ExpiresAt.Add(-r.Margin))
	if backoff > 0 {
		wait = backoff
	}
	t := time.NewTimer(max(wait, 0))
	return t.C, func() { t.Stop() }
}

func (r *Refresher) next(cur time.Duration) time.Duration {
	if cur == 0 {
		return r.MinBackoff
	}
	return min(cur*2, r.MaxBackoff)
}
