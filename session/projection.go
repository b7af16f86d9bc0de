package session

import (
	"context"
	"time"

	"github.com/ggoodman/storefront-go/storage"
)

// StorageKey holds the persisted session record.
const StorageKey = "session"

// record is the one object written under StorageKey, so the generation and
// the projection it belongs to always change together. Generation outlives
// the projection across sign-outs so a restarted process never reuses one.
type record struct {
	Generation uint64      `json:"generation"`
	Projection *projection `json:"projection,omitempty"`
}

// projection is the minimal session state written to the store. The profile
// is refetched rather than persisted.
type projection struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Generation   uint64    `json:"generation"`
}

func projectionOf(s State) *projection {
	if s.Status != StatusAuthenticated || s.User == nil || s.Credential == nil {
		return nil
	}
	return &projection{
		User:         *s.User,
		AccessToken:  s.Credential.AccessToken,
		RefreshToken: s.Credential.RefreshToken,
		ExpiresAt:    s.Credential.ExpiresAt,
		Generation:   s.Generation,
	}
}

func (p *projection) credential() Credential {
	return Credential{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, ExpiresAt: p.ExpiresAt}
}

// load reads the session record. A missing or signed-out record yields a
// nil projection.
func load(ctx context.Context, store *storage.Scope) (*projection, uint64, error) {
	var rec record
	if _, err := store.GetJSON(ctx, StorageKey, &rec); err != nil {
		return nil, 0, err
	}
	p := rec.Projection
	if p == nil || p.User.ID == "" {
		return nil, rec.Generation, nil
	}
	return p, max(rec.Generation, p.Generation), nil
}

// save replaces the session record with s in a single write.
func save(ctx context.Context, store *storage.Scope, s State) error {
	return store.SetJSON(ctx, StorageKey, record{Generation: s.Generation, Projection: projectionOf(s)})
}
