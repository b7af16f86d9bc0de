// Package session owns the storefront's authentication state: who is signed
// in, the credential proving it, and the transitions between those states.
//
// State changes are computed by Reduce, a pure function over (State, Event).
// Holder is the single owning instance per process; it serializes operations
// against the identity provider, persists a minimal projection of the
// session, and notifies observers.
package session

import "time"

// Status is a node of the session state machine.
type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// User identifies the signed-in account. Replaced wholesale on re-login.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Credential is the access/refresh token pair and its expiry.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the credential is no longer usable at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Profile is display data fetched after a session is established.
type Profile struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatar_url"`
}

// State is an immutable snapshot of the session. The pointed-to values are
// never modified after a State is produced; transitions allocate new ones.
type State struct {
	Status     Status
	User       *User
	Credential *Credential
	Profile    *Profile
	// Generation increases on every establishment and every clear.
	Generation uint64
}

// IsAuthenticated reports whether the state carries a live session. An
// expired credential reads as unauthenticated until refreshed.
func (s State) IsAuthenticated(now time.Time) bool {
	return s.Status == StatusAuthenticated &&
		s.User != nil &&
		s.Credential != nil &&
		s.Credential.ExpiresAt.After(now)
}

// UserID returns the signed-in user's ID or "".
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
