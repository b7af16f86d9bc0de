// Package identity defines the storefront's view of the external identity
// provider: password sign-in, token refresh, profile lookup and the realtime
// auth-state event feed.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// User is the provider's account identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is a provider-issued session: who, and the tokens that prove it.
type Session struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Profile is the display data stored alongside an account.
type Profile struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatar_url"`
}

// SignUpOptions carries optional account metadata for SignUpWithPassword.
type SignUpOptions struct {
	DisplayName string
	// RedirectTo is where confirmation emails should send the user.
	RedirectTo string
}

// Provider is the identity provider collaborator.
type Provider interface {
	// GetSession returns the provider's current session, or nil when there is
	// none. It may talk to the network.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUpWithPassword creates an account. The returned session is nil when
	// the provider requires email confirmation before sign-in.
	SignUpWithPassword(ctx context.Context, email, password string, opts SignUpOptions) (*Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetProfile(ctx context.Context, accessToken, userID string) (*Profile, error)
}

var (
	// ErrInvalidCredentials is returned for a rejected email/password pair or
	// a refresh token the provider no longer honours.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrNetwork matches every *NetworkError.
	ErrNetwork = errors.New("identity: network error")
	// ErrSessionNotFound is returned when the provider does not recognise the
	// session presented to it.
	ErrSessionNotFound = errors.New("identity: session not found")
	// ErrProfileNotFound is returned by GetProfile when no profile row exists.
	ErrProfileNotFound = errors.New("identity: profile not found")
)

// NetworkError reports a transport failure or an unavailable provider.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("identity: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNetwork) true for any *NetworkError.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// APIError is a provider response that maps to no more specific error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity: provider returned %d %s: %s", e.Status, e.Code, e.Message)
}
