package session

import (
	"fmt"
	"time"
)

// Event is an input to Reduce.
type Event interface {
	eventName() string
}

// Initialized resolves the Uninitialized state. A nil User or Credential, or
// an expired Credential, resolves to Unauthenticated.
type Initialized struct {
	User       *User
	Credential *Credential
	Generation uint64
}

// SignInStarted moves an unauthenticated session into Authenticating.
type SignInStarted struct{}

// SignInSucceeded establishes a session. The resulting generation is the
// larger of the current generation plus one and MinGeneration.
type SignInSucceeded struct {
	User          User
	Credential    Credential
	MinGeneration uint64
}

// SignInFailed abandons an Authenticating attempt.
type SignInFailed struct{}

// SignedOut clears an established session.
type SignedOut struct {
	MinGeneration uint64
}

// Revoked clears an established session the provider no longer honours.
type Revoked struct{}

// CredentialRefreshed replaces the credential of the session for UserID.
// Generation is the session generation the refresh was started under; zero
// skips the staleness check.
type CredentialRefreshed struct {
	UserID     string
	Credential Credential
	Generation uint64
}

// RefreshFailed clears the session the failed refresh was started under.
type RefreshFailed struct {
	Generation uint64
}

// ProfileLoaded attaches a profile fetched for UserID under Generation.
type ProfileLoaded struct {
	UserID     string
	Profile    Profile
	Generation uint64
}

func (Initialized) eventName() string         { return "initialized" }
func (SignInStarted) eventName() string       { return "sign_in_started" }
func (SignInSucceeded) eventName() string     { return "sign_in_succeeded" }
func (SignInFailed) eventName() string        { return "sign_in_failed" }
func (SignedOut) eventName() string           { return "signed_out" }
func (Revoked) eventName() string             { return "revoked" }
func (CredentialRefreshed) eventName() string { return "credential_refreshed" }
func (RefreshFailed) eventName() string       { return "refresh_failed" }
func (ProfileLoaded) eventName() string       { return "profile_loaded" }

// Reduce computes the state following ev. On error the returned state is s,
// unchanged.
//
//	Uninitialized   --Initialized--------------------> Authenticated | Unauthenticated
//	Unauthenticated --SignInStarted------------------> Authenticating
//	Authenticating  --SignInSucceeded----------------> Authenticated
//	Authenticating  --SignInFailed-------------------> Unauthenticated
//	Authenticated   --SignedOut|Revoked|RefreshFailed-> Unauthenticated
//	Authenticated   --CredentialRefreshed|ProfileLoaded-> Authenticated
func Reduce(s State, ev Event, now time.Time) (State, error) {
	switch s.Status {
	case "", StatusUninitialized:
		if e, ok := ev.(Initialized); ok {
			next := State{Status: StatusUnauthenticated, Generation: max(s.Generation, e.Generation)}
			if e.User != nil && e.Credential != nil && !e.Credential.Expired(now) {
				u, c := *e.User, *e.Credential
				next.Status = StatusAuthenticated
				next.User = &u
				next.Credential = &c
			}
			return next, nil
		}

	case StatusUnauthenticated:
		if _, ok := ev.(SignInStarted); ok {
			return State{Status: StatusAuthenticating, Generation: s.Generation}, nil
		}

	case StatusAuthenticating:
		switch e := ev.(type) {
		case SignInSucceeded:
			u, c := e.User, e.Credential
			return State{
				Status:     StatusAuthenticated,
				User:       &u,
				Credential: &c,
				Generation: max(s.Generation+1, e.MinGeneration),
			}, nil
		case SignInFailed:
			return State{Status: StatusUnauthenticated, Generation: s.Generation}, nil
		}

	case StatusAuthenticated:
		switch e := ev.(type) {
		case SignedOut:
			return cleared(s, e.MinGeneration), nil
		case Revoked:
			return cleared(s, 0), nil
		case RefreshFailed:
			if e.Generation != 0 && e.Generation != s.Generation {
				return s, fmt.Errorf("%w: refresh failure from generation %d, current %d", ErrStaleEvent, e.Generation, s.Generation)
			}
			return cleared(s, 0), nil
		case CredentialRefreshed:
			if e.Generation != 0 && e.Generation < s.Generation {
				return s, fmt.Errorf("%w: refresh from generation %d, current %d", ErrStaleEvent, e.Generation, s.Generation)
			}
			if e.UserID != "" && e.UserID != s.UserID() {
				return s, fmt.Errorf("%w: refresh for another user", ErrStaleEvent)
			}
			c := e.Credential
			next := s
			next.Credential = &c
			return next, nil
		case ProfileLoaded:
			if e.Generation != s.Generation || e.UserID != s.UserID() {
				return s, fmt.Errorf("%w: profile from generation %d, current %d", ErrStaleEvent, e.Generation, s.Generation)
			}
			p := e.Profile
			next := s
			next.Profile = &p
			return next, nil
		}
	}

	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.eventName(), statusName(s.Status))
}

// cleared drops user, credential and profile together.
func cleared(s State, minGen uint64) State {
	return State{Status: StatusUnauthenticated, Generation: max(s.Generation+1, minGen)}
}

func statusName(s Status) string {
	if s == "" {
		return string(StatusUninitialized)
	}
	return string(s)
}
