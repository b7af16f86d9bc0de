package session

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationInProgress is returned when a session operation is already
	// in flight. Calls are rejected, not queued.
	ErrOperationInProgress = errors.New("session: operation in progress")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("session: already initialized")
	// ErrNotInitialized is returned by operations invoked before Initialize.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrInvalidTransition is returned by Reduce for an event the current
	// status does not accept.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrStaleEvent is returned for an event produced under an older session
	// generation or for a different user.
	ErrStaleEvent = errors.New("session: stale event")
	// ErrNotAuthenticated is returned by AccessToken without a live session.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	ErrInvalidCredentials = errors.New("session: invalid credentials")
	ErrNetwork            = errors.New("session: network error")
	ErrUnknown            = errors.New("session: unknown error")
)

// AuthError is the typed failure of SignIn and SignUp. Kind is one of
// ErrInvalidCredentials, ErrNetwork or ErrUnknown, and errors.Is matches it.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{e.Kind, e.Err} }
