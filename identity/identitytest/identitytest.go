// Package identitytest provides an in-memory identity.Provider for tests and
// local development. It mints real HS256 JWTs so token plumbing is exercised
// end to end.
package identitytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Secret signs every token the fake issues.
var Secret = []byte("identitytest-secret")

type account struct {
	user     identity.User
	password string
	profile  *identity.Profile
}

// Provider is a fake identity.Provider. The zero value is not usable; call New.
type Provider struct {
	mu          sync.Mutex
	accounts    map[string]*account // by email
	refresh     map[string]string   // refresh token -> user id
	current     *identity.Session
	ttl         time.Duration
	delay       time.Duration
	unreachable bool
	now         func() time.Time

	calls map[string]int
}

// New returns an empty Provider issuing one-hour tokens.
func New() *Provider {
	return &Provider{
		accounts: make(map[string]*account),
		refresh:  make(map[string]string),
		ttl:      time.Hour,
		now:      time.Now,
		calls:    make(map[string]int),
	}
}

// AddUser registers an account and returns its identity.
func (p *Provider) AddUser(email, password string, profile *identity.Profile) identity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := identity.User{ID: uuid.NewString(), Email: email}
	p.accounts[email] = &account{user: u, password: password, profile: profile}
	return u
}

// SetUnreachable makes every call fail with a NetworkError.
func (p *Provider) SetUnreachable(v bool) {
	p.mu.Lock()
	p.unreachable = v
	p.mu.Unlock()
}

// SetDelay makes every call wait d (or until ctx is done) before answering.
func (p *Provider) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// SetTTL changes the lifetime of tokens issued from now on.
func (p *Provider) SetTTL(d time.Duration) {
	p.mu.Lock()
	p.ttl = d
	p.mu.Unlock()
}

// SetClock replaces the provider's clock.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// RevokeAll invalidates every refresh token issued to userID.
func (p *Provider) RevokeAll(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for rt, uid := range p.refresh {
		if uid == userID {
			delete(p.refresh, rt)
		}
	}
	if p.current != nil && p.current.User.ID == userID {
		p.current = nil
	}
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter records op and applies injected latency and failure.
func (p *Provider) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	delay, down := p.delay, p.unreachable
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &identity.NetworkError{Op: op, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if down {
		return &identity.NetworkError{Op: op, Err: fmt.Errorf("provider unreachable")}
	}
	return nil
}

// mint issues a session for u. Callers hold p.mu.
func (p *Provider) mint(u identity.User) (*identity.Session, error) {
	now := p.now()
	exp := now.Add(p.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        u.ID,
		"email":      u.Email,
		"role":       "authenticated",
		"aud":        "authenticated",
		"session_id": uuid.NewString(),
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})
	signed, err := tok.SignedString(Secret)
	if err != nil {
		return nil, err
	}
	rt := uuid.NewString()
	p.refresh[rt] = u.ID
	s := &identity.Session{User: u, AccessToken: signed, RefreshToken: rt, ExpiresAt: time.Unix(exp.Unix(), 0)}
	p.current = s
	out := *s
	return &out, nil
}

func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	if err := p.enter(ctx, "get_session"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	out := *p.current
	return &out, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	if err := p.enter(ctx, "sign_in"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[email]
	if !ok || acct.password != password {
		return nil, identity.ErrInvalidCredentials
	}
	return p.mint(acct.user)
}

func (p *Provider) SignUpWithPassword(ctx context.Context, email, password string, opts identity.SignUpOptions) (*identity.Session, error) {
	if err := p.enter(ctx, "sign_up"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[email]; exists {
		return nil, &identity.APIError{Status: 422, Code: "user_already_exists", Message: "User already registered"}
	}
	u := identity.User{ID: uuid.NewString(), Email: email}
	p.accounts[email] = &account{user: u, password: password, profile: &identity.Profile{DisplayName: opts.DisplayName, Role: "customer"}}
	return p.mint(u)
}

func (p *Provider) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	if err := p.enter(ctx, "refresh"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	uid, ok := p.refresh[refreshToken]
	if !ok {
		return nil, identity.ErrInvalidCredentials
	}
	delete(p.refresh, refreshToken)
	for _, acct := range p.accounts {
		if acct.user.ID == uid {
			return p.mint(acct.user)
		}
	}
	return nil, identity.ErrSessionNotFound
}

func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	if err := p.enter(ctx, "sign_out"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	return nil
}

func (p *Provider) GetProfile(ctx context.Context, accessToken, userID string) (*identity.Profile, error) {
	if err := p.enter(ctx, "get_profile"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acct := range p.accounts {
		if acct.user.ID == userID && acct.profile != nil {
			out := *acct.profile
			return &out, nil
		}
	}
	return nil, identity.ErrProfileNotFound
}

var _ identity.Provider = (*Provider)(nil)
