// Package tokenverify validates access tokens issued by the identity provider
// and extracts the handful of claims the session layer needs.
package tokenverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted audiences; a token must carry at least
	// one. Empty disables the audience check (GoTrue issues "authenticated").
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256", "ES256"},
		Leeway:      30 * time.Second,
	}
}

// Claims is the subset of token claims the storefront consumes.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier validates access tokens. Implementations MUST perform signature,
// issuer, audience and time validations.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Claims, error)
}

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf).
var ErrUnauthorized = errors.New("tokenverify: unauthorized")

type verifier struct {
	cfg     *Config
	iss     string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer, and
// constructs a Verifier using the policies in cfg. JWKS keys are
// auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	cfg = withDefaults(cfg)
	return &verifier{cfg: cfg, iss: meta.Issuer, keyfunc: restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

func withDefaults(cfg *Config) *Config {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = DefaultConfig().AllowedAlgs
	}
	return &c
}

func restrictAlgs(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return next(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (v *verifier) Verify(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.iss),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	out := fromMap(claims)
	if out.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return out, nil
}

// ParseUnverified decodes tok without checking its signature. It is only
// suitable for reading expiry hints from tokens received over an already
// trusted channel.
func ParseUnverified(tok string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("tokenverify: malformed token: %w", err)
	}
	return fromMap(claims), nil
}

func fromMap(claims jwt.MapClaims) *Claims {
	out := &Claims{}
	out.Subject, _ = claims["sub"].(string)
	out.Email, _ = claims["email"].(string)
	out.Role, _ = claims["role"].(string)
	out.SessionID, _ = claims["session_id"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
