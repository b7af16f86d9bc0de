package tokenverify

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// NewStatic constructs a Verifier against a statically configured issuer and
// JWKS URI (no discovery). GoTrue publishes its keys at
// <issuer>/.well-known/jwks.json without an openid-configuration document.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg = withDefaults(cfg)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &verifier{cfg: cfg, iss: cfg.Issuer, keyfunc: restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}
