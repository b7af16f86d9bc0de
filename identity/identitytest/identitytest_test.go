package identitytest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/internal/tokenverify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintedTokensCarryClaims(t *testing.T) {
	p := New()
	u := p.AddUser("ada@example.com", "pw", nil)

	s, err := p.SignInWithPassword(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)

	claims, err := tokenverify.ParseUnverified(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)
	assert.True(t, claims.ExpiresAt.Equal(s.ExpiresAt))
}

func TestRefreshRotatesToken(t *testing.T) {
	p := New()
	p.AddUser("ada@example.com", "pw", nil)
	ctx := context.Background()

	s, err := p.SignInWithPassword(ctx, "ada@example.com", "pw")
	require.NoError(t, err)

	s2, err := p.RefreshSession(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, s.RefreshToken, s2.RefreshToken)

	_, err = p.RefreshSession(ctx, s.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestFailureInjection(t *testing.T) {
	p := New()
	p.AddUser("ada@example.com", "pw", nil)

	p.SetUnreachable(true)
	_, err := p.GetSession(context.Background())
	assert.ErrorIs(t, err, identity.ErrNetwork)

	p.SetUnreachable(false)
	p.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.SignInWithPassword(ctx, "ada@example.com", "pw")
	assert.ErrorIs(t, err, identity.ErrNetwork)
	assert.Equal(t, 1, p.Calls("sign_in"))
}
