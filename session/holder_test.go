package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/identity/identitytest"
	"github.com/ggoodman/storefront-go/notice"
	"github.com/ggoodman/storefront-go/session"
	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	provider *identitytest.Provider
	store    *storage.Scope
	user     identity.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := memory.New(128)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	p := identitytest.New()
	u := p.AddUser("ada@example.com", "hunter2", &identity.Profile{DisplayName: "Ada", Role: "customer"})
	return &fixture{provider: p, store: storage.NewScope(mem, "shop"), user: u}
}

func (f *fixture) holder(t *testing.T, opts ...session.Option) *session.Holder {
	t.Helper()
	h, err := session.NewHolder(f.provider, f.store, opts...)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func initialized(t *testing.T, h *session.Holder) session.State {
	t.Helper()
	st, err := h.Initialize(context.Background())
	require.NoError(t, err)
	return st
}

func TestInitializeProviderUnreachable(t *testing.T) {
	f := newFixture(t)
	f.provider.SetUnreachable(true)
	h := f.holder(t)

	st, err := h.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnauthenticated, st.Status)
	assert.Equal(t, session.StatusUnauthenticated, h.State().Status)
}

func TestInitializeTimesOut(t *testing.T) {
	f := newFixture(t)
	f.provider.SetDelay(time.Second)
	h := f.holder(t, session.WithOpTimeout(50*time.Millisecond))

	start := time.Now()
	st, err := h.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnauthenticated, st.Status)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestInitializeTwice(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)

	_, err := h.Initialize(context.Background())
	assert.ErrorIs(t, err, session.ErrAlreadyInitialized)
}

func TestOperationsRequireInitialize(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)

	_, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	assert.ErrorIs(t, err, session.ErrNotInitialized)
	assert.Equal(t, session.StatusUninitialized, h.State().Status)
}

func TestSignInEstablishesSession(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	before := initialized(t, h)

	var hookCalls atomic.Int32
	h.OnSignedIn(func(ctx context.Context, st session.State) {
		hookCalls.Add(1)
		assert.Equal(t, session.StatusAuthenticated, st.Status)
	})

	st, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated(time.Now()))
	assert.Equal(t, f.user.ID, st.UserID())
	assert.Equal(t, before.Generation+1, st.Generation)
	assert.EqualValues(t, 1, hookCalls.Load())

	var stored struct {
		Generation uint64         `json:"generation"`
		Projection map[string]any `json:"projection"`
	}
	found, err := f.store.GetJSON(context.Background(), session.StorageKey, &stored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, st.Generation, stored.Generation)
	require.NotNil(t, stored.Projection)
	assert.NotContains(t, stored.Projection, "profile")

	require.Eventually(t, func() bool {
		p := h.State().Profile
		return p != nil && p.DisplayName == "Ada"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignInFailureLeavesPriorSession(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)

	_, err := h.SignIn(context.Background(), "ada@example.com", "wrong")
	var aerr *session.AuthError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	assert.Equal(t, session.StatusUnauthenticated, h.State().Status)

	// With a session established, a failed sign-in leaves it in place.
	prior, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)

	f.provider.SetUnreachable(true)
	_, err = h.SignIn(context.Background(), "ada@example.com", "hunter2")
	assert.ErrorIs(t, err, session.ErrNetwork)
	cur := h.State()
	assert.Equal(t, prior.Generation, cur.Generation)
	assert.Equal(t, prior.Credential.AccessToken, cur.Credential.AccessToken)
}

func TestSignInTimesOut(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t, session.WithOpTimeout(50*time.Millisecond))
	initialized(t, h)

	f.provider.SetDelay(time.Second)
	_, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	assert.ErrorIs(t, err, session.ErrNetwork)
	assert.Equal(t, session.StatusUnauthenticated, h.State().Status)
}

func TestConcurrentOperationFailsFast(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)

	f.provider.SetDelay(200 * time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return h.State().Status == session.StatusAuthenticating
	}, time.Second, 5*time.Millisecond)

	_, err := h.SignOut(context.Background())
	assert.ErrorIs(t, err, session.ErrOperationInProgress)
	_, err = h.SignIn(context.Background(), "ada@example.com", "hunter2")
	assert.ErrorIs(t, err, session.ErrOperationInProgress)

	wg.Wait()
	assert.Equal(t, session.StatusAuthenticated, h.State().Status)
}

func TestSignedInHooksRunUnderDeadline(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t, session.WithOpTimeout(100*time.Millisecond))
	initialized(t, h)

	var hadDeadline atomic.Bool
	h.OnSignedIn(func(ctx context.Context, _ session.State) {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		<-ctx.Done()
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("a stuck sign-in hook held the session guard")
	}
	assert.True(t, hadDeadline.Load())

	st, err := h.SignOut(context.Background())
	require.NoError(t, err, "the guard is free once the hook gives up")
	assert.Equal(t, session.StatusUnauthenticated, st.Status)
}

func TestSignOutClearsAtomically(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)

	var mu sync.Mutex
	var seen []session.State
	h.Subscribe(func(st session.State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	signedIn, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.State().Profile != nil }, 2*time.Second, 10*time.Millisecond)

	st, err := h.SignOut(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.User)
	assert.Nil(t, st.Credential)
	assert.Nil(t, st.Profile)
	assert.Equal(t, signedIn.Generation+1, st.Generation)

	var stored map[string]any
	found, err := f.store.GetJSON(context.Background(), session.StorageKey, &stored)
	require.NoError(t, err)
	require.True(t, found, "the generation survives sign-out")
	assert.NotContains(t, stored, "projection")
	assert.EqualValues(t, st.Generation, stored["generation"])

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		partial := (s.User == nil) != (s.Credential == nil) || (s.Profile != nil && s.User == nil)
		assert.False(t, partial, "observed partial state %+v", s)
	}
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)
	ctx := context.Background()

	first, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	_, err = h.SignOut(ctx)
	require.NoError(t, err)
	second, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)

	err = h.OnCredentialRefreshed(ctx, f.user.ID, session.Credential{AccessToken: "stale", ExpiresAt: time.Now().Add(time.Hour)}, first.Generation)
	assert.ErrorIs(t, err, session.ErrStaleEvent)
	assert.Equal(t, second.Credential.AccessToken, h.State().Credential.AccessToken)

	err = h.OnCredentialRefreshed(ctx, f.user.ID, session.Credential{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, second.Generation)
	require.NoError(t, err)
	assert.Equal(t, "fresh", h.State().Credential.AccessToken)
	assert.Equal(t, f.user.ID, h.State().UserID())
}

func TestRefreshAfterSignOutIsDiscarded(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)
	ctx := context.Background()

	st, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	_, err = h.SignOut(ctx)
	require.NoError(t, err)

	err = h.OnCredentialRefreshed(ctx, f.user.ID, session.Credential{AccessToken: "late", ExpiresAt: time.Now().Add(time.Hour)}, st.Generation)
	assert.ErrorIs(t, err, session.ErrStaleEvent)
	assert.Nil(t, h.State().Credential)
}

func TestRevokedPublishesNotice(t *testing.T) {
	f := newFixture(t)
	bus := notice.NewBus(4, nil)
	h := f.holder(t, session.WithNotices(bus), session.WithSignInPath("/account/login"))
	initialized(t, h)

	var signedOut atomic.Int32
	h.OnSignedOut(func(context.Context, session.State) { signedOut.Add(1) })

	_, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	require.NoError(t, h.OnRevoked(context.Background()))

	st := h.State()
	assert.Equal(t, session.StatusUnauthenticated, st.Status)
	assert.Nil(t, st.User)
	assert.EqualValues(t, 1, signedOut.Load())

	select {
	case n := <-h.Notices():
		assert.Equal(t, notice.SessionRevoked, n.Kind)
		assert.Equal(t, "/account/login", n.Redirect)
	default:
		t.Fatal("expected a revocation notice")
	}

	// A second revocation has nothing to clear.
	require.NoError(t, h.OnRevoked(context.Background()))
	assert.EqualValues(t, 1, signedOut.Load())
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	f := newFixture(t)
	first := f.holder(t)
	initialized(t, first)
	signedIn, err := first.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)

	second := f.holder(t)
	st := initialized(t, second)
	assert.Equal(t, session.StatusAuthenticated, st.Status)
	assert.Equal(t, signedIn.Credential.AccessToken, st.Credential.AccessToken)
	assert.Equal(t, signedIn.Generation, st.Generation)
	assert.Equal(t, 0, f.provider.Calls("refresh"))
}

func TestInitializeRefreshesExpiredProjection(t *testing.T) {
	f := newFixture(t)
	first := f.holder(t)
	initialized(t, first)
	_, err := first.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)

	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.provider.SetClock(later)
	second := f.holder(t, session.WithClock(later))
	st := initialized(t, second)
	assert.Equal(t, session.StatusAuthenticated, st.Status)
	assert.Equal(t, 1, f.provider.Calls("refresh"))
	assert.True(t, st.IsAuthenticated(later()))
}

func TestInitializeDropsUnrefreshableProjection(t *testing.T) {
	f := newFixture(t)
	first := f.holder(t)
	initialized(t, first)
	_, err := first.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)

	f.provider.RevokeAll(f.user.ID)
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	second := f.holder(t, session.WithClock(later))
	st := initialized(t, second)
	assert.Equal(t, session.StatusUnauthenticated, st.Status)

	var stored map[string]any
	_, err = f.store.GetJSON(context.Background(), session.StorageKey, &stored)
	require.NoError(t, err)
	assert.NotContains(t, stored, "projection")
}

func TestReloadFollowsOtherProcess(t *testing.T) {
	f := newFixture(t)
	a := f.holder(t)
	b := f.holder(t)
	initialized(t, a)
	initialized(t, b)
	ctx := context.Background()

	_, err := a.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	require.NoError(t, b.Reload(ctx))
	assert.Equal(t, session.StatusAuthenticated, b.State().Status)
	assert.Equal(t, f.user.ID, b.State().UserID())

	_, err = a.SignOut(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Reload(ctx))
	assert.Equal(t, session.StatusUnauthenticated, b.State().Status)
	assert.Nil(t, b.State().Credential)
}

func TestGenerationSurvivesRestartAfterSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.holder(t)
	initialized(t, first)
	_, err := first.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	out, err := first.SignOut(ctx)
	require.NoError(t, err)

	second := f.holder(t)
	st := initialized(t, second)
	assert.Equal(t, session.StatusUnauthenticated, st.Status)
	assert.GreaterOrEqual(t, st.Generation, out.Generation)

	in, err := second.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	assert.Greater(t, in.Generation, out.Generation, "a restarted process never reuses a generation")
}

func TestExternalSignInConfirmsSameUser(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)
	ctx := context.Background()

	var confirmations atomic.Int32
	h.OnSignedIn(func(context.Context, session.State) { confirmations.Add(1) })

	old, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	_, err = h.SignOut(ctx)
	require.NoError(t, err)
	st, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	confirmations.Store(0)

	sess := &identity.Session{
		User:        identity.User{ID: f.user.ID, Email: f.user.Email},
		AccessToken: st.Credential.AccessToken,
		ExpiresAt:   st.Credential.ExpiresAt,
	}
	require.NoError(t, h.OnExternalSignIn(ctx, sess, st.Generation))
	assert.Equal(t, st.Generation, h.State().Generation, "re-confirmation must not bump generation")
	assert.EqualValues(t, 1, confirmations.Load())

	err = h.OnExternalSignIn(ctx, sess, old.Generation)
	assert.ErrorIs(t, err, session.ErrStaleEvent)
}

func TestAccessTokenRefreshesExpiredCredential(t *testing.T) {
	f := newFixture(t)
	f.provider.SetTTL(time.Second)
	h := f.holder(t)
	initialized(t, h)
	ctx := context.Background()

	st, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	f.provider.SetTTL(time.Hour)

	require.Eventually(t, func() bool { return !h.State().IsAuthenticated(time.Now()) }, 3*time.Second, 20*time.Millisecond)

	tok, err := h.AccessToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, st.Credential.AccessToken, tok)
	assert.Equal(t, st.Generation, h.State().Generation)
}

func TestAccessTokenWithoutSession(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)

	_, err := h.AccessToken(context.Background())
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	f := newFixture(t)
	h := f.holder(t)
	initialized(t, h)
	ctx := context.Background()

	_, err := h.SignIn(ctx, "ada@example.com", "hunter2")
	require.NoError(t, err)
	f.provider.RevokeAll(f.user.ID)

	err = h.Refresh(ctx)
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	assert.Equal(t, session.StatusUnauthenticated, h.State().Status)

	n := <-h.Notices()
	assert.Equal(t, notice.SessionExpired, n.Kind)
}

func TestRefresherRefreshesBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	f.provider.SetTTL(2 * time.Second)
	h := f.holder(t)
	initialized(t, h)

	st, err := h.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	f.provider.SetTTL(time.Hour)

	r := session.NewRefresher(h)
	r.Margin = 1500 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		cur := h.State()
		return cur.Credential != nil && cur.Credential.AccessToken != st.Credential.AccessToken
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, st.Generation, h.State().Generation)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
