package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/broker/memory"
	"github.com/ggoodman/storefront-go/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerChannelDeliversInOrder(t *testing.T) {
	ch := identity.NewBrokerChannel(memory.New(), identity.WithTopic("auth"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan identity.Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- ch.OnAuthStateChange(ctx, func(_ context.Context, ev identity.Event) error {
			got <- ev
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	sess := &identity.Session{User: identity.User{ID: "u1", Email: "u1@example.com"}, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, ch.Emit(ctx, identity.Event{Kind: identity.EventSignedIn, Session: sess, Generation: 1}))
	require.NoError(t, ch.Emit(ctx, identity.Event{Kind: identity.EventTokenRefreshed, Session: sess, Generation: 1}))
	require.NoError(t, ch.Emit(ctx, identity.Event{Kind: identity.EventSignedOut, Generation: 1}))

	var kinds []identity.EventKind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-got:
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.At.IsZero())
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	assert.Equal(t, []identity.EventKind{identity.EventSignedIn, identity.EventTokenRefreshed, identity.EventSignedOut}, kinds)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestBrokerChannelHandlerErrorStops(t *testing.T) {
	ch := identity.NewBrokerChannel(memory.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- ch.OnAuthStateChange(ctx, func(context.Context, identity.Event) error { return boom })
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ch.Emit(ctx, identity.Event{Kind: identity.EventSignedOut}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestNetworkErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(&identity.NetworkError{Op: "sign_in", Err: cause})
	assert.ErrorIs(t, err, identity.ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, identity.ErrInvalidCredentials)
}
