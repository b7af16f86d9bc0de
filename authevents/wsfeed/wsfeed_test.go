package wsfeed_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/storefront-go/authevents/wsfeed"
	"github.com/ggoodman/storefront-go/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []identity.Event
}

func (r *recorder) Emit(_ context.Context, ev identity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []identity.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// pushServer sends the given frames on each connection, then closes it.
func pushServer(t *testing.T, frames ...any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon" {
			http.Error(w, "missing apikey", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		for _, fr := range frames {
			b, _ := json.Marshal(fr)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		_ = c.Write(ctx, websocket.MessageText, []byte("not json"))
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		_ = c.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestFeedRelaysEventsAndReconnects(t *testing.T) {
	srv, conns := pushServer(t,
		map[string]any{"event": "SIGNED_IN", "generation": 1},
		map[string]any{"type": "heartbeat"},
		map[string]any{"event": "TOKEN_REFRESHED", "generation": 1},
	)
	rec := &recorder{}
	f, err := wsfeed.New(wsfeed.Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header:     http.Header{"apikey": []string{"anon"}},
		Publisher:  rec,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return conns.Load() >= 2 && len(rec.kinds()) >= 4 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	kinds := rec.kinds()
	assert.Equal(t, []identity.EventKind{
		identity.EventSignedIn, identity.EventTokenRefreshed,
		identity.EventSignedIn, identity.EventTokenRefreshed,
	}, kinds[:4])
}

func TestFeedRetriesRejectedDial(t *testing.T) {
	srv, conns := pushServer(t)
	f, err := wsfeed.New(wsfeed.Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Publisher:  &recorder{},
		MinBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Run(ctx), context.DeadlineExceeded)
	assert.EqualValues(t, 0, conns.Load())
}

func TestNewValidates(t *testing.T) {
	_, err := wsfeed.New(wsfeed.Config{Publisher: &recorder{}})
	assert.Error(t, err)
	_, err = wsfeed.New(wsfeed.Config{URL: "ws://example.invalid"})
	assert.Error(t, err)
}
