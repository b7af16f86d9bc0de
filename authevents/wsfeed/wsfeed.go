// Package wsfeed relays auth events pushed over a websocket by the identity
// provider's realtime endpoint onto an identity.EventPublisher.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/storefront-go/identity"
)

const maxReadBytes = 1 << 20

// Config configures a Feed.
type Config struct {
	// URL is the ws:// or wss:// realtime endpoint.
	URL string
	// Header is sent with every dial (e.g. the provider's apikey).
	Header http.Header
	// Publisher receives every decoded event.
	Publisher identity.EventPublisher

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Feed maintains one websocket connection, reconnecting until its context is
// done.
type Feed struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a Feed.
func New(cfg Config) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsfeed: URL is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("wsfeed: Publisher is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Feed{cfg: cfg, log: log}, nil
}

// Run blocks until ctx is done, redialing with exponential backoff whenever
// the connection drops.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.MinBackoff
	for {
		delivered, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff = f.cfg.MinBackoff
		}
		f.log.InfoContext(ctx, "wsfeed.disconnected", slog.String("err", err.Error()), slog.Duration("retry_in", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, f.cfg.MaxBackoff)
	}
}

// session runs one connection and reports whether any event was relayed.
func (f *Feed) session(ctx context.Context) (bool, error) {
	conn, resp, err := websocket.Dial(ctx, f.cfg.URL, &websocket.DialOptions{
		HTTPHeader: f.cfg.Header,
		HTTPClient: f.cfg.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxReadBytes)
	f.log.InfoContext(ctx, "wsfeed.connected", slog.String("url", f.cfg.URL))

	delivered := false
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return delivered, errors.New("closed by peer")
			}
			return delivered, err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var ev identity.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			f.log.WarnContext(ctx, "wsfeed.decode.fail", slog.String("err", err.Error()))
			continue
		}
		if ev.Kind == "" {
			// heartbeat
			continue
		}
		if err := f.cfg.Publisher.Emit(ctx, ev); err != nil {
			return delivered, fmt.Errorf("publish: %w", err)
		}
		delivered = true
	}
}
