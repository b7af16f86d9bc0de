// Package storefront wires the session holder, the cart holder and the cart
// reconciler into one client-side runtime.
//
// A Client owns one persisted store, one auth event channel and the
// background loops that keep them converged: the event bridge, the token
// refresher, the cart syncer and the storage watcher. Sign-in confirmations
// trigger the guest-to-user cart merge before server pushes resume.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/storefront-go/authevents"
	"github.com/ggoodman/storefront-go/authevents/wsfeed"
	"github.com/ggoodman/storefront-go/broker"
	brokermemory "github.com/ggoodman/storefront-go/broker/memory"
	brokerredis "github.com/ggoodman/storefront-go/broker/redis"
	"github.com/ggoodman/storefront-go/cart"
	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/ggoodman/storefront-go/cartapi/rest"
	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/identity/gotrue"
	"github.com/ggoodman/storefront-go/internal/tokenverify"
	"github.com/ggoodman/storefront-go/metrics"
	"github.com/ggoodman/storefront-go/notice"
	"github.com/ggoodman/storefront-go/reconcile"
	"github.com/ggoodman/storefront-go/session"
	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/file"
	storagememory "github.com/ggoodman/storefront-go/storage/memory"
	storageredis "github.com/ggoodman/storefront-go/storage/redis"
	"github.com/ggoodman/storefront-go/storage/sqlite"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Option customizes New. Collaborators supplied through options take
// precedence over the ones Config would build.
type Option func(*options)

type options struct {
	log      *slog.Logger
	metrics  metrics.Sink
	provider identity.Provider
	backend  cartapi.Backend
	store    storage.Storage
	broker   broker.Broker
	catalog  reconcile.Catalog
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m metrics.Sink) Option {
	return func(o *options) { o.metrics = m }
}

// WithProvider replaces the GoTrue provider built from Config.
func WithProvider(p identity.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackend replaces the REST cart backend built from Config.
func WithBackend(b cartapi.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStorage replaces the store selected by Config.Storage. The Client does
// not close a store supplied this way.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithBroker replaces the broker selected by Config.Broker.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithCatalog validates guest-only lines against a live catalog during
// reconciliation.
func WithCatalog(c reconcile.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// Client is the assembled storefront runtime.
type Client struct {
	cfg Config
	log *slog.Logger

	scope      *storage.Scope
	channel    *identity.BrokerChannel
	session    *session.Holder
	cart       *cart.Holder
	syncer     *cart.Syncer
	reconciler *reconcile.Reconciler
	bridge     *authevents.Bridge
	refresher  *session.Refresher
	feed       *wsfeed.Feed
	notices    *notice.Bus

	closers []func() error
}

// New builds a Client from cfg. It performs no I/O beyond opening the store
// and, when an issuer is configured, fetching its discovery document.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.New(slog.DiscardHandler), metrics: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, log: o.log}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	var rdb redis.UniversalClient
	redisClient := func() redis.UniversalClient {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			c.closers = append(c.closers, rdb.Close)
		}
		return rdb
	}

	store := o.store
	if store == nil {
		var err error
		store, err = openStorage(ctx, cfg, o.log, redisClient)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
	}
	c.scope = storage.NewScope(store, cfg.App)

	b := o.broker
	if b == nil {
		switch cfg.Broker {
		case "redis":
			b = brokerredis.New(brokerredis.Config{Client: redisClient(), KeyPrefix: cfg.RedisKeyPrefix + "broker:"})
		default:
			b = brokermemory.New()
		}
	}
	c.channel = identity.NewBrokerChannel(b,
		identity.WithTopic(cfg.App+".auth"),
		identity.WithChannelLogger(o.log),
	)

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = newProvider(ctx, cfg, o.log)
		if err != nil {
			return nil, err
		}
	}

	c.notices = notice.NewBus(32, o.log)

	var err error
	c.session, err = session.NewHolder(provider, c.scope,
		session.WithLogger(o.log),
		session.WithMetrics(o.metrics),
		session.WithPublisher(c.channel),
		session.WithNotices(c.notices),
		session.WithOpTimeout(cfg.OpTimeout),
		session.WithSignInPath(cfg.SignInPath),
	)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() error { c.session.Close(); return nil })

	backend := o.backend
	if backend == nil {
		if cfg.CartURL == "" {
			return nil, errors.New("storefront: cart url is required")
		}
		backend, err = rest.New(rest.Config{BaseURL: cfg.CartURL, Tokens: c.session, Logger: o.log})
		if err != nil {
			return nil, err
		}
	}

	c.cart, err = cart.NewHolder(c.scope,
		cart.WithLogger(o.log),
		cart.WithMetrics(o.metrics),
		cart.WithPricing(cart.Pricing{
			FreeShippingThreshold: cfg.FreeShippingThreshold,
			ShippingFee:           cfg.ShippingFee,
			TaxRateBPS:            cfg.TaxRateBPS,
		}),
	)
	if err != nil {
		return nil, err
	}

	syncRate := rate.Limit(cfg.SyncRate)
	if cfg.SyncRate <= 0 {
		syncRate = rate.Inf
	}
	c.syncer = cart.NewSyncer(c.cart, backend,
		cart.WithSyncLogger(o.log),
		cart.WithSyncMetrics(o.metrics),
		cart.WithRateLimit(syncRate, 5),
	)

	recOpts := []reconcile.Option{
		reconcile.WithLogger(o.log),
		reconcile.WithMetrics(o.metrics),
		reconcile.WithNotices(c.notices),
		reconcile.WithSession(c.session),
	}
	if o.catalog != nil {
		recOpts = append(recOpts, reconcile.WithCatalog(o.catalog))
	}
	c.reconciler = reconcile.New(c.cart, backend, recOpts...)

	// Hooks fire synchronously after the session commits, so the merge
	// finishes (or aborts) before the cart gains an owner the syncer pushes
	// for.
	c.session.OnSignedIn(c.reconciler.OnSignedIn)
	c.session.OnSignedOut(func(ctx context.Context, _ session.State) {
		c.cart.Detach(ctx)
	})

	c.bridge = authevents.New(c.channel, c.session,
		authevents.WithLogger(o.log),
		authevents.WithMetrics(o.metrics),
	)

	c.refresher = session.NewRefresher(c.session)
	if cfg.RefreshMargin > 0 {
		c.refresher.Margin = cfg.RefreshMargin
	}

	if cfg.RealtimeURL != "" {
		h := http.Header{}
		if cfg.AuthAPIKey != "" {
			h.Set("apikey", cfg.AuthAPIKey)
		}
		c.feed, err = wsfeed.New(wsfeed.Config{
			URL:       cfg.RealtimeURL,
			Header:    h,
			Publisher: c.channel,
			Logger:    o.log,
		})
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return c, nil
}

func openStorage(ctx context.Context, cfg Config, log *slog.Logger, rdb func() redis.UniversalClient) (storage.Storage, error) {
	switch cfg.Storage {
	case "file":
		return file.New(cfg.StorageDir, file.WithLogger(log))
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	case "redis":
		return storageredis.New(storageredis.Config{Client: rdb(), KeyPrefix: cfg.RedisKeyPrefix + "storage:"})
	default:
		return storagememory.New(1024)
	}
}

func newProvider(ctx context.Context, cfg Config, log *slog.Logger) (identity.Provider, error) {
	if cfg.AuthURL == "" {
		return nil, errors.New("storefront: auth url is required")
	}
	var verifier tokenverify.Verifier
	if cfg.AuthIssuer != "" {
		vcfg := tokenverify.DefaultConfig()
		vcfg.Issuer = cfg.AuthIssuer
		if cfg.AuthAudience != "" {
			vcfg.ExpectedAudiences = strings.Split(cfg.AuthAudience, ",")
		}
		var err error
		if cfg.AuthJWKSURL != "" {
			verifier, err = tokenverify.NewStatic(ctx, vcfg, cfg.AuthJWKSURL)
		} else {
			verifier, err = tokenverify.NewFromDiscovery(ctx, vcfg)
		}
		if err != nil {
			return nil, fmt.Errorf("storefront: token verifier: %w", err)
		}
	}
	return gotrue.New(gotrue.Config{
		BaseURL:  cfg.AuthURL,
		APIKey:   cfg.AuthAPIKey,
		Verifier: verifier,
		Logger:   log,
	})
}

// Initialize restores the cart, then the session. A restored session whose
// cart was never merged reconciles now; a restored guest state detaches a
// cart still bound to a user.
func (c *Client) Initialize(ctx context.Context) (session.State, error) {
	if err := c.cart.Reload(ctx); err != nil {
		c.log.WarnContext(ctx, "storefront.cart.restore.fail", slog.String("err", err.Error()))
	}
	st, err := c.session.Initialize(ctx)
	if err != nil {
		return st, err
	}

	// A merge interrupted by the previous process is run again even when the
	// cart already names the user; the max-quantity merge is idempotent.
	owner, interrupted := c.cart.Owner(), c.cart.Interrupted()
	switch {
	case st.Status == session.StatusAuthenticated && (owner != st.UserID() || interrupted):
		if err := c.reconciler.Run(ctx, st.UserID(), st.Generation); err != nil {
			c.log.WarnContext(ctx, "storefront.reconcile.fail", slog.String("err", err.Error()))
		}
	case st.Status != session.StatusAuthenticated && (owner != "" || interrupted):
		c.cart.Detach(ctx)
	}
	return st, nil
}

// Run drives the background loops until ctx is done or one of them fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.bridge.Run(ctx) })
	g.Go(func() error { return c.refresher.Run(ctx) })
	g.Go(func() error { return c.syncer.Run(ctx) })
	g.Go(func() error { return c.scope.Watch(ctx, c.onStorageChange) })
	if c.feed != nil {
		g.Go(func() error { return c.feed.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onStorageChange follows writes by other processes. The session is always
// re-read before the cart so a cart owned by a newly signed-in user is never
// judged against a stale session.
func (c *Client) onStorageChange(ctx context.Context, key string) {
	switch {
	case key == session.StorageKey:
		if err := c.session.Reload(ctx); err != nil {
			c.log.WarnContext(ctx, "storefront.session.reload.fail", slog.String("err", err.Error()))
		}
	case key == cart.StorageKey || key == cart.LogKey || key == cart.GuestKey:
		if err := c.session.Reload(ctx); err != nil {
			c.log.WarnContext(ctx, "storefront.session.reload.fail", slog.String("err", err.Error()))
		}
		if err := c.cart.Reload(ctx); err != nil {
			c.log.WarnContext(ctx, "storefront.cart.reload.fail", slog.String("err", err.Error()))
		}
	}
}

// Session returns the session holder.
func (c *Client) Session() *session.Holder { return c.session }

// Cart returns the cart holder.
func (c *Client) Cart() *cart.Holder { return c.cart }

// Reconciler returns the cart reconciler.
func (c *Client) Reconciler() *reconcile.Reconciler { return c.reconciler }

// Syncer returns the cart syncer.
func (c *Client) Syncer() *cart.Syncer { return c.syncer }

// Bridge returns the auth event bridge.
func (c *Client) Bridge() *authevents.Bridge { return c.bridge }

// Notices streams user-visible notices from the session and the reconciler.
func (c *Client) Notices() <-chan notice.Notice { return c.notices.C() }

// Close releases everything New opened, in reverse order.
func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
