package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/storefront-go/cart"
	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/ggoodman/storefront-go/internal/logctx"
	"github.com/ggoodman/storefront-go/metrics"
	"github.com/ggoodman/storefront-go/notice"
	"github.com/ggoodman/storefront-go/session"
)

// ErrReconciliationFailed wraps the fetch or persist failure that aborted a
// run. The guest cart stays active and the next sign-in confirmation retries.
var ErrReconciliationFailed = errors.New("reconcile: reconciliation failed")

// DefaultFailureNotice is how many consecutive failures raise a notice.
const DefaultFailureNotice = 3

// Catalog looks up current product data for guest-only lines.
type Catalog interface {
	Lookup(ctx context.Context, productID, variantID string) (cart.Product, error)
}

// SessionView reports the session a run belongs to.
type SessionView interface {
	State() session.State
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithCatalog validates guest-only lines against current catalog data
// instead of their add-time snapshot.
func WithCatalog(c Catalog) Option {
	return func(r *Reconciler) { r.catalog = c }
}

// WithNotices routes the repeated-failure notice to b.
func WithNotices(b *notice.Bus) Option {
	return func(r *Reconciler) { r.notices = b }
}

// WithSession aborts runs whose session changed before the merge landed.
func WithSession(s SessionView) Option {
	return func(r *Reconciler) { r.session = s }
}

// WithFailureNotice overrides DefaultFailureNotice.
func WithFailureNotice(n int) Option {
	return func(r *Reconciler) { r.failureNotice = n }
}

// WithClock sets the clock used for run durations and notice timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler runs the guest-to-user merge at most once per session
// generation.
type Reconciler struct {
	cart          *cart.Holder
	backend       cartapi.Backend
	catalog       Catalog
	session       SessionView
	notices       *notice.Bus
	log           *slog.Logger
	metrics       metrics.Sink
	now           func() time.Time
	failureNotice int

	mu       sync.Mutex
	done     uint64
	doneUser string
	failures int
}

// New returns a Reconciler merging into backend.
func New(c *cart.Holder, backend cartapi.Backend, opts ...Option) *Reconciler {
	r := &Reconciler{
		cart:          c,
		backend:       backend,
		log:           slog.New(slog.DiscardHandler),
		metrics:       metrics.Nop{},
		now:           time.Now,
		failureNotice: DefaultFailureNotice,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnSignedIn is a session.SignedInFunc.
func (r *Reconciler) OnSignedIn(ctx context.Context, st session.State) {
	if err := r.Run(ctx, st.UserID(), st.Generation); err != nil {
		r.log.WarnContext(ctx, "reconcile.fail", slog.String("user_id", st.UserID()), slog.String("err", err.Error()))
	}
}

// Run merges the guest cart into userID's server cart. A generation that
// already reconciled successfully is a no-op; concurrent calls serialize and
// the later ones find the work done.
func (r *Reconciler) Run(ctx context.Context, userID string, generation uint64) error {
	if userID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doneUser == userID && r.done == generation {
		r.metrics.IncCounter(metrics.ReconcileRuns, map[string]string{"result": "skipped"})
		return nil
	}

	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: "reconcile", ID: fmt.Sprintf("%s/%d", userID, generation)})
	start := r.now()
	res, err := r.run(ctx, userID, generation)
	r.metrics.ObserveHistogram(metrics.ReconcileDuration, r.now().Sub(start).Seconds(), nil)
	if err != nil {
		r.failures++
		r.metrics.IncCounter(metrics.ReconcileRuns, map[string]string{"result": "failed"})
		if r.failures == r.failureNotice && r.notices != nil {
			r.notices.Publish(notice.Notice{
				Kind:    notice.ReconcileFailing,
				Message: "We couldn't sync your cart with your account. Your items are saved on this device.",
				At:      r.now(),
			})
		}
		return fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}

	r.done, r.doneUser, r.failures = generation, userID, 0
	r.metrics.IncCounter(metrics.ReconcileRuns, map[string]string{"result": "ok"})
	for _, s := range res.Skipped {
		r.metrics.IncCounter(metrics.ReconcileSkippedLine, nil)
		r.log.InfoContext(ctx, "reconcile.line.skipped", slog.String("key", string(s.Line.Key)), slog.String("err", s.Err.Error()))
	}
	r.log.InfoContext(ctx, "reconcile.done", slog.Int("lines", len(res.Lines)), slog.Int("added", len(res.Add)), slog.Int("raised", len(res.Raise)))
	return nil
}

func (r *Reconciler) run(ctx context.Context, userID string, generation uint64) (Result, error) {
	guest, err := r.cart.BeginReconcile(ctx)
	if err != nil {
		return Result{}, err
	}
	ctx = logctx.WithCartData(ctx, &logctx.CartData{Lines: len(guest.Lines), Reconciling: true})

	res, err := r.merge(ctx, guest.Lines)
	if err == nil {
		err = r.checkSession(userID, generation)
	}
	if err != nil {
		r.cart.AbortReconcile(ctx)
		return res, err
	}
	if _, err := r.cart.CompleteReconcile(ctx, userID, res.Lines); err != nil {
		return res, err
	}
	return res, nil
}

// merge fetches the server cart, merges and writes the result back.
func (r *Reconciler) merge(ctx context.Context, guest []cart.Line) (Result, error) {
	sc, err := r.backend.GetCart(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch server cart: %w", err)
	}
	server := make([]cart.Line, 0, len(sc.Items))
	for _, it := range sc.Items {
		server = append(server, cart.LineFromItem(it))
	}

	res := Merge(guest, server, func(l cart.Line) (cart.Line, error) { return r.validate(ctx, l) })

	for _, l := range res.Raise {
		if _, err := r.backend.UpdateItem(ctx, l.ServerID, l.Quantity); err != nil {
			return res, fmt.Errorf("raise %s: %w", l.Key, err)
		}
	}
	for i := range res.Lines {
		l := &res.Lines[i]
		if l.ServerID != "" {
			continue
		}
		it, err := r.backend.AddItem(ctx, cartapi.AddItemInput{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
		if err != nil {
			return res, fmt.Errorf("add %s: %w", l.Key, err)
		}
		l.ServerID = it.ID
	}
	return res, nil
}

// validate applies the add-item rules to a guest-only line, preferring
// current catalog data over the line's snapshot.
func (r *Reconciler) validate(ctx context.Context, l cart.Line) (cart.Line, error) {
	p := l.Product()
	if r.catalog != nil {
		cur, err := r.catalog.Lookup(ctx, l.ProductID, l.VariantID)
		switch {
		case err == nil:
			p = cur
			l.Stock, l.Status = cur.Stock, cur.Status
		default:
			r.log.DebugContext(ctx, "reconcile.catalog.lookup.fail", slog.String("key", string(l.Key)), slog.String("err", err.Error()))
		}
	}
	if err := cart.Validate(p, l.Quantity); err != nil {
		return l, err
	}
	return l, nil
}

// checkSession aborts a run whose session ended or changed meanwhile.
func (r *Reconciler) checkSession(userID string, generation uint64) error {
	if r.session == nil {
		return nil
	}
	st := r.session.State()
	if st.UserID() != userID || st.Generation != generation {
		return fmt.Errorf("session changed during reconciliation (now %q/%d)", st.UserID(), st.Generation)
	}
	return nil
}
