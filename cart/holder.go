package cart

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/storefront-go/internal/logctx"
	"github.com/ggoodman/storefront-go/metrics"
	"github.com/ggoodman/storefront-go/storage"
)

const (
	// StorageKey holds the active cart.
	StorageKey = "cart"
	// GuestKey holds the guest cart captured when reconciliation starts. It
	// is removed when reconciliation ends, so finding it at Reload means a
	// merge was interrupted.
	GuestKey = "cart.guest"
)

type persisted struct {
	Lines    []Line    `json:"lines"`
	Discount *Discount `json:"discount,omitempty"`
	// Owner is the user whose server cart this cart mirrors; empty for a
	// guest cart.
	Owner string `json:"owner,omitempty"`
}

// Snapshot is an immutable view of the cart.
type Snapshot struct {
	Lines       []Line    `json:"lines"`
	Discount    *Discount `json:"discount,omitempty"`
	Totals      Totals    `json:"totals"`
	Owner       string    `json:"owner,omitempty"`
	Reconciling bool      `json:"reconciling"`
}

// Find returns the line for key.
func (s Snapshot) Find(key LineKey) (Line, bool) {
	for _, l := range s.Lines {
		if l.Key == key {
			return l, true
		}
	}
	return Line{}, false
}

// Option configures a Holder.
type Option func(*Holder)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Holder) { h.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(h *Holder) { h.metrics = m }
}

// WithPricing overrides DefaultPricing.
func WithPricing(p Pricing) Option {
	return func(h *Holder) { h.pricing = p }
}

type mutationKind uint8

const (
	mutAdd mutationKind = iota
	mutUpdate
	mutRemove
	mutClear
	mutDiscount
)

var mutationNames = [...]string{"add", "update", "remove", "clear", "discount"}

// mutation is a user action, kept so it can be replayed after a
// reconciliation replaces the lines underneath it.
type mutation struct {
	kind     mutationKind
	product  Product
	key      LineKey
	qty      int
	discount *Discount
}

// bufferedMutation is a mutation issued during reconciliation together with
// the intents it produced against the lines it was applied to.
type bufferedMutation struct {
	mutation
	intents []Intent
}

// Holder owns the cart for one process. Mutations apply locally at once and
// are persisted before they return.
type Holder struct {
	store   *storage.Scope
	synclog *Log
	pricing Pricing
	log     *slog.Logger
	metrics metrics.Sink

	mu          sync.Mutex
	lines       []Line
	discount    *Discount
	owner       string
	reconciling bool
	interrupted bool
	buffered    []bufferedMutation

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int

	wake chan struct{}
}

// NewHolder returns an empty Holder. Call Reload to restore a persisted cart.
func NewHolder(store *storage.Scope, opts ...Option) (*Holder, error) {
	if store == nil {
		return nil, errors.New("cart: store is required")
	}
	h := &Holder{
		store:   store,
		synclog: NewLog(store),
		pricing: DefaultPricing(),
		log:     slog.New(slog.DiscardHandler),
		metrics: metrics.Nop{},
		subs:    make(map[int]func(Snapshot)),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Reload re-reads the persisted cart and command log, replacing local state.
// It restores the cart at startup and follows writes by other processes. It
// is a no-op while reconciling.
func (h *Holder) Reload(ctx context.Context) error {
	h.mu.Lock()
	if h.reconciling {
		h.mu.Unlock()
		return nil
	}
	// Read under the lock so a concurrent mutation is never overwritten by
	// an older copy.
	var p persisted
	if _, err := h.store.GetJSON(ctx, StorageKey, &p); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.synclog.Load(ctx); err != nil {
		h.log.WarnContext(ctx, "cart.log.reload.fail", slog.String("err", err.Error()))
	}
	var guest persisted
	found, err := h.store.GetJSON(ctx, GuestKey, &guest)
	if err != nil {
		h.log.WarnContext(ctx, "cart.guest.reload.fail", slog.String("err", err.Error()))
	}
	if found && !h.interrupted {
		h.log.InfoContext(ctx, "cart.reconcile.interrupted", slog.Int("guest_lines", len(guest.Lines)))
	}
	h.interrupted = found
	h.lines, h.discount, h.owner = p.Lines, p.Discount, p.Owner
	h.commitLocked()
	h.poke()
	return nil
}

// Log returns the command log the Syncer drains.
func (h *Holder) Log() *Log { return h.synclog }

// Changes signals after every commit. It has a single consumer, the Syncer.
func (h *Holder) Changes() <-chan struct{} { return h.wake }

func (h *Holder) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Subscribe calls fn with every committed snapshot, in commit order. The
// returned function unsubscribes.
func (h *Holder) Subscribe(fn func(Snapshot)) func() {
	h.subsMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.subsMu.Unlock()
	return func() {
		h.subsMu.Lock()
		delete(h.subs, id)
		h.subsMu.Unlock()
	}
}

// Snapshot returns the current cart.
func (h *Holder) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Lines returns the current lines.
func (h *Holder) Lines() []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneLines(h.lines)
}

// Line returns the line for key.
func (h *Holder) Line(key LineKey) (Line, bool) {
	return h.Snapshot().Find(key)
}

// Totals prices the current lines.
func (h *Holder) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ComputeTotals(h.lines, h.discount, h.pricing)
}

// Owner returns the user whose server cart this cart mirrors.
func (h *Holder) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Interrupted reports whether the last Reload found the guest snapshot of a
// reconciliation that never completed or aborted. The merge should be run
// again for the signed-in user.
func (h *Holder) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// Syncing reports whether mutations are being pushed to a server cart.
func (h *Holder) Syncing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner != "" && !h.reconciling
}

// AddItem adds qty units of p, merging into an existing line.
func (h *Holder) AddItem(ctx context.Context, p Product, qty int) (Snapshot, error) {
	return h.mutate(ctx, mutation{kind: mutAdd, product: p, key: KeyOf(p.ID, p.VariantID), qty: qty})
}

// UpdateQuantity sets the quantity of the line for key. Zero removes it.
func (h *Holder) UpdateQuantity(ctx context.Context, key LineKey, qty int) (Snapshot, error) {
	return h.mutate(ctx, mutation{kind: mutUpdate, key: key, qty: qty})
}

// RemoveItem removes the line for key. Removing a missing line succeeds and
// changes nothing.
func (h *Holder) RemoveItem(ctx context.Context, key LineKey) (Snapshot, error) {
	return h.mutate(ctx, mutation{kind: mutRemove, key: key})
}

// Clear empties the cart and drops any discount.
func (h *Holder) Clear(ctx context.Context) (Snapshot, error) {
	return h.mutate(ctx, mutation{kind: mutClear})
}

// ApplyDiscount replaces the cart discount.
func (h *Holder) ApplyDiscount(ctx context.Context, d Discount) (Snapshot, error) {
	if !d.valid() {
		return h.Snapshot(), ErrInvalidDiscount
	}
	return h.mutate(ctx, mutation{kind: mutDiscount, discount: &d})
}

// RemoveDiscount drops the cart discount.
func (h *Holder) RemoveDiscount(ctx context.Context) (Snapshot, error) {
	return h.mutate(ctx, mutation{kind: mutDiscount})
}

func (h *Holder) logCtx(ctx context.Context) context.Context {
	return logctx.WithCartData(ctx, &logctx.CartData{Lines: len(h.lines), Reconciling: h.reconciling})
}

func (h *Holder) mutate(ctx context.Context, m mutation) (Snapshot, error) {
	op := mutationNames[m.kind]
	h.mu.Lock()
	changed, intents, err := h.applyLocked(m)
	if err != nil || !changed {
		snap := h.snapshotLocked()
		h.mu.Unlock()
		if err != nil {
			h.log.DebugContext(ctx, "cart.mutation.rejected", slog.String("op", op), slog.String("err", err.Error()))
		}
		return snap, err
	}

	switch {
	case h.reconciling:
		h.buffered = append(h.buffered, bufferedMutation{mutation: m, intents: intents})
	case h.owner != "":
		h.appendIntents(ctx, intents)
	}
	h.persistLocked(ctx)
	h.metrics.IncCounter(metrics.CartMutations, map[string]string{"op": op})
	h.log.DebugContext(h.logCtx(ctx), "cart.mutation", slog.String("op", op), slog.String("key", string(m.key)))

	snap := h.commitLocked()
	h.poke()
	return snap, nil
}

// applyLocked applies m to h.lines and returns the intents that push the
// change to a server cart.
func (h *Holder) applyLocked(m mutation) (bool, []Intent, error) {
	idx := slices.IndexFunc(h.lines, func(l Line) bool { return l.Key == m.key })

	switch m.kind {
	case mutAdd:
		if m.qty < 1 {
			return false, nil, ErrInvalidQuantity
		}
		if idx < 0 {
			if err := Validate(m.product, m.qty); err != nil {
				return false, nil, err
			}
			l := lineFor(m.product, m.qty)
			h.lines = append(slices.Clip(h.lines), l)
			return true, []Intent{setIntent(l)}, nil
		}
		l := h.lines[idx]
		if err := Validate(m.product, l.Quantity+m.qty); err != nil {
			return false, nil, err
		}
		l.Quantity += m.qty
		l.Stock, l.Status = m.product.Stock, m.product.Status
		h.lines = slices.Clone(h.lines)
		h.lines[idx] = l
		return true, []Intent{setIntent(l)}, nil

	case mutUpdate:
		if idx < 0 {
			return false, nil, ErrLineNotFound
		}
		if m.qty < 0 {
			return false, nil, ErrInvalidQuantity
		}
		if m.qty == 0 {
			return h.removeLocked(idx)
		}
		l := h.lines[idx]
		if l.Stock != nil && m.qty > *l.Stock {
			return false, nil, &StockError{Requested: m.qty, Available: *l.Stock}
		}
		if l.Quantity == m.qty {
			return false, nil, nil
		}
		l.Quantity = m.qty
		h.lines = slices.Clone(h.lines)
		h.lines[idx] = l
		return true, []Intent{setIntent(l)}, nil

	case mutRemove:
		if idx < 0 {
			return false, nil, nil
		}
		return h.removeLocked(idx)

	case mutClear:
		h.lines, h.discount = nil, nil
		return true, []Intent{{Op: OpClear}}, nil

	case mutDiscount:
		h.discount = m.discount
		return true, nil, nil
	}
	return false, nil, nil
}

func (h *Holder) removeLocked(idx int) (bool, []Intent, error) {
	l := h.lines[idx]
	h.lines = slices.Delete(slices.Clone(h.lines), idx, idx+1)
	return true, []Intent{{Op: OpRemove, Key: l.Key, ProductID: l.ProductID, VariantID: l.VariantID}}, nil
}

func (h *Holder) appendIntents(ctx context.Context, intents []Intent) {
	if _, err := h.synclog.Append(ctx, intents...); err != nil {
		h.metrics.IncCounter(metrics.CartPersistFailures, map[string]string{"key": LogKey})
		h.log.WarnContext(h.logCtx(ctx), "cart.log.append.fail", slog.String("err", err.Error()))
	}
}

// persistLocked writes the whole cart. Failures are logged; the local state
// stays authoritative.
func (h *Holder) persistLocked(ctx context.Context) {
	p := persisted{Lines: h.lines, Discount: h.discount, Owner: h.owner}
	if err := h.store.SetJSON(ctx, StorageKey, p); err != nil {
		h.metrics.IncCounter(metrics.CartPersistFailures, map[string]string{"key": StorageKey})
		h.log.WarnContext(h.logCtx(ctx), "cart.persist.fail", slog.String("err", err.Error()))
	}
}

func (h *Holder) snapshotLocked() Snapshot {
	var d *Discount
	if h.discount != nil {
		cp := *h.discount
		d = &cp
	}
	return Snapshot{
		Lines:       cloneLines(h.lines),
		Discount:    d,
		Totals:      ComputeTotals(h.lines, h.discount, h.pricing),
		Owner:       h.owner,
		Reconciling: h.reconciling,
	}
}

// commitLocked releases h.mu and notifies subscribers of the committed
// snapshot. notifyMu is taken first so notifications keep commit order.
func (h *Holder) commitLocked() Snapshot {
	snap := h.snapshotLocked()
	h.notifyMu.Lock()
	h.mu.Unlock()
	defer h.notifyMu.Unlock()

	h.subsMu.Lock()
	subs := make([]func(Snapshot), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// RecordServerID remembers the server item ID of the line for key.
func (h *Holder) RecordServerID(ctx context.Context, key LineKey, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := slices.IndexFunc(h.lines, func(l Line) bool { return l.Key == key })
	if idx < 0 || h.lines[idx].ServerID == id {
		return
	}
	h.lines = slices.Clone(h.lines)
	h.lines[idx].ServerID = id
	h.persistLocked(ctx)
}

// BeginReconcile captures the guest cart and starts buffering mutations.
// Local mutations keep applying while buffered.
func (h *Holder) BeginReconcile(ctx context.Context) (Snapshot, error) {
	h.mu.Lock()
	if h.reconciling {
		h.mu.Unlock()
		return Snapshot{}, ErrReconcileActive
	}
	h.reconciling, h.interrupted, h.buffered = true, false, nil
	guest := h.snapshotLocked()
	if err := h.store.SetJSON(ctx, GuestKey, persisted{Lines: guest.Lines, Discount: guest.Discount}); err != nil {
		h.log.WarnContext(h.logCtx(ctx), "cart.guest.persist.fail", slog.String("err", err.Error()))
	}
	h.commitLocked()
	return guest, nil
}

// CompleteReconcile makes merged the cart of owner's server cart, replays the
// mutations issued since BeginReconcile in order, and resumes syncing.
func (h *Holder) CompleteReconcile(ctx context.Context, owner string, merged []Line) (Snapshot, error) {
	h.mu.Lock()
	if !h.reconciling {
		snap := h.snapshotLocked()
		h.mu.Unlock()
		return snap, ErrNotReconciling
	}
	buffered := h.buffered
	h.lines, h.owner = cloneLines(merged), owner
	h.reconciling, h.buffered = false, nil

	if err := h.synclog.Reset(ctx); err != nil {
		h.log.WarnContext(h.logCtx(ctx), "cart.log.reset.fail", slog.String("err", err.Error()))
	}
	for _, b := range buffered {
		m := b.mutation
		changed, intents, err := h.applyLocked(m)
		if err != nil {
			h.log.InfoContext(h.logCtx(ctx), "cart.replay.skipped", slog.String("op", mutationNames[m.kind]), slog.String("key", string(m.key)), slog.String("err", err.Error()))
			continue
		}
		if changed {
			h.appendIntents(ctx, intents)
		}
	}
	h.persistLocked(ctx)
	h.dropGuestLocked(ctx)
	h.log.InfoContext(h.logCtx(ctx), "cart.reconcile.applied", slog.Int("replayed", len(buffered)))

	snap := h.commitLocked()
	h.poke()
	return snap, nil
}

// AbortReconcile stops buffering. The local cart, which already reflects
// every buffered mutation, stays active. When the cart already mirrors a
// server cart the buffered mutations are queued for it in issue order, so an
// aborted re-merge never leaves the server behind.
func (h *Holder) AbortReconcile(ctx context.Context) {
	h.mu.Lock()
	if !h.reconciling {
		h.mu.Unlock()
		return
	}
	buffered := h.buffered
	h.reconciling, h.buffered = false, nil
	queued := 0
	if h.owner != "" {
		for _, b := range buffered {
			if len(b.intents) > 0 {
				h.appendIntents(ctx, b.intents)
				queued++
			}
		}
	}
	h.dropGuestLocked(ctx)
	h.log.InfoContext(h.logCtx(ctx), "cart.reconcile.aborted", slog.Int("buffered", len(buffered)), slog.Int("queued", queued))
	h.commitLocked()
	h.poke()
}

func (h *Holder) dropGuestLocked(ctx context.Context) {
	h.interrupted = false
	if err := h.store.Remove(ctx, GuestKey); err != nil {
		h.log.WarnContext(h.logCtx(ctx), "cart.guest.remove.fail", slog.String("err", err.Error()))
	}
}

// Detach stops syncing with the server cart and drops unpushed intents. The
// lines are kept and become the guest cart.
func (h *Holder) Detach(ctx context.Context) {
	h.mu.Lock()
	if h.owner == "" && !h.interrupted {
		h.mu.Unlock()
		return
	}
	if h.interrupted {
		h.dropGuestLocked(ctx)
	}
	if h.owner != "" {
		h.owner = ""
		if err := h.synclog.Reset(ctx); err != nil {
			h.log.WarnContext(h.logCtx(ctx), "cart.log.reset.fail", slog.String("err", err.Error()))
		}
		h.persistLocked(ctx)
	}
	h.commitLocked()
}
