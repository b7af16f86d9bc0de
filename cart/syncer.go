package cart

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/ggoodman/storefront-go/internal/logctx"
	"github.com/ggoodman/storefront-go/metrics"
	"golang.org/x/time/rate"
)

// SyncOption configures a Syncer.
type SyncOption func(*Syncer)

// WithSyncLogger sets the logger.
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *Syncer) { s.log = l }
}

// WithSyncMetrics sets the metrics sink.
func WithSyncMetrics(m metrics.Sink) SyncOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithRateLimit bounds backend calls. The default is 10/s with a burst of 5.
func WithRateLimit(limit rate.Limit, burst int) SyncOption {
	return func(s *Syncer) { s.limiter = rate.NewLimiter(limit, burst) }
}

// Syncer pushes the Holder's command log to the server cart. A failed push
// stops the drain; it is retried on the next change.
type Syncer struct {
	h       *Holder
	backend cartapi.Backend
	limiter *rate.Limiter
	log     *slog.Logger
	metrics metrics.Sink

	mu    sync.Mutex
	owner string
	ids   map[LineKey]string
}

// NewSyncer returns a Syncer for h.
func NewSyncer(h *Holder, backend cartapi.Backend, opts ...SyncOption) *Syncer {
	s := &Syncer{
		h:       h,
		backend: backend,
		limiter: rate.NewLimiter(10, 5),
		log:     slog.New(slog.DiscardHandler),
		metrics: metrics.Nop{},
		ids:     make(map[LineKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains the log after every Holder change until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	_, _ = s.Flush(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.h.Changes():
			_, _ = s.Flush(ctx)
		}
	}
}

// Flush pushes pending intents in order and returns how many were
// acknowledged. It does nothing while the Holder is not syncing.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.h.Syncing() {
		return 0, nil
	}
	owner := s.h.Owner()
	if owner != s.owner {
		s.owner, s.ids = owner, make(map[LineKey]string)
	}
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: "sync"})

	refreshed := false
	n := 0
	for _, in := range s.h.Log().Pending() {
		if err := s.limiter.Wait(ctx); err != nil {
			return n, err
		}
		if !s.h.Syncing() || s.h.Owner() != owner {
			return n, nil
		}
		if err := s.push(ctx, in, &refreshed); err != nil {
			s.metrics.IncCounter(metrics.CartSyncFailures, map[string]string{"op": string(in.Op)})
			s.log.WarnContext(ctx, "cart.sync.fail", slog.String("intent", in.ID), slog.String("op", string(in.Op)), slog.String("err", err.Error()))
			return n, err
		}
		if err := s.h.Log().Ack(ctx, in.ID); err != nil {
			s.log.WarnContext(ctx, "cart.log.ack.fail", slog.String("err", err.Error()))
		}
		s.metrics.IncCounter(metrics.CartSyncPushed, map[string]string{"op": string(in.Op)})
		n++
	}
	if n > 0 {
		s.log.DebugContext(ctx, "cart.sync.drained", slog.Int("pushed", n))
	}
	return n, nil
}

func (s *Syncer) push(ctx context.Context, in Intent, refreshed *bool) error {
	switch in.Op {
	case OpSet:
		if id, err := s.lookup(ctx, in.Key, refreshed); err != nil {
			return err
		} else if id != "" {
			_, err := s.backend.UpdateItem(ctx, id, in.Quantity)
			if err == nil {
				s.h.RecordServerID(ctx, in.Key, id)
				return nil
			}
			if !errors.Is(err, cartapi.ErrItemNotFound) {
				return err
			}
			delete(s.ids, in.Key)
		}
		item, err := s.backend.AddItem(ctx, cartapi.AddItemInput{ProductID: in.ProductID, VariantID: in.VariantID, Quantity: in.Quantity})
		if err != nil {
			return err
		}
		s.ids[in.Key] = item.ID
		s.h.RecordServerID(ctx, in.Key, item.ID)
		return nil

	case OpRemove:
		id, err := s.lookup(ctx, in.Key, refreshed)
		if err != nil || id == "" {
			return err
		}
		delete(s.ids, in.Key)
		if err := s.backend.RemoveItem(ctx, id); err != nil && !errors.Is(err, cartapi.ErrItemNotFound) {
			return err
		}
		return nil

	case OpClear:
		if err := s.backend.ClearCart(ctx); err != nil {
			return err
		}
		s.ids = make(map[LineKey]string)
		return nil
	}
	s.log.WarnContext(ctx, "cart.sync.unknown_op", slog.String("op", string(in.Op)))
	return nil
}

// lookup finds the server item ID for key, fetching the server cart at most
// once per drain.
func (s *Syncer) lookup(ctx context.Context, key LineKey, refreshed *bool) (string, error) {
	if id, ok := s.ids[key]; ok {
		return id, nil
	}
	if l, ok := s.h.Line(key); ok && l.ServerID != "" {
		s.ids[key] = l.ServerID
		return l.ServerID, nil
	}
	if *refreshed {
		return "", nil
	}
	c, err := s.backend.GetCart(ctx)
	if err != nil {
		return "", err
	}
	*refreshed = true
	for _, it := range c.Items {
		s.ids[KeyOf(it.ProductID, it.VariantID)] = it.ID
	}
	return s.ids[key], nil
}
