package cart

import (
	"context"
	"crypto/rand"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/storefront-go/storage"
	"github.com/oklog/ulid/v2"
)

// LogKey holds the pending intents.
const LogKey = "cart.log"

// Op is the kind of change an Intent pushes.
type Op string

const (
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Intent is one pending change to the server cart. Quantities are absolute,
// so pushing an intent twice has the same effect as pushing it once.
type Intent struct {
	ID        string    `json:"id"`
	Op        Op        `json:"op"`
	Key       LineKey   `json:"key,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	VariantID string    `json:"variant_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func setIntent(l Line) Intent {
	return Intent{Op: OpSet, Key: l.Key, ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity}
}

// Log is the persisted queue of intents. IDs are ULIDs, so ID order is issue
// order.
type Log struct {
	store *storage.Scope
	now   func() time.Time

	mu      sync.Mutex
	entropy io.Reader
	pending []Intent
}

// NewLog returns an empty Log on store. Call Load to pick up intents left by
// an earlier process.
func NewLog(store *storage.Scope) *Log {
	return &Log{store: store, now: time.Now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Load replaces the in-memory queue with the persisted one.
func (l *Log) Load(ctx context.Context) error {
	var pending []Intent
	if _, err := l.store.GetJSON(ctx, LogKey, &pending); err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = pending
	l.mu.Unlock()
	return nil
}

// Append stamps and queues intents. A set, remove or clear supersedes every
// earlier pending intent it makes redundant.
func (l *Log) Append(ctx context.Context, intents ...Intent) ([]Intent, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Intent, 0, len(intents))
	for _, in := range intents {
		now := l.now()
		id, err := ulid.New(ulid.Timestamp(now), l.entropy)
		if err != nil {
			return nil, err
		}
		in.ID, in.CreatedAt = id.String(), now.UTC()
		l.pending = slices.DeleteFunc(l.pending, func(p Intent) bool {
			return in.Op == OpClear || (p.Op != OpClear && p.Key == in.Key)
		})
		l.pending = append(l.pending, in)
		out = append(out, in)
	}
	return out, l.saveLocked(ctx)
}

// Pending returns the queued intents in issue order.
func (l *Log) Pending() []Intent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending)
}

// Ack drops the intents with the given IDs.
func (l *Log) Ack(ctx context.Context, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.pending)
	l.pending = slices.DeleteFunc(l.pending, func(p Intent) bool { return slices.Contains(ids, p.ID) })
	if len(l.pending) == n {
		return nil
	}
	return l.saveLocked(ctx)
}

// Reset drops everything.
func (l *Log) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
	return l.store.Remove(ctx, LogKey)
}

func (l *Log) saveLocked(ctx context.Context) error {
	if len(l.pending) == 0 {
		return l.store.Remove(ctx, LogKey)
	}
	return l.store.SetJSON(ctx, LogKey, l.pending)
}
