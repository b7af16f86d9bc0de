package cart

import (
	"context"
	"testing"

	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScope(t *testing.T) *storage.Scope {
	t.Helper()
	mem, err := memory.New(128)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return storage.NewScope(mem, "shop")
}

func TestLogOrdersAndSupersedes(t *testing.T) {
	ctx := context.Background()
	l := NewLog(newScope(t))

	_, err := l.Append(ctx,
		Intent{Op: OpSet, Key: "a", ProductID: "a", Quantity: 1},
		Intent{Op: OpSet, Key: "b", ProductID: "b", Quantity: 1},
		Intent{Op: OpSet, Key: "a", ProductID: "a", Quantity: 3},
	)
	require.NoError(t, err)

	pending := l.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, LineKey("b"), pending[0].Key)
	assert.Equal(t, 3, pending[1].Quantity)
	assert.Less(t, pending[0].ID, pending[1].ID)

	_, err = l.Append(ctx, Intent{Op: OpClear}, Intent{Op: OpSet, Key: "c", ProductID: "c", Quantity: 2})
	require.NoError(t, err)
	pending = l.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, OpClear, pending[0].Op)
	assert.Equal(t, LineKey("c"), pending[1].Key)
}

func TestLogSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := newScope(t)
	l := NewLog(store)
	out, err := l.Append(ctx, Intent{Op: OpSet, Key: "a", Quantity: 1}, Intent{Op: OpRemove, Key: "b"})
	require.NoError(t, err)
	require.NoError(t, l.Ack(ctx, out[0].ID))

	again := NewLog(store)
	require.NoError(t, again.Load(ctx))
	pending := again.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, out[1].ID, pending[0].ID)

	require.NoError(t, again.Reset(ctx))
	require.NoError(t, l.Load(ctx))
	assert.Empty(t, l.Pending())
}
