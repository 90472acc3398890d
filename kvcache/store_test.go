package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testShape() Shape { return Shape{Layers: 2, KVHeads: 2, HeadDim: 4} }

func TestStoreGetOrCreateValidatesShape(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(4), 8, 1<<30)
	require.NoError(t, err)

	shape := testShape()
	_, err = store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)

	_, err = store.GetOrCreate("a", Shape{Layers: 1, KVHeads: 2, HeadDim: 4}, 64)
	require.Error(t, err)
}

func TestStoreEvictsLeastRecentBySessionCount(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(4), 2, 1<<30)
	require.NoError(t, err)
	shape := testShape()

	_, err = store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	_, err = store.GetOrCreate("b", shape, 64)
	require.NoError(t, err)
	require.Equal(t, 2, store.Stats().Sessions)

	_, err = store.GetOrCreate("c", shape, 64)
	require.NoError(t, err)

	stats := store.Stats()
	require.LessOrEqual(t, stats.Sessions, 2)
	require.Equal(t, int64(1), stats.Evictions)

	_, ok := store.TryGet("a")
	require.False(t, ok, "least-recently-used session a should have been evicted")
	_, ok = store.TryGet("c")
	require.True(t, ok)
}

func TestStoreEvictsUnderByteBudget(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<30, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	shape := testShape()
	sess := NewSession(shape, 64)
	maxBytes := sess.SizeBytes() + 1 // room for one session only

	store, err := NewStore(policy, NewPool(4), 64, maxBytes)
	require.NoError(t, err)

	_, err = store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	_, err = store.GetOrCreate("b", shape, 64)
	require.NoError(t, err)

	stats := store.Stats()
	require.LessOrEqual(t, stats.TotalBytes, maxBytes)
	require.GreaterOrEqual(t, stats.Evictions, int64(1))
}

func TestStoreTouchUpdatesRecency(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(4), 2, 1<<30)
	require.NoError(t, err)
	shape := testShape()

	_, err = store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	_, err = store.GetOrCreate("b", shape, 64)
	require.NoError(t, err)

	store.Touch("a")
	_, err = store.GetOrCreate("c", shape, 64)
	require.NoError(t, err)

	_, ok := store.TryGet("b")
	require.False(t, ok, "b should be least-recent after touching a")
	_, ok = store.TryGet("a")
	require.True(t, ok)
}

func TestStoreRemoveAndClear(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(4), 8, 1<<30)
	require.NoError(t, err)
	shape := testShape()

	_, err = store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	store.Remove("a")
	require.Equal(t, 0, store.Stats().Sessions)

	_, err = store.GetOrCreate("b", shape, 64)
	require.NoError(t, err)
	store.Clear()
	require.Equal(t, 0, store.Stats().Sessions)
}

func TestStoreReserveOrFail(t *testing.T) {
	policy, err := NewBudgetPolicy(256, 64, 1, 1, 1, 1)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(1), 8, 1<<30)
	require.NoError(t, err)

	require.NoError(t, store.ReserveOrFail("a", 0, 1))
	err = store.ReserveOrFail("a", 0, 1000)
	require.Error(t, err)
}

func TestStoreHibernationRehydrates(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)
	store, err := NewStore(policy, NewPool(4), 1, 1<<30, WithHibernation(4))
	require.NoError(t, err)
	shape := testShape()

	sess, err := store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	require.NoError(t, sess.WriteK(0, 0, 1, make([]float32, shape.perLayerElems())))
	require.NoError(t, sess.WriteV(0, 0, 1, make([]float32, shape.perLayerElems())))
	require.NoError(t, sess.CommitTokens(1))

	_, err = store.GetOrCreate("b", shape, 64) // evicts a into hibernation
	require.NoError(t, err)

	rehydrated, err := store.GetOrCreate("a", shape, 64)
	require.NoError(t, err)
	require.Equal(t, 1, rehydrated.CurrentTokenCount())
	require.Equal(t, int64(1), store.Stats().Rehydrations)
}
