package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyforge/engine/metrics"
)

func TestNewSessionBindingFromEnvSelectsByKVCacheType(t *testing.T) {
	shape := testShape()

	t.Setenv("TINYFORGE_KV_CACHE_TYPE", "")
	require.IsType(t, &Session{}, NewSessionBindingFromEnv(shape, 8))

	t.Setenv("TINYFORGE_KV_CACHE_TYPE", "f16")
	require.IsType(t, &quantizedBinding{}, NewSessionBindingFromEnv(shape, 8))

	t.Setenv("TINYFORGE_KV_CACHE_TYPE", "i8")
	require.IsType(t, &quantizedBinding{}, NewSessionBindingFromEnv(shape, 8))
}

func TestQuantizedBindingRoundTripsThroughStagedRead(t *testing.T) {
	shape := testShape()
	b := NewQuantizedBinding(NewQuantizedSession(shape, 8, DTypeF16))

	data := make([]float32, shape.perLayerElems())
	for i := range data {
		data[i] = float32(i) * 0.1
	}
	require.NoError(t, b.WriteK(0, 0, 1, data))

	// ReadK must see the staged write before CommitTokens runs, mirroring
	// Session's staged-vs-committed contract used by transformer.Block's
	// forward pass.
	out, err := b.ReadK(0, 1)
	require.NoError(t, err)
	for i := range data {
		require.InDelta(t, data[i], out[i], 1e-2)
	}
	require.Equal(t, 0, b.CurrentTokenCount())
}

func TestNewStoreFromEnvRespectsHibernationSlots(t *testing.T) {
	policy, err := NewBudgetPolicy(1<<20, 64, 2, 2, 4, 4)
	require.NoError(t, err)

	t.Setenv("TINYFORGE_KV_MAX_SESSIONS", "4")
	t.Setenv("TINYFORGE_KV_MAX_BYTES_TOTAL", "1073741824")
	t.Setenv("TINYFORGE_KV_HIBERNATION_SLOTS", "2")

	store, err := NewStoreFromEnv(policy, NewPool(4), metrics.Null{})
	require.NoError(t, err)
	require.NotNil(t, store.hibernate)
}
