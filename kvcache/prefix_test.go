package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashPrefixTruncatesAtSixtyFour(t *testing.T) {
	short := make([]int, 10)
	long := make([]int, 100)
	for i := range long {
		long[i] = i
		if i < len(short) {
			short[i] = i
		}
	}
	longTruncated := append([]int{}, long[:64]...)

	require.Equal(t, HashPrefix(long), HashPrefix(longTruncated))
	require.NotEqual(t, HashPrefix(short), HashPrefix(long))
}

func TestPrefixStoreAttachBlocksEviction(t *testing.T) {
	store := NewPrefixStore(1)
	keyA := HashPrefix([]int{1, 2, 3})
	keyB := HashPrefix([]int{4, 5, 6})

	pa := store.Observe(keyA, []int{1, 2, 3}, nil, nil)
	pa.Attach()
	require.Equal(t, int64(1), pa.RefCount())

	pb := store.Observe(keyB, []int{4, 5, 6}, nil, nil)
	require.NotNil(t, pb)

	// a is still referenced, so it must survive the single-slot eviction.
	again, ok := store.Lookup(keyA)
	require.True(t, ok)
	require.Same(t, pa, again)
	again.Detach()
	pa.Detach()
}

func TestPrefixStoreEvictsOnlyZeroRefCount(t *testing.T) {
	store := NewPrefixStore(1)
	keyA := HashPrefix([]int{1, 2, 3})
	keyB := HashPrefix([]int{4, 5, 6})

	store.Observe(keyA, []int{1, 2, 3}, nil, nil) // refcount 0, eligible for eviction
	store.Observe(keyB, []int{4, 5, 6}, nil, nil)

	require.Equal(t, 1, store.Len())
	_, ok := store.Lookup(keyA)
	require.False(t, ok, "zero-refcount entry should have been evicted to make room for b")
}

func TestSharedPrefixAttachDetach(t *testing.T) {
	p := &SharedPrefix{}
	require.EqualValues(t, 1, p.Attach())
	require.EqualValues(t, 2, p.Attach())
	require.EqualValues(t, 1, p.Detach())
	require.EqualValues(t, 0, p.Detach())
	require.EqualValues(t, 0, p.Detach(), "detach below zero clamps at zero")
}
