package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyforge/engine/sample"
)

func newTestRequest(model, session string) *Request {
	return NewRequest(context.Background(), model, session, []int{1, 2}, sample.Options{
		Temperature:  1,
		MaxNewTokens: 1,
	}, 0)
}

func TestQueueEnqueueRejectsWhenFull(t *testing.T) {
	q := newQueue(1)
	require.NoError(t, q.Enqueue(newTestRequest("m", "a")))
	require.Error(t, q.Enqueue(newTestRequest("m", "b")))
}

func TestQueueEnqueueAssignsArrivalOrder(t *testing.T) {
	q := newQueue(4)
	a := newTestRequest("m", "a")
	b := newTestRequest("m", "b")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))
	require.Less(t, a.arrivalIndex, b.arrivalIndex)
}

func TestQueueDrainCancelledStopsAtFirstLive(t *testing.T) {
	q := newQueue(4)
	a := newTestRequest("m", "a")
	b := newTestRequest("m", "b")
	c := newTestRequest("m", "c")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))
	require.NoError(t, q.Enqueue(c))

	a.Cancel()
	c.Cancel() // not at head yet, so must not be drained this round

	drained := q.DrainCancelled()
	require.Len(t, drained, 1)
	require.Equal(t, a, drained[0])
	require.Equal(t, b, q.Head())
}

func TestQueueCountCompatibleDoesNotMutate(t *testing.T) {
	q := newQueue(4)
	a := newTestRequest("m1", "a")
	b := newTestRequest("m1", "b")
	c := newTestRequest("m2", "c")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))
	require.NoError(t, q.Enqueue(c))

	n := q.countCompatible(8, compatible)
	require.Equal(t, 2, n)
	require.Equal(t, 3, q.Len(), "countCompatible must not remove anything")
}

func TestQueueTakeCompatibleStopsAtIncompatible(t *testing.T) {
	q := newQueue(4)
	a := newTestRequest("m1", "a")
	b := newTestRequest("m1", "b")
	c := newTestRequest("m2", "c")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))
	require.NoError(t, q.Enqueue(c))

	batch := q.TakeCompatible(8, compatible)
	require.Equal(t, []*Request{a, b}, batch)
	require.Equal(t, c, q.Head())
}

func TestQueueTakeCompatibleRespectsMaxBatchSize(t *testing.T) {
	q := newQueue(4)
	a := newTestRequest("m1", "a")
	b := newTestRequest("m1", "b")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	batch := q.TakeCompatible(1, compatible)
	require.Equal(t, []*Request{a}, batch)
	require.Equal(t, 1, q.Len())
}

func TestQueueDrainAllIgnoresCancellationState(t *testing.T) {
	q := newQueue(4)
	require.NoError(t, q.Enqueue(newTestRequest("m", "a")))
	require.NoError(t, q.Enqueue(newTestRequest("m", "b")))

	drained := q.DrainAll()
	require.Len(t, drained, 2)
	require.Equal(t, 0, q.Len())
}
