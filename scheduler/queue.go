package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/tinyforge/engine/xerr"
)

// queue is the scheduler's bounded intake: a FIFO of admitted requests
// protected by a single mutex. It is intentionally a plain slice rather
// than a channel: the Forming state needs to peek and drain from the head
// without committing to removing elements it decides not to take yet
// (spec.md section 9, "the first request in the queue determines batch
// compatibility -- do not reorder past it").
type queue struct {
	maxTotal int64
	total    atomic.Int64

	mu    sync.Mutex
	items []*Request
	next  uint64 // arrival index counter
}

func newQueue(maxTotal int) *queue {
	return &queue{maxTotal: int64(maxTotal)}
}

// Enqueue admits req at the tail. Fails with ResourceLimit when the queue
// is already at max_total_queued_requests (spec.md section 4.5).
func (q *queue) Enqueue(req *Request) error {
	for {
		cur := q.total.Load()
		if cur >= q.maxTotal {
			return xerr.New(xerr.KindResourceLimit, "scheduler: queue full")
		}
		if q.total.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	q.mu.Lock()
	req.arrivalIndex = q.next
	q.next++
	q.items = append(q.items, req)
	q.mu.Unlock()
	return nil
}

// Len reports the current queue depth.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainCancelled removes and returns every cancelled request currently at
// the head of the queue, stopping at the first still-live request (the
// head determines compatibility; a cancelled non-head request is picked up
// the next time it reaches the head).
func (q *queue) DrainCancelled() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*Request
	i := 0
	for i < len(q.items) && q.items[i].Cancelled() {
		drained = append(drained, q.items[i])
		i++
	}
	if i > 0 {
		q.items = q.items[i:]
		q.total.Add(-int64(i))
	}
	return drained
}

// DrainAll removes and returns every request currently queued, regardless
// of cancellation state. Used by Shutdown to finalize whatever is left
// once the scheduler's background task has stopped.
func (q *queue) DrainAll() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.total.Store(0)
	return items
}

// Head returns the current head request without removing it, or nil if
// empty.
func (q *queue) Head() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// countCompatible reports how many leading requests, starting at the head,
// satisfy compatible(head, req), up to maxBatchSize, without removing
// anything from the queue.
func (q *queue) countCompatible(maxBatchSize int, compatible func(head, req *Request) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0
	}
	head := q.items[0]
	n := 0
	for n < len(q.items) && n < maxBatchSize && compatible(head, q.items[n]) {
		n++
	}
	return n
}

// TakeCompatible removes and returns every leading request, starting at
// the head, for which compatible(head, req) holds, up to maxBatchSize
// entries. It stops at the first incompatible request, which (along with
// everything after it) stays in the queue untouched -- never reordered
// past the request that defined compatibility.
func (q *queue) TakeCompatible(maxBatchSize int, compatible func(head, req *Request) bool) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	n := 0
	for n < len(q.items) && n < maxBatchSize && compatible(head, q.items[n]) {
		n++
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	q.total.Add(-int64(n))
	return batch
}
