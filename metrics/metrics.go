// Package metrics defines the thin telemetry interface the KV-cache store
// and the batch scheduler publish events through (spec.md section 6,
// "Runtime metrics (external)"). The core never chooses a concrete sink;
// callers wire one in, and Null is always a valid choice.
package metrics

import "time"

// Sink receives the engine's runtime events. Implementations must not
// block the caller for long: the scheduler and cache store invoke these
// synchronously from hot paths.
type Sink interface {
	// QueueDepth reports the current number of admitted-but-undispatched
	// requests.
	QueueDepth(n int)
	// BatchDispatched reports a batch handed to the engine: its size and
	// how long the head-of-queue request waited to form it.
	BatchDispatched(size int, wait time.Duration)
	// RequestLatency reports the wall-clock duration of one completed
	// request, from admission to stream close.
	RequestLatency(d time.Duration)
	// CacheEviction reports a KV-cache session evicted under pressure and
	// the bytes its buffers released.
	CacheEviction(sessionID string, freedBytes int64)
	// SessionBudgetExceeded reports a per-session reservation that was
	// refused by the budget policy.
	SessionBudgetExceeded(sessionID string, requested, max int64)
}

// Null discards every event. It is the default Sink when a caller does not
// wire one in.
type Null struct{}

func (Null) QueueDepth(int)                                 {}
func (Null) BatchDispatched(int, time.Duration)              {}
func (Null) RequestLatency(time.Duration)                    {}
func (Null) CacheEviction(string, int64)                     {}
func (Null) SessionBudgetExceeded(string, int64, int64)      {}

var _ Sink = Null{}
