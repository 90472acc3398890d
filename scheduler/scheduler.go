package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyforge/engine/config"
	"github.com/tinyforge/engine/metrics"
	"github.com/tinyforge/engine/sample"
	"github.com/tinyforge/engine/xerr"
)

// schedState is the scheduler's explicit state machine (spec.md section
// 4.5 and section 9): a single background task owns the queue lock only
// while inspecting or modifying it, and never reorders past the head
// request when deciding batch compatibility.
type schedState int

const (
	stateIdle schedState = iota
	stateForming
)

// Scheduler coalesces admitted requests into compatible batches under a
// max_batch_size/max_batch_wait constraint and hands each batch to an
// Engine. It runs as a single goroutine started by Run.
type Scheduler struct {
	q        *queue
	engine   *Engine
	maxBatch int
	maxWait  time.Duration
	sink     metrics.Sink
	wake     chan struct{}

	globalSeed    uint64
	deterministic bool

	inFlight sync.WaitGroup // dispatched batches the engine is still running
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithMetrics wires a telemetry sink. Defaults to metrics.Null.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithSeed enables deterministic scheduling mode (SPEC_FULL.md section 5):
// the Forming batch is strictly FIFO with ties resolved by arrival index
// (which TakeCompatible already guarantees via queue order), and every
// admitted request's sampling RNG is seeded from seed XOR
// sample.SessionSeed(session_id).
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.deterministic = true; s.globalSeed = seed }
}

// New builds a Scheduler bounded by maxTotalQueued admissions, coalescing
// up to maxBatchSize compatible requests per batch and releasing a partial
// batch once its head request has waited maxBatchWait.
func New(engine *Engine, maxTotalQueued, maxBatchSize int, maxBatchWait time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		q:        newQueue(maxTotalQueued),
		engine:   engine,
		maxBatch: maxBatchSize,
		maxWait:  maxBatchWait,
		sink:     metrics.Null{},
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewFromEnv builds a Scheduler the way the teacher wires
// envconfig.MaxQueue() directly into scheduler construction (sched_types.go):
// queue depth, batch size and batch wait come from the TINYFORGE_MAX_* knobs
// in config instead of being plumbed through by every caller.
func NewFromEnv(engine *Engine, opts ...Option) *Scheduler {
	waitMs := config.MaxBatchWaitMillis()
	return New(engine,
		int(config.MaxTotalQueuedRequests()),
		int(config.MaxBatchSize()),
		time.Duration(waitMs)*time.Millisecond,
		opts...)
}

// Submit admits req. Fails with ResourceLimit if the queue is full, or
// immediately finalizes req as Failed(Cancelled) if its context is already
// done -- spec.md section 5: cancellation is observed "on admission".
func (s *Scheduler) Submit(req *Request) error {
	if req.Cancelled() {
		s.finalize(req, xerr.New(xerr.KindCancelled, "scheduler: request already cancelled at admission"))
		return xerr.ErrCancelled
	}
	if s.deterministic {
		req.rng = sample.NewRNG(s.globalSeed ^ sample.SessionSeed(req.SessionID))
	}
	req.enqueuedAt = time.Now()
	if err := s.q.Enqueue(req); err != nil {
		return err
	}
	s.sink.QueueDepth(s.q.Len())
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the scheduler's single background task. It returns when ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	state := stateIdle
	timer := time.NewTimer(s.maxWait)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	for {
		switch state {
		case stateIdle:
			select {
			case <-ctx.Done():
				slog.Debug("scheduler: shutting down")
				return
			case <-s.wake:
				state = stateForming
			case <-timeAfterMaybe(timerActive, timer):
				timerActive = false
				state = stateForming
			}

		case stateForming:
			for _, cancelled := range s.q.DrainCancelled() {
				s.finalize(cancelled, xerr.New(xerr.KindCancelled, "scheduler: cancelled while queued"))
			}

			head := s.q.Head()
			if head == nil {
				state = stateIdle
				continue
			}

			waited := time.Since(head.enqueuedAt)
			full := s.q.countCompatible(s.maxBatch, compatible) >= s.maxBatch
			if !full && waited < s.maxWait {
				// Batch could still grow; wait for more arrivals or the
				// head's deadline rather than dispatching a small batch.
				timer.Reset(s.maxWait - waited)
				timerActive = true
				state = stateIdle
				continue
			}

			batch := s.q.TakeCompatible(s.maxBatch, compatible)
			s.sink.BatchDispatched(len(batch), waited)
			s.sink.QueueDepth(s.q.Len())
			s.dispatch(ctx, batch)
			// Dispatched(batch) -> Idle happens as soon as the batch is
			// handed off (spec.md section 4.5): the engine runs it on its
			// own goroutine, bounded by its semaphores, while the scheduler
			// goes straight back to forming the next one.
			state = stateIdle
		}
	}
}

func timeAfterMaybe(active bool, timer *time.Timer) <-chan time.Time {
	if !active {
		return nil
	}
	return timer.C
}

// compatible is the pairwise predicate spec.md section 4.5 names: requests
// share a batch only if they target the same model and the same context
// budget (MaxContextTokens).
func compatible(head, req *Request) bool {
	return head.model == req.model && head.Options.MaxContextTokens == req.Options.MaxContextTokens
}

// dispatch hands batch off to the engine on its own goroutine and returns
// immediately, so the scheduler's single task is never blocked for the
// duration of a batch's generation. Engine.RunBatch's own semaphores (not
// this function) are what bound how many batches actually run at once.
func (s *Scheduler) dispatch(ctx context.Context, batch []*Request) {
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		slog.Debug("scheduler: dispatching batch", "size", len(batch))
		s.engine.RunBatch(ctx, batch)
		for _, r := range batch {
			s.sink.RequestLatency(time.Since(r.enqueuedAt))
		}
	}()
}

// Wait blocks until every batch handed to the engine via dispatch has
// finished running. Used by Core.Shutdown to drain in-flight work before
// releasing pooled cache buffers.
func (s *Scheduler) Wait() {
	s.inFlight.Wait()
}

// finalize marks req Failed with err and closes its stream. Safe to call
// even if the engine never saw the request.
func (s *Scheduler) finalize(req *Request, err error) {
	req.state = StateFailed
	req.failReason = err
	close(req.out)
}

// NewSessionID mints an opaque session identifier (spec.md section 3:
// "SessionId... opaque equality-comparable value").
func NewSessionID() string { return uuid.NewString() }
