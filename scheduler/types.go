// Package scheduler implements the batched inference scheduler and engine
// from spec.md section 4.5: a bounded intake queue, a small explicit
// Idle/Forming state machine (a formed batch is dispatched on the way back
// to Idle) that coalesces compatible requests
// under a latency and batch-size constraint, and an engine that runs the
// model forward pass, advances each session's KV cache, samples the next
// token, and streams it back per request until a stop condition.
package scheduler

import (
	"context"
	"time"

	"github.com/tinyforge/engine/sample"
)

// CompletionState is the lifecycle stage of an InferenceRequest.
type CompletionState int

const (
	StateRunning CompletionState = iota
	StateComplete
	StateFailed
)

func (s CompletionState) String() string {
	switch s {
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "running"
	}
}

// GeneratedToken is one item delivered on a Request's output stream.
type GeneratedToken struct {
	TokenID     int
	DecodedText string
	Index       int
	LogProb     *float32
}

// Tokenizer is the external collaborator from spec.md section 6: the core
// only ever calls these three methods, and assumes deterministic encoding
// but makes no assumption about BPE vs character-level.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
}

// Request is spec.md's InferenceRequest: the unit of work the scheduler
// admits, batches, and the engine drives to completion. Callers construct
// one via NewRequest and never mutate its fields directly; the scheduler
// and engine own its lifecycle from here.
type Request struct {
	SessionID      string
	PromptTokenIDs []int
	Options        sample.Options

	ctx    context.Context
	cancel context.CancelCauseFunc

	out chan GeneratedToken

	arrivalIndex uint64
	enqueuedAt   time.Time

	currentPosition int
	generatedCount  int
	lastToken       int
	state           CompletionState
	failReason      error

	rng *sample.RNG

	// model identifies which loaded model this request targets, used by
	// the compatibility predicate so unrelated models never share a batch.
	model string
}

// NewRequest builds a Request bound to ctx (cancelling ctx is this
// request's cancellation signal) for session/model/prompt/options. The
// request's Stream channel is the response_stream_writer spec.md names; it
// is closed exactly once, by the engine or by the scheduler's finalize,
// when the request reaches a terminal state.
func NewRequest(ctx context.Context, model, sessionID string, promptTokenIDs []int, opts sample.Options, seed uint64) *Request {
	rctx, cancel := context.WithCancelCause(ctx)
	return &Request{
		SessionID:      sessionID,
		PromptTokenIDs: promptTokenIDs,
		Options:        opts,
		ctx:            rctx,
		cancel:         cancel,
		out:            make(chan GeneratedToken, 8),
		model:          model,
		rng:            sample.NewRNG(seed),
	}
}

// Cancel signals cancellation; observed per spec.md section 5 at
// admission, before each generation step, and between batch dispatches.
func (r *Request) Cancel() { r.cancel(context.Canceled) }

// Cancelled reports whether the request's cancellation signal has fired.
func (r *Request) Cancelled() bool { return r.ctx.Err() != nil }

// Stream returns the channel of GeneratedToken the request's tokens (and
// eventual close) are delivered on.
func (r *Request) Stream() <-chan GeneratedToken { return r.out }

// State reports the request's current completion state.
func (r *Request) State() CompletionState { return r.state }

// FailReason returns the error that finalized a Failed request, nil
// otherwise.
func (r *Request) FailReason() error { return r.failReason }
