package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tinyforge/engine/kvcache"
	"github.com/tinyforge/engine/sample"
	"github.com/tinyforge/engine/transformer"
	"github.com/tinyforge/engine/xerr"
)

// BatchMode selects which of spec.md section 4.5's two batching regimes the
// engine runs.
type BatchMode int

const (
	// BatchModePrefillOnly runs each request in a dispatched batch through
	// its own prompt forward pass, one after another, and then decodes it
	// per-request; prompts are not padded into one combined forward pass.
	// This is the regime SPEC_FULL.md section 6 pins as authoritative.
	BatchModePrefillOnly BatchMode = iota
	// BatchModeFullDecode would batch both prefill and per-step decode.
	// NewEngine rejects it: the seam is named, not half-implemented.
	BatchModeFullDecode
)

// Engine runs a dispatched batch of requests to completion: a cache-bound
// forward pass per request's new tokens, a sampling draw, a stream emit,
// repeated until a stop condition (spec.md section 4.5).
type Engine struct {
	model     *transformer.Model
	cache     *kvcache.Store
	blockSize int
	batchMode BatchMode

	sem          *semaphore.Weighted // bounds non-batched concurrency
	fullBatchSem *semaphore.Weighted // admits 1 permit when batching is active

	prefixes *kvcache.PrefixStore // nil disables prefix sharing

	quantMu       sync.Mutex
	quantSessions map[kvcache.SessionID]kvcache.CacheSession // used only when TINYFORGE_KV_CACHE_TYPE selects f16/i8
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithPrefixStore enables content-addressed prefix sharing (spec.md section
// 4.4): prefill first checks store for a cached
// prefix of the prompt and primes the session from it instead of
// recomputing those positions, then contributes its own prefix back for
// later requests to reuse.
func WithPrefixStore(store *kvcache.PrefixStore) EngineOption {
	return func(e *Engine) { e.prefixes = store }
}

// NewEngine builds an Engine over model, backed by cache for session state.
// blockSize is the context-cropping window spec.md section 4.5 names
// ("crop context to the last block_size tokens"). processorCount bounds
// non-batched parallel single-request generation (spec.md section 5).
func NewEngine(model *transformer.Model, cache *kvcache.Store, blockSize, processorCount int, mode BatchMode, opts ...EngineOption) (*Engine, error) {
	if mode == BatchModeFullDecode {
		return nil, xerr.New(xerr.KindValidation, "scheduler: full batched decode is not implemented; use BatchModePrefillOnly")
	}
	if processorCount < 1 {
		processorCount = 1
	}
	e := &Engine{
		model:        model,
		cache:        cache,
		blockSize:    blockSize,
		batchMode:    mode,
		sem:          semaphore.NewWeighted(int64(processorCount)),
		fullBatchSem: semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// RunBatch drives every request in batch to completion (or cancellation),
// holding the single full-batch permit for the duration: spec.md section 5
// states that when batching is enabled, all concurrency is expressed
// through the batch itself rather than per-request goroutines competing
// for a wider semaphore.
func (e *Engine) RunBatch(ctx context.Context, batch []*Request) {
	if err := e.fullBatchSem.Acquire(ctx, 1); err != nil {
		for _, r := range batch {
			e.fail(r, xerr.Wrap(xerr.KindCancelled, "scheduler: batch dispatch cancelled", err))
		}
		return
	}
	defer e.fullBatchSem.Release(1)

	for _, r := range batch {
		if r.Cancelled() {
			e.fail(r, xerr.New(xerr.KindCancelled, "scheduler: cancelled before batch ran"))
			continue
		}
		if err := e.prefill(r); err != nil {
			e.fail(r, err)
			continue
		}
		e.decodeLoop(ctx, r)
	}
}

// prefill runs the cache-bound forward pass over r's entire prompt,
// writing K/V for every prompt position. Distinct requests in the same
// dispatched batch each get their own cache-bound forward call rather than
// one padded matmul over stacked prompts -- the simplification
// BatchModePrefillOnly documents as its starting point (SPEC_FULL.md
// section 6).
func (e *Engine) prefill(r *Request) error {
	if len(r.PromptTokenIDs) == 0 {
		return xerr.New(xerr.KindValidation, "scheduler: empty prompt")
	}
	shape := kvcache.Shape{Layers: e.model.Cfg.Layers, KVHeads: e.model.Cfg.KVHeads, HeadDim: e.model.Cfg.HeadDim}
	id := kvcache.SessionID(r.SessionID)
	sess, floatSess, err := e.sessionFor(id, shape, r.Options.MaxContextTokens)
	if err != nil {
		return err
	}

	// Prefix sharing only applies to the float32 cache: SharedPrefix
	// records hold float32 K/V, and re-quantizing a shared prefix into an
	// FP16/INT8 session on every hit would cost more than the prefill it
	// saves.
	var start int
	var shared *kvcache.SharedPrefix
	if floatSess != nil {
		start, shared, err = e.primeFromSharedPrefix(floatSess, r.PromptTokenIDs)
		if err != nil {
			return err
		}
	}
	if err := e.cache.ReserveOrFail(id, start, len(r.PromptTokenIDs)-start); err != nil {
		if shared != nil {
			shared.Detach()
		}
		return err
	}

	caches := bindingsFor(sess, len(e.model.Blocks))
	logits, err := e.model.ForwardInfer(r.PromptTokenIDs[start:], caches, start)
	if shared != nil {
		shared.Detach()
	}
	if err != nil {
		return err
	}
	if err := sess.CommitTokens(len(r.PromptTokenIDs)); err != nil {
		return err
	}
	if shared == nil && floatSess != nil {
		e.observeSharedPrefix(floatSess, r.PromptTokenIDs)
	}
	if e.blockSize > 0 {
		if err := sess.SlidingWindow(e.blockSize); err != nil {
			return err
		}
	}

	r.currentPosition = len(r.PromptTokenIDs)
	vocab := e.model.Cfg.VocabSize
	computed := len(r.PromptTokenIDs) - start
	lastLogits := logits[(computed-1)*vocab : computed*vocab]
	return e.sampleAndEmit(r, lastLogits)
}

// sessionFor resolves sessionID to the storage variant TINYFORGE_KV_CACHE_TYPE
// currently selects: the default float32 path goes through the shared
// kvcache.Store (LRU eviction, hibernation, budget accounting), while f16/i8
// sessions live in a small per-Engine map, lazily created via
// kvcache.NewSessionBindingFromEnv. The second return value is non-nil only
// on the float32 path, for callers (prefix sharing) that need the concrete
// *kvcache.Session rather than the common kvcache.CacheSession interface.
// A maxTokens of 0 (no per-request context budget) sizes the session at the
// model's MaxPosition.
func (e *Engine) sessionFor(id kvcache.SessionID, shape kvcache.Shape, maxTokens int) (kvcache.CacheSession, *kvcache.Session, error) {
	if maxTokens <= 0 {
		maxTokens = e.model.Cfg.MaxPosition
	}
	if _, quantized := kvcache.QuantizedDTypeFromEnv(); quantized {
		e.quantMu.Lock()
		defer e.quantMu.Unlock()
		if e.quantSessions == nil {
			e.quantSessions = make(map[kvcache.SessionID]kvcache.CacheSession)
		}
		if s, ok := e.quantSessions[id]; ok {
			return s, nil, nil
		}
		s := kvcache.NewSessionBindingFromEnv(shape, maxTokens)
		e.quantSessions[id] = s
		return s, nil, nil
	}
	sess, err := e.cache.GetOrCreate(id, shape, maxTokens)
	if err != nil {
		return nil, nil, err
	}
	return sess, sess, nil
}

// RemoveSession discards sessionID's cached state, whichever storage
// precision is currently configured.
func (e *Engine) RemoveSession(id kvcache.SessionID) {
	e.cache.Remove(id)
	e.quantMu.Lock()
	delete(e.quantSessions, id)
	e.quantMu.Unlock()
}

// ClearSessions discards every session's cached state, whichever storage
// precision is currently configured. Used by Core.Shutdown.
func (e *Engine) ClearSessions() {
	e.cache.Clear()
	e.quantMu.Lock()
	e.quantSessions = nil
	e.quantMu.Unlock()
}

// primeFromSharedPrefix looks promptTokenIDs' leading tokens up in the
// engine's prefix store (if enabled) and, on a hit, stages the cached K/V
// into sess so the forward pass below only covers the uncached suffix. It
// returns the position the forward pass should start at and, on a hit, the
// SharedPrefix the caller must Detach once the forward pass that reads it
// has completed.
func (e *Engine) primeFromSharedPrefix(sess *kvcache.Session, promptTokenIDs []int) (start int, shared *kvcache.SharedPrefix, err error) {
	if e.prefixes == nil {
		return 0, nil, nil
	}
	sharedLen := kvcache.PrefixLen(promptTokenIDs)
	if sharedLen == 0 || sharedLen >= len(promptTokenIDs) {
		// Nothing left to generate past a full-prompt match; let the
		// ordinary forward pass run (spec.md requires at least one
		// position's logits to sample from).
		return 0, nil, nil
	}
	key := kvcache.HashPrefix(promptTokenIDs)
	p, ok := e.prefixes.Lookup(key)
	if !ok {
		return 0, nil, nil
	}
	if err := sess.PrimeFromPrefix(p.K, p.V); err != nil {
		p.Detach()
		return 0, nil, err
	}
	if err := sess.CommitTokens(sharedLen); err != nil {
		p.Detach()
		return 0, nil, err
	}
	return sharedLen, p, nil
}

// observeSharedPrefix contributes sess's own leading tokens to the prefix
// store once a prefill that found no cached prefix has finished computing
// them, so a later request with the same leading tokens can reuse them.
func (e *Engine) observeSharedPrefix(sess *kvcache.Session, promptTokenIDs []int) {
	if e.prefixes == nil {
		return
	}
	sharedLen := kvcache.PrefixLen(promptTokenIDs)
	if sharedLen == 0 {
		return
	}
	key := kvcache.HashPrefix(promptTokenIDs)
	k, v := sess.SnapshotPrefix(sharedLen)
	e.prefixes.Observe(key, promptTokenIDs[:sharedLen], k, v)
}

// AppendTokens runs a cache-bound forward pass over tokens for sessionID
// and commits them, without sampling or emitting anything. This backs
// AppendSession (spec.md section 6): priming a session's cache ahead of
// generation, e.g. with a system prompt shared across requests.
func (e *Engine) AppendTokens(sessionID string, tokens []int, maxContextTokens int) error {
	if len(tokens) == 0 {
		return xerr.New(xerr.KindValidation, "scheduler: AppendSession requires at least one token")
	}
	shape := kvcache.Shape{Layers: e.model.Cfg.Layers, KVHeads: e.model.Cfg.KVHeads, HeadDim: e.model.Cfg.HeadDim}
	id := kvcache.SessionID(sessionID)
	sess, _, err := e.sessionFor(id, shape, maxContextTokens)
	if err != nil {
		return err
	}
	start := sess.CurrentTokenCount()
	if err := e.cache.ReserveOrFail(id, start, len(tokens)); err != nil {
		return err
	}

	caches := bindingsFor(sess, len(e.model.Blocks))
	if _, err := e.model.ForwardInfer(tokens, caches, start); err != nil {
		return err
	}
	if err := sess.CommitTokens(start + len(tokens)); err != nil {
		return err
	}
	if e.blockSize > 0 {
		return sess.SlidingWindow(e.blockSize)
	}
	return nil
}

// decodeLoop runs one generation step at a time for r, bounded by the
// non-batched semaphore (spec.md section 5), until a stop condition.
func (e *Engine) decodeLoop(ctx context.Context, r *Request) {
	for {
		if r.Cancelled() {
			e.finalizeCancelled(r)
			return
		}
		if r.generatedCount >= r.Options.MaxNewTokens {
			e.finalizeComplete(r)
			return
		}
		if r.Options.MaxContextTokens > 0 && r.currentPosition >= r.Options.MaxContextTokens {
			e.finalizeComplete(r)
			return
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.fail(r, xerr.Wrap(xerr.KindCancelled, "scheduler: decode step cancelled", err))
			return
		}
		err := e.step(r)
		e.sem.Release(1)
		if err != nil {
			e.fail(r, err)
			return
		}
		if r.state != StateRunning {
			return
		}
	}
}

// step runs exactly one decode forward pass for the most recently produced
// token, samples the next one, and emits it.
func (e *Engine) step(r *Request) error {
	shape := kvcache.Shape{Layers: e.model.Cfg.Layers, KVHeads: e.model.Cfg.KVHeads, HeadDim: e.model.Cfg.HeadDim}
	id := kvcache.SessionID(r.SessionID)
	sess, _, err := e.sessionFor(id, shape, r.Options.MaxContextTokens)
	if err != nil {
		return err
	}

	if err := e.cache.ReserveOrFail(id, sess.CurrentTokenCount(), 1); err != nil {
		return err
	}

	newTok := r.lastToken
	caches := bindingsFor(sess, len(e.model.Blocks))
	logits, err := e.model.ForwardInfer([]int{newTok}, caches, sess.CurrentTokenCount())
	if err != nil {
		return err
	}
	if err := sess.CommitTokens(sess.CurrentTokenCount() + 1); err != nil {
		return err
	}
	if e.blockSize > 0 {
		if err := sess.SlidingWindow(e.blockSize); err != nil {
			return err
		}
	}
	r.currentPosition++
	return e.sampleAndEmit(r, logits)
}

// sampleAndEmit applies the generation step's sampling pipeline to one
// position's logits, appends the token to r, and pushes it to the stream.
func (e *Engine) sampleAndEmit(r *Request, logits []float32) error {
	tok, err := sample.Draw(logits, r.Options, r.rng)
	if err != nil {
		return err
	}
	r.lastToken = tok
	r.generatedCount++

	for _, stop := range r.Options.StopTokens {
		if stop == tok {
			r.out <- GeneratedToken{TokenID: tok, Index: r.generatedCount - 1}
			e.finalizeComplete(r)
			return errStopIteration
		}
	}

	select {
	case r.out <- GeneratedToken{TokenID: tok, Index: r.generatedCount - 1}:
	default:
		slog.Warn("scheduler: request stream backpressure, blocking emit", "session", r.SessionID)
		r.out <- GeneratedToken{TokenID: tok, Index: r.generatedCount - 1}
	}
	return nil
}

// errStopIteration is a sentinel the decode loop recognizes as "already
// finalized, stop without treating this as a failure".
var errStopIteration = xerr.New(xerr.KindInternal, "scheduler: internal stop sentinel")

func (e *Engine) fail(r *Request, err error) {
	if err == errStopIteration {
		return
	}
	r.state = StateFailed
	r.failReason = err
	close(r.out)
}

func (e *Engine) finalizeComplete(r *Request) {
	if r.state != StateRunning {
		return
	}
	r.state = StateComplete
	close(r.out)
}

func (e *Engine) finalizeCancelled(r *Request) {
	if r.state != StateRunning {
		return
	}
	r.state = StateFailed
	r.failReason = xerr.ErrCancelled
	close(r.out)
}

func bindingsFor(sess kvcache.CacheSession, layers int) []transformer.CacheBinding {
	caches := make([]transformer.CacheBinding, layers)
	for i := range caches {
		caches[i] = sess
	}
	return caches
}
