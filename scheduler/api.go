package scheduler

import (
	"context"
	"strings"
	"sync"

	"github.com/tinyforge/engine/kvcache"
	"github.com/tinyforge/engine/sample"
	"github.com/tinyforge/engine/xerr"
)

// Core is the public entry point spec.md section 6 names: it owns the
// scheduler's background task and exposes the five caller-facing
// operations over a single model and tokenizer.
type Core struct {
	sched     *Scheduler
	engine    *Engine
	cache     *kvcache.Store
	tokenizer Tokenizer
	model     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCore starts sched's background task bound to model/tokenizer/cache
// and returns a Core ready to serve requests. Callers must call Shutdown
// exactly once when finished.
func NewCore(sched *Scheduler, engine *Engine, cache *kvcache.Store, tokenizer Tokenizer, model string) *Core {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		sched:     sched,
		engine:    engine,
		cache:     cache,
		tokenizer: tokenizer,
		model:     model,
		cancel:    cancel,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sched.Run(ctx)
	}()
	return c
}

// GenerateAsync encodes prompt, runs it to completion, and decodes and
// returns the full generated text.
func (c *Core) GenerateAsync(ctx context.Context, sessionID, prompt string, opts sample.Options) (string, error) {
	req, err := c.submit(ctx, sessionID, prompt, opts)
	if err != nil {
		return "", err
	}

	ids := make([]int, 0, opts.MaxNewTokens)
	for tok := range req.Stream() {
		ids = append(ids, tok.TokenID)
	}
	if req.State() == StateFailed {
		return "", req.FailReason()
	}
	return c.tokenizer.Decode(ids)
}

// GenerateStreamingAsync encodes prompt, admits it to the scheduler, and
// returns a channel of generated tokens. The channel closes when the
// request reaches a terminal state.
func (c *Core) GenerateStreamingAsync(ctx context.Context, sessionID, prompt string, opts sample.Options) (<-chan GeneratedToken, error) {
	req, err := c.submit(ctx, sessionID, prompt, opts)
	if err != nil {
		return nil, err
	}
	return req.Stream(), nil
}

func (c *Core) submit(ctx context.Context, sessionID, prompt string, opts sample.Options) (*Request, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, xerr.New(xerr.KindValidation, "scheduler: empty prompt")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ids, err := c.tokenizer.Encode(prompt)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindValidation, "scheduler: tokenizer encode failed", err)
	}

	var seed uint64
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	req := NewRequest(ctx, c.model, sessionID, ids, opts, seed)
	if err := c.sched.Submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// AppendSession primes sessionID's KV cache with tokens without sampling
// or emitting output (spec.md section 6, explicit cache lifecycle). Used
// to seed a session with a system prompt shared by later generation
// requests against the same session_id.
func (c *Core) AppendSession(sessionID string, tokens []int, maxContextTokens int) error {
	return c.engine.AppendTokens(sessionID, tokens, maxContextTokens)
}

// ResetSession discards sessionID's cached state entirely. A subsequent
// request against the same session_id starts from an empty cache.
func (c *Core) ResetSession(sessionID string) {
	c.engine.RemoveSession(kvcache.SessionID(sessionID))
}

// Shutdown stops the scheduler's background task, finalizes every
// request still queued or in flight as Cancelled, and releases pooled
// cache buffers (spec.md section 6).
func (c *Core) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.sched.Wait()

	for _, req := range c.sched.q.DrainAll() {
		c.sched.finalize(req, xerr.New(xerr.KindCancelled, "scheduler: shutdown"))
	}
	c.engine.ClearSessions()
}
