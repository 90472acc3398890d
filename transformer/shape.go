// Package transformer composes the numeric kernels and autograd tensor ops
// into the decoder-only transformer block: RoPE, causal (grouped-query)
// self-attention, and the pre-norm attention/MLP residual stack, in both
// cache-bound (inference) and cache-free (training) forms.
package transformer

import "github.com/tinyforge/engine/xerr"

// ModelShape is the immutable triple identifying a cache layout class:
// how many decoder layers, how many KV heads per layer, and the per-head
// dimension.
type ModelShape struct {
	Layers  int
	KVHeads int
	HeadDim int
}

// Config describes the full set of dimensions needed to build a decoder
// stack: ModelShape plus the query head count (>= KVHeads for grouped-query
// attention), hidden size, MLP expansion, and vocabulary size.
type Config struct {
	ModelShape
	Heads       int
	HiddenSize  int
	MLPHidden   int
	VocabSize   int
	MaxPosition int
	RopeTheta   float32
}

// Validate checks the dimensional invariants a decoder stack depends on:
// heads must be a positive multiple of KVHeads (grouped-query broadcast by
// integer division), and hidden size must equal heads*head_dim.
func (c Config) Validate() error {
	if c.Heads <= 0 || c.KVHeads <= 0 {
		return xerr.New(xerr.KindValidation, "transformer: heads and kv_heads must be positive")
	}
	if c.Heads%c.KVHeads != 0 {
		return xerr.New(xerr.KindValidation, "transformer: heads must be a multiple of kv_heads for grouped-query attention")
	}
	if c.HiddenSize != c.Heads*c.HeadDim {
		return xerr.New(xerr.KindValidation, "transformer: hidden_size must equal heads*head_dim")
	}
	return nil
}

// GroupSize is how many query heads share one KV head.
func (c Config) GroupSize() int { return c.Heads / c.KVHeads }
