// Package kvcache implements the per-session KV-cache subsystem: a budget
// policy that bounds per-session memory, transactional contiguous session
// buffers, an LRU-ordered store with byte- and count-based eviction,
// FP16/INT8 quantized cache variants, and content-addressed prefix sharing.
package kvcache

import (
	"fmt"

	"github.com/tinyforge/engine/xerr"
)

// BudgetPolicy is an immutable record bounding how much memory a single
// session's cache may occupy. Constructed once per ModelShape/dtype
// combination.
type BudgetPolicy struct {
	MaxBytesPerSession int64
	MaxSeqLen          int
	Layers             int
	KVHeads            int
	HeadDim            int
	BytesPerElement    int // 4 for float32, 2 for FP16, 1 for INT8
}

// NewBudgetPolicy validates that MaxSeqLen tokens fit within
// MaxBytesPerSession before returning the policy, per spec invariant (c) on
// KvCacheSession.
func NewBudgetPolicy(maxBytesPerSession int64, maxSeqLen, layers, kvHeads, headDim, bytesPerElement int) (*BudgetPolicy, error) {
	p := &BudgetPolicy{
		MaxBytesPerSession: maxBytesPerSession,
		MaxSeqLen:          maxSeqLen,
		Layers:             layers,
		KVHeads:            kvHeads,
		HeadDim:            headDim,
		BytesPerElement:    bytesPerElement,
	}
	if p.ComputeRequiredBytes(maxSeqLen) > maxBytesPerSession {
		return nil, xerr.New(xerr.KindValidation, fmt.Sprintf(
			"kvcache: max_seq_len %d requires %d bytes per session, exceeding max_bytes_per_session %d",
			maxSeqLen, p.ComputeRequiredBytes(maxSeqLen), maxBytesPerSession))
	}
	return p, nil
}

// ComputeRequiredBytes returns the byte footprint of storing nTokens
// positions across both K and V buffers for this policy's shape.
func (p *BudgetPolicy) ComputeRequiredBytes(nTokens int) int64 {
	perBufferElems := int64(p.Layers) * int64(nTokens) * int64(p.KVHeads) * int64(p.HeadDim)
	return 2 * perBufferElems * int64(p.BytesPerElement) // K and V
}

// TryReserve reports whether growing a session from current to
// current+additional tokens stays within MaxBytesPerSession.
func (p *BudgetPolicy) TryReserve(current, additional int) bool {
	return p.ComputeRequiredBytes(current+additional) <= p.MaxBytesPerSession
}
