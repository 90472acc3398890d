package kvcache

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyforge/engine/xerr"
)

// Session owns two contiguous float32 buffers for keys and values, sized
// layers x max_tokens x kv_heads x head_dim, with layer as the outermost
// stride so that a single layer's range is itself contiguous (what
// transformer.CacheBinding.ReadK/ReadV hand back without copying). Keys are
// always written post-RoPE. Writes are transactional: WriteK/WriteV stage
// into reserved slots ahead of the committed count; CommitTokens atomically
// advances the count that CurrentTokenCount observes. ReadK/ReadV are
// bounded by the staged count instead (see ReadK).
type Session struct {
	Shape     Shape
	MaxTokens int

	k []float32
	v []float32

	committed atomic.Int64
	staged    int64 // highest position written but not yet committed, for validation only
}

// Shape is the (layers, kv_heads, head_dim) triple a Session is sized for.
type Shape struct {
	Layers  int
	KVHeads int
	HeadDim int
}

func (s Shape) perLayerElems() int { return s.KVHeads * s.HeadDim }

// NewSession allocates zeroed K/V buffers for maxTokens positions under
// shape. Typically called by Pool.Rent rather than directly.
func NewSession(shape Shape, maxTokens int) *Session {
	n := shape.Layers * maxTokens * shape.perLayerElems()
	return &Session{
		Shape:     shape,
		MaxTokens: maxTokens,
		k:         make([]float32, n),
		v:         make([]float32, n),
	}
}

// CurrentTokenCount returns the number of positions visible to reads.
func (s *Session) CurrentTokenCount() int { return int(s.committed.Load()) }

func (s *Session) layerOffset(layer int) int {
	return layer * s.MaxTokens * s.Shape.perLayerElems()
}

// WriteK stages post-RoPE key data for positions [from,to) of the given
// layer. data must be (to-from)*kv_heads*head_dim elements, row-major by
// position. Positions beyond MaxTokens are rejected as Internal: the
// budget policy must have refused the reservation before this point.
func (s *Session) WriteK(layer, from, to int, data []float32) error {
	return s.write(s.k, layer, from, to, data)
}

// WriteV stages value data the same way WriteK stages keys.
func (s *Session) WriteV(layer, from, to int, data []float32) error {
	return s.write(s.v, layer, from, to, data)
}

func (s *Session) write(buf []float32, layer, from, to int, data []float32) error {
	if to > s.MaxTokens {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: write to position %d exceeds max_tokens %d", to, s.MaxTokens))
	}
	perLayer := s.Shape.perLayerElems()
	want := (to - from) * perLayer
	if len(data) != want {
		return xerr.New(xerr.KindValidation, fmt.Sprintf("kvcache: write data length %d does not match expected %d", len(data), want))
	}
	base := s.layerOffset(layer) + from*perLayer
	copy(buf[base:base+want], data)
	if int64(to) > s.staged {
		s.staged = int64(to)
	}
	return nil
}

// CommitTokens atomically advances the visible token count to n. n must
// not exceed what has been staged via WriteK/WriteV, and must not exceed
// MaxTokens.
func (s *Session) CommitTokens(n int) error {
	if n > s.MaxTokens {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: commit %d exceeds max_tokens %d", n, s.MaxTokens))
	}
	if int64(n) > s.staged {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: commit %d exceeds staged positions %d", n, s.staged))
	}
	s.committed.Store(int64(n))
	return nil
}

// ReadK returns a contiguous view of layer's key positions [0,upto),
// row-major by position. upto must not exceed the highest position staged
// by WriteK/WriteV (not necessarily yet committed): per spec.md section
// 4.3, a block's own forward pass reads the K/V range [0, current+new)
// that it just staged, before CommitTokens makes those positions visible
// to the rest of the store. A caller outside the write transaction that
// wants only committed, readable-by-contract positions should bound upto
// by CurrentTokenCount() itself.
func (s *Session) ReadK(layer, upto int) ([]float32, error) {
	return s.read(s.k, layer, upto)
}

// ReadV is ReadK for values.
func (s *Session) ReadV(layer, upto int) ([]float32, error) {
	return s.read(s.v, layer, upto)
}

func (s *Session) read(buf []float32, layer, upto int) ([]float32, error) {
	if int64(upto) > s.staged {
		return nil, xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: read upto %d exceeds staged count %d", upto, s.staged))
	}
	perLayer := s.Shape.perLayerElems()
	base := s.layerOffset(layer)
	return buf[base : base+upto*perLayer], nil
}

// SlidingWindow keeps only the trailing n tokens by shifting K and V
// in-place for every layer and updating the committed count.
func (s *Session) SlidingWindow(n int) error {
	cur := int(s.committed.Load())
	if n >= cur {
		return nil
	}
	drop := cur - n
	perLayer := s.Shape.perLayerElems()
	for layer := 0; layer < s.Shape.Layers; layer++ {
		base := s.layerOffset(layer)
		copy(s.k[base:base+n*perLayer], s.k[base+drop*perLayer:base+cur*perLayer])
		copy(s.v[base:base+n*perLayer], s.v[base+drop*perLayer:base+cur*perLayer])
	}
	s.committed.Store(int64(n))
	s.staged = int64(n)
	return nil
}

// SnapshotPrefix copies each layer's key/value data for positions [0,n)
// into freshly allocated slices, for handing off to PrefixStore.Observe.
// A copy is required: the session's own buffers are reused by Pool.Rent
// once the session is returned, while a SharedPrefix must outlive it.
func (s *Session) SnapshotPrefix(n int) (k, v [][]float32) {
	k = make([][]float32, s.Shape.Layers)
	v = make([][]float32, s.Shape.Layers)
	perLayer := s.Shape.perLayerElems()
	for layer := 0; layer < s.Shape.Layers; layer++ {
		base := s.layerOffset(layer)
		k[layer] = append([]float32(nil), s.k[base:base+n*perLayer]...)
		v[layer] = append([]float32(nil), s.v[base:base+n*perLayer]...)
	}
	return k, v
}

// PrimeFromPrefix stages k/v (one slice per layer, as produced by
// SnapshotPrefix) as this session's leading positions, ahead of the
// CommitTokens call that makes them visible. Used to seed a fresh session
// from a PrefixStore hit instead of recomputing those positions' forward
// pass.
func (s *Session) PrimeFromPrefix(k, v [][]float32) error {
	for layer := 0; layer < s.Shape.Layers && layer < len(k); layer++ {
		n := len(k[layer]) / s.Shape.perLayerElems()
		if err := s.WriteK(layer, 0, n, k[layer]); err != nil {
			return err
		}
		if err := s.WriteV(layer, 0, n, v[layer]); err != nil {
			return err
		}
	}
	return nil
}

// SizeBytes returns the total footprint of the session's K and V buffers.
func (s *Session) SizeBytes() int64 {
	return int64(len(s.k)+len(s.v)) * 4
}

// Reset clears the session's token count (and staging mark) for reuse by
// the pool; buffer contents are left untouched since positions beyond the
// count are unreadable by contract.
func (s *Session) Reset() {
	s.committed.Store(0)
	s.staged = 0
}
