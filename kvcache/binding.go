package kvcache

import "github.com/tinyforge/engine/config"

// Binding is the ranged-read/staged-write contract a decoder block needs
// from a KV-cache entry: the kvcache-side mirror of
// transformer.CacheBinding, kept as a separate declaration so this package
// never imports transformer. *Session and *quantizedBinding both satisfy it
// structurally.
type Binding interface {
	WriteK(layer, from, to int, data []float32) error
	WriteV(layer, from, to int, data []float32) error
	ReadK(layer, upto int) ([]float32, error)
	ReadV(layer, upto int) ([]float32, error)
	CurrentTokenCount() int
}

// CacheSession is the engine-facing contract every KV-cache storage variant
// satisfies: a Binding for the decoder block, plus the session-lifecycle
// operations the engine itself drives directly (committing newly written
// positions, cropping to a sliding window). *Session and *quantizedBinding
// both satisfy it structurally, so scheduler.Engine can hold either behind
// one interface regardless of the configured storage precision.
type CacheSession interface {
	Binding
	CommitTokens(n int) error
	SlidingWindow(n int) error
}

// quantizedBinding adapts a *QuantizedSession to the (layer, upto) ranged
// read shape transformer.CacheBinding expects, the same contiguous-range
// access pattern *Session exposes directly. Dequantization always targets a
// fresh slice: unlike Session's ReadK, there is no backing float32 buffer to
// hand back a view into.
type quantizedBinding struct {
	s *QuantizedSession
}

// NewQuantizedBinding wraps session so it satisfies transformer.CacheBinding,
// for callers wiring a quantized KV cache into the decode path described in
// spec.md section 4.4's FP16/INT8 cache variant.
func NewQuantizedBinding(session *QuantizedSession) *quantizedBinding {
	return &quantizedBinding{s: session}
}

func (b *quantizedBinding) WriteK(layer, from, to int, data []float32) error {
	return b.s.WriteK(layer, from, to, data)
}

func (b *quantizedBinding) WriteV(layer, from, to int, data []float32) error {
	return b.s.WriteV(layer, from, to, data)
}

func (b *quantizedBinding) ReadK(layer, upto int) ([]float32, error) {
	dst := make([]float32, upto*b.s.Shape.perLayerElems())
	if err := b.s.DequantizeInto(dst, layer, 0, upto); err != nil {
		return nil, err
	}
	return dst, nil
}

func (b *quantizedBinding) ReadV(layer, upto int) ([]float32, error) {
	dst := make([]float32, upto*b.s.Shape.perLayerElems())
	if err := b.s.DequantizeVInto(dst, layer, 0, upto); err != nil {
		return nil, err
	}
	return dst, nil
}

func (b *quantizedBinding) CurrentTokenCount() int { return b.s.CurrentTokenCount() }

func (b *quantizedBinding) CommitTokens(n int) error { return b.s.CommitTokens(n) }

func (b *quantizedBinding) SlidingWindow(n int) error { return b.s.SlidingWindow(n) }

var (
	_ CacheSession = (*Session)(nil)
	_ CacheSession = (*quantizedBinding)(nil)
)

// QuantizedDTypeFromEnv reports the CacheDType the TINYFORGE_KV_CACHE_TYPE
// knob in config selects, and whether it differs from the default float32
// storage -- the one place that string is interpreted, so
// NewSessionBindingFromEnv and scheduler.Engine's per-session cache
// selection can never disagree about what the knob means.
func QuantizedDTypeFromEnv() (dtype CacheDType, enabled bool) {
	switch config.KVCacheQuant() {
	case "f16":
		return DTypeF16, true
	case "i8":
		return DTypeI8, true
	default:
		return 0, false
	}
}

// NewSessionBindingFromEnv allocates a fresh per-layer cache session sized
// for shape/maxTokens, choosing float32, FP16 or INT8 storage from the
// TINYFORGE_KV_CACHE_TYPE knob in config (spec.md section 4.4). Unknown
// values fall back to float32, matching config.String's default-on-unset
// shape.
func NewSessionBindingFromEnv(shape Shape, maxTokens int) CacheSession {
	if dtype, ok := QuantizedDTypeFromEnv(); ok {
		return NewQuantizedBinding(NewQuantizedSession(shape, maxTokens, dtype))
	}
	return NewSession(shape, maxTokens)
}
