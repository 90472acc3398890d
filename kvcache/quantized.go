package kvcache

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/tinyforge/engine/xerr"
)

// CacheDType selects the storage precision a QuantizedSession keeps K/V in.
type CacheDType int

const (
	// DTypeF16 halves memory versus float32 using a lossless-to-precision
	// per-element fp16 cast.
	DTypeF16 CacheDType = iota
	// DTypeI8 quarters K/V memory using per-position affine (min/max)
	// 8-bit linear quantization.
	DTypeI8
)

// QuantizedSession is the alternative KV-cache entry from spec.md section
// 4.4: K and V are stored in FP16 or INT8 instead of float32. INT8 carries
// one (scale, offset) affine reconstruction pair per *position*, computed by
// min/max linear quantization of that write's own data to the full 0..255
// range: decode appends one position per step, and a pair shared across the
// whole layer would have its earlier positions' reconstruction silently
// corrupted the moment a later write's range has a different min/max. The
// attention path dequantizes into a scratch buffer immediately before the
// dot product against the current Q (SPEC_FULL.md section 6, Open Question
// resolution).
type QuantizedSession struct {
	Shape     Shape
	MaxTokens int
	DType     CacheDType

	kBytes []byte
	vBytes []byte

	// kScale/kOffset and vScale/vOffset hold one affine pair per (layer,
	// position) -- indexed by layer*MaxTokens+position -- used only when
	// DType == DTypeI8. All positions written by the same WriteK/WriteV
	// call share the pair derived from that call's data.
	kScale, kOffset []float32
	vScale, vOffset []float32

	committed int
	staged    int
}

func bytesPerElem(d CacheDType) int {
	switch d {
	case DTypeF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 4
	}
}

// NewQuantizedSession allocates a zeroed quantized session for shape.
func NewQuantizedSession(shape Shape, maxTokens int, dtype CacheDType) *QuantizedSession {
	n := shape.Layers * maxTokens * shape.perLayerElems() * bytesPerElem(dtype)
	s := &QuantizedSession{
		Shape:     shape,
		MaxTokens: maxTokens,
		DType:     dtype,
		kBytes:    make([]byte, n),
		vBytes:    make([]byte, n),
	}
	if dtype == DTypeI8 {
		s.kScale = make([]float32, shape.Layers*maxTokens)
		s.kOffset = make([]float32, shape.Layers*maxTokens)
		s.vScale = make([]float32, shape.Layers*maxTokens)
		s.vOffset = make([]float32, shape.Layers*maxTokens)
	}
	return s
}

// SizeBytes returns the total footprint of the session's quantized K and V
// buffers (not counting the per-position scale/offset arrays, small relative
// to the quantized bytes themselves).
func (s *QuantizedSession) SizeBytes() int64 { return int64(len(s.kBytes) + len(s.vBytes)) }

func (s *QuantizedSession) layerByteOffset(layer int) int {
	perLayerElems := s.MaxTokens * s.Shape.perLayerElems()
	return layer * perLayerElems * bytesPerElem(s.DType)
}

// WriteK quantizes and stages post-RoPE key data for positions [from,to) of
// layer. For DTypeI8 the affine parameters are computed from this write's
// own min/max and recorded per position in [from,to), so a later write to
// different positions of the same layer cannot disturb how these positions
// are reconstructed.
func (s *QuantizedSession) WriteK(layer, from, to int, data []float32) error {
	return s.write(s.kBytes, s.kScale, s.kOffset, layer, from, to, data)
}

// WriteV is WriteK for values.
func (s *QuantizedSession) WriteV(layer, from, to int, data []float32) error {
	return s.write(s.vBytes, s.vScale, s.vOffset, layer, from, to, data)
}

func (s *QuantizedSession) write(buf []byte, scale, offset []float32, layer, from, to int, data []float32) error {
	if to > s.MaxTokens {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: quantized write to position %d exceeds max_tokens %d", to, s.MaxTokens))
	}
	perLayer := s.Shape.perLayerElems()
	want := (to - from) * perLayer
	if len(data) != want {
		return xerr.New(xerr.KindValidation, fmt.Sprintf("kvcache: quantized write data length %d does not match expected %d", len(data), want))
	}

	base := s.layerByteOffset(layer) + from*perLayer*bytesPerElem(s.DType)
	switch s.DType {
	case DTypeF16:
		for i, f := range data {
			h := float16.Fromfloat32(f)
			buf[base+2*i] = byte(h)
			buf[base+2*i+1] = byte(h >> 8)
		}
	case DTypeI8:
		mn, mx := minMax(data)
		sc, off := affineParams(mn, mx)
		for pos := from; pos < to; pos++ {
			idx := layer*s.MaxTokens + pos
			scale[idx], offset[idx] = sc, off
		}
		for i, f := range data {
			buf[base+i] = quantizeAffine(f, sc, off)
		}
	}
	if to > s.staged {
		s.staged = to
	}
	return nil
}

// CommitTokens advances the visible token count, mirroring Session's
// transactional write contract.
func (s *QuantizedSession) CommitTokens(n int) error {
	if n > s.MaxTokens {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: quantized commit %d exceeds max_tokens %d", n, s.MaxTokens))
	}
	if n > s.staged {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: quantized commit %d exceeds staged positions %d", n, s.staged))
	}
	s.committed = n
	return nil
}

// CurrentTokenCount returns the number of positions visible to reads.
func (s *QuantizedSession) CurrentTokenCount() int { return s.committed }

// SlidingWindow keeps only the trailing n positions, shifting quantized
// bytes (and, for DTypeI8, each kept position's own affine params) in
// place for every layer, mirroring Session.SlidingWindow.
func (s *QuantizedSession) SlidingWindow(n int) error {
	if n >= s.committed {
		return nil
	}
	drop := s.committed - n
	stride := s.Shape.perLayerElems() * bytesPerElem(s.DType)
	for layer := 0; layer < s.Shape.Layers; layer++ {
		base := s.layerByteOffset(layer)
		copy(s.kBytes[base:base+n*stride], s.kBytes[base+drop*stride:base+s.committed*stride])
		copy(s.vBytes[base:base+n*stride], s.vBytes[base+drop*stride:base+s.committed*stride])
		if s.DType == DTypeI8 {
			for pos := 0; pos < n; pos++ {
				src := layer*s.MaxTokens + drop + pos
				dst := layer*s.MaxTokens + pos
				s.kScale[dst], s.kOffset[dst] = s.kScale[src], s.kOffset[src]
				s.vScale[dst], s.vOffset[dst] = s.vScale[src], s.vOffset[src]
			}
		}
	}
	s.committed = n
	s.staged = n
	return nil
}

// DequantizeInto decodes layer's key range [from,to) into dst, which must
// have length (to-from)*kv_heads*head_dim. This is the single point where
// quantized cache bytes become float32, invoked once per generation step
// per layer immediately before the attention dot product. to is bounded by
// what has been staged, not yet committed: a block's own forward pass reads
// back the range it just staged before CommitTokens runs, mirroring
// Session.ReadK's staged-vs-committed contract (spec.md section 4.3).
func (s *QuantizedSession) DequantizeInto(dst []float32, layer, from, to int) error {
	return s.dequantizeInto(dst, s.kBytes, s.kScale, s.kOffset, layer, from, to)
}

// DequantizeVInto is DequantizeInto for values.
func (s *QuantizedSession) DequantizeVInto(dst []float32, layer, from, to int) error {
	return s.dequantizeInto(dst, s.vBytes, s.vScale, s.vOffset, layer, from, to)
}

func (s *QuantizedSession) dequantizeInto(dst []float32, buf []byte, scale, offset []float32, layer, from, to int) error {
	if to > s.staged {
		return xerr.New(xerr.KindInternal, fmt.Sprintf("kvcache: quantized read upto %d exceeds staged count %d", to, s.staged))
	}
	perLayer := s.Shape.perLayerElems()
	want := (to - from) * perLayer
	if len(dst) != want {
		return xerr.New(xerr.KindValidation, fmt.Sprintf("kvcache: dequantize destination length %d does not match expected %d", len(dst), want))
	}
	base := s.layerByteOffset(layer) + from*perLayer*bytesPerElem(s.DType)
	switch s.DType {
	case DTypeF16:
		for i := range dst {
			h := float16.Float16(uint16(buf[base+2*i]) | uint16(buf[base+2*i+1])<<8)
			dst[i] = h.Float32()
		}
	case DTypeI8:
		for i := range dst {
			pos := from + i/perLayer
			idx := layer*s.MaxTokens + pos
			dst[i] = dequantizeAffine(buf[base+i], scale[idx], offset[idx])
		}
	}
	return nil
}

func minMax(data []float32) (float32, float32) {
	if len(data) == 0 {
		return 0, 0
	}
	mn, mx := data[0], data[0]
	for _, f := range data[1:] {
		if f < mn {
			mn = f
		}
		if f > mx {
			mx = f
		}
	}
	return mn, mx
}

// affineParams derives a (scale, offset) pair mapping [mn,mx] onto the full
// 0..255 unsigned range: dequantize(q) = q*scale + offset.
func affineParams(mn, mx float32) (scale, offset float32) {
	if mx <= mn {
		return 0, mn
	}
	return (mx - mn) / 255, mn
}

func quantizeAffine(f, scale, offset float32) byte {
	if scale == 0 {
		return 0
	}
	q := int(math.Round(float64((f - offset) / scale)))
	return byte(clampInt(q, 0, 255))
}

func dequantizeAffine(q byte, scale, offset float32) float32 {
	return float32(q)*scale + offset
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
