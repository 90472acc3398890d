// Package quant implements the block-wise quantized tensor formats used for
// weight storage: Q8_0, Q4_0, Q4_1, Q5_0 and the Q6_K super-block scheme.
// Each scheme packs a fixed number of elements per block behind a small
// metadata header (a scale, and for some schemes a min or a high-bit
// bitmap); dequantization is a pure function of the stored bytes and is
// deterministic across runs on the same platform.
package quant

import "fmt"

// Scheme identifies a block quantization layout.
type Scheme int

const (
	Q8_0 Scheme = iota
	Q4_0
	Q4_1
	Q5_0
	Q6_K
)

func (s Scheme) String() string {
	switch s {
	case Q8_0:
		return "Q8_0"
	case Q4_0:
		return "Q4_0"
	case Q4_1:
		return "Q4_1"
	case Q5_0:
		return "Q5_0"
	case Q6_K:
		return "Q6_K"
	default:
		return "unknown"
	}
}

// DefaultBlockSize returns the spec-mandated element count per block for
// the scheme (configurable for Q8_0/Q4_0 via NewBlockTensorSize).
func (s Scheme) DefaultBlockSize() int {
	switch s {
	case Q8_0, Q4_0:
		return 64
	case Q4_1, Q5_0:
		return 32
	case Q6_K:
		return 256
	default:
		return 0
	}
}

// blockStride returns the number of bytes a single block of this scheme
// occupies, given blockSize elements per block.
func blockStride(s Scheme, blockSize int) int {
	switch s {
	case Q8_0:
		return 4 + blockSize // float32 scale + 1 byte/elem
	case Q4_0:
		return 4 + blockSize/2 // float32 scale + nibble-packed
	case Q4_1:
		return 4 + 4 + blockSize/2 // float32 scale + float32 min + nibble-packed
	case Q5_0:
		return 4 + 4 + blockSize/2 // float32 scale + 32-bit high-bit bitmap + nibble-packed
	case Q6_K:
		// fp16 super-scale + 16 int8 sub-scales + 128B low nibbles + 64B high bits
		return 2 + 16 + 128 + 64
	default:
		return 0
	}
}

// BlockTensor is a dense rows x cols matrix stored as a sequence of
// fixed-size quantized blocks covering the flat row-major element order.
type BlockTensor struct {
	Rows, Cols int
	Scheme     Scheme
	BlockSize  int
	Data       []byte
}

// NewBlockTensor allocates a zeroed BlockTensor using the scheme's default
// block size.
func NewBlockTensor(scheme Scheme, rows, cols int) *BlockTensor {
	return NewBlockTensorSize(scheme, rows, cols, scheme.DefaultBlockSize())
}

// NewBlockTensorSize allocates a zeroed BlockTensor with an explicit block
// size (Q8_0/Q4_0 allow a configurable block size per spec.md section 3).
func NewBlockTensorSize(scheme Scheme, rows, cols, blockSize int) *BlockTensor {
	n := rows * cols
	blocks := (n + blockSize - 1) / blockSize
	stride := blockStride(scheme, blockSize)
	return &BlockTensor{
		Rows:      rows,
		Cols:      cols,
		Scheme:    scheme,
		BlockSize: blockSize,
		Data:      make([]byte, blocks*stride),
	}
}

// BlockCount reports the number of blocks covering the tensor's elements.
func (t *BlockTensor) BlockCount() int {
	n := t.Rows * t.Cols
	return (n + t.BlockSize - 1) / t.BlockSize
}

// Stride reports the byte length of a single block.
func (t *BlockTensor) Stride() int {
	return blockStride(t.Scheme, t.BlockSize)
}

// validate checks the block-count/payload-length invariant from spec.md
// section 3.
func (t *BlockTensor) validate() error {
	want := t.BlockCount() * t.Stride()
	if len(t.Data) != want {
		return fmt.Errorf("quant: corrupt block tensor: have %d payload bytes, want %d (blocks=%d stride=%d)",
			len(t.Data), want, t.BlockCount(), t.Stride())
	}
	return nil
}

// Quantize converts a row-major float32 matrix into a BlockTensor of the
// given scheme, using the scheme's default block size.
func Quantize(scheme Scheme, flat []float32, rows, cols int) (*BlockTensor, error) {
	return QuantizeSize(scheme, flat, rows, cols, scheme.DefaultBlockSize())
}

// QuantizeSize is Quantize with an explicit block size.
func QuantizeSize(scheme Scheme, flat []float32, rows, cols, blockSize int) (*BlockTensor, error) {
	if len(flat) != rows*cols {
		return nil, fmt.Errorf("quant: element count %d does not match rows*cols %d", len(flat), rows*cols)
	}
	t := NewBlockTensorSize(scheme, rows, cols, blockSize)
	switch scheme {
	case Q8_0:
		quantizeQ8_0(t, flat)
	case Q4_0:
		quantizeQ4_0(t, flat)
	case Q4_1:
		quantizeQ4_1(t, flat)
	case Q5_0:
		quantizeQ5_0(t, flat)
	case Q6_K:
		quantizeQ6_K(t, flat)
	default:
		return nil, fmt.Errorf("quant: unsupported scheme %v", scheme)
	}
	return t, nil
}

// Dequantize decodes t into out, which must have length Rows*Cols.
// Decoding is a pure function of t.Data: repeated calls are bit-identical.
func Dequantize(t *BlockTensor, out []float32) error {
	if err := t.validate(); err != nil {
		return err
	}
	if len(out) != t.Rows*t.Cols {
		return fmt.Errorf("quant: output length %d does not match rows*cols %d", len(out), t.Rows*t.Cols)
	}
	switch t.Scheme {
	case Q8_0:
		dequantizeQ8_0(t, out)
	case Q4_0:
		dequantizeQ4_0(t, out)
	case Q4_1:
		dequantizeQ4_1(t, out)
	case Q5_0:
		dequantizeQ5_0(t, out)
	case Q6_K:
		dequantizeQ6_K(t, out)
	default:
		return fmt.Errorf("quant: unsupported scheme %v", t.Scheme)
	}
	return nil
}
