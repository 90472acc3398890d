package quant

import "math"

// quantizeQ4_0 encodes each block as a float32 scale followed by
// nibble-packed two's-complement 4-bit values in range [-8,7]:
// float = q * scale.
func quantizeQ4_0(t *BlockTensor, flat []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(flat)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)

		var amax float32
		for _, x := range flat[start:end] {
			if a := float32(math.Abs(float64(x))); a > amax {
				amax = a
			}
		}

		scale := float32(0)
		inv := float32(0)
		if amax > 0 {
			scale = amax / 8
			inv = 1 / scale
		}

		off := b * stride
		putF32(t.Data[off:], scale)
		packed := t.Data[off+4:]

		for i := start; i < end; i++ {
			q := 0
			if scale > 0 {
				q = roundClamp(flat[i]*inv, -8, 7)
			}
			setNibble(packed, i-start, uint8(int8(q)))
		}
	}
}

func dequantizeQ4_0(t *BlockTensor, out []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(out)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)

		off := b * stride
		scale := getF32(t.Data[off:])
		packed := t.Data[off+4:]

		for i := start; i < end; i++ {
			nib := getNibble(packed, i-start)
			// two's-complement interpretation: 0..7 positive, 8..15 -> -8..-1
			q := int8(nib << 4) >> 4
			out[i] = float32(q) * scale
		}
	}
}
