package quant

import "math"

// quantizeQ8_0 encodes each block as a float32 scale followed by blockSize
// signed bytes: float = sbyte * scale.
func quantizeQ8_0(t *BlockTensor, flat []float32) {
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
			scale = amax / 127
			inv = 1 / scale
		}

		off := b * stride
		putF32(t.Data[off:], scale)
		payload := t.Data[off+4:]
		for i := start; i < end; i++ {
			q := 0
			if scale > 0 {
				q = roundClamp(flat[i]*inv, -127, 127)
			}
			payload[i-start] = byte(int8(q))
		}
	}
}

func dequantizeQ8_0(t *BlockTensor, out []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(out)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)

		off := b * stride
		scale := getF32(t.Data[off:])
		payload := t.Data[off+4:]

		for i := start; i < end; i++ {
			q := int8(payload[i-start])
			out[i] = float32(q) * scale
		}
	}
}
