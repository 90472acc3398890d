package quant

// quantizeQ4_1 encodes each block as a float32 scale, a float32 min, and
// nibble-packed unsigned 4-bit values in range [0,15]:
// float = q*scale + min.
func quantizeQ4_1(t *BlockTensor, flat []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(flat)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)

		lo, hi := flat[start], flat[start]
		for _, x := range flat[start:end] {
			if x < lo {
				lo = x
			}
			if x > hi {
				hi = x
			}
		}

		scale := float32(0)
		inv := float32(0)
		if hi > lo {
			scale = (hi - lo) / 15
			inv = 1 / scale
		}

		off := b * stride
		putF32(t.Data[off:], scale)
		putF32(t.Data[off+4:], lo)
		packed := t.Data[off+8:]

		for i := start; i < end; i++ {
			q := 0
			if scale > 0 {
				q = roundClamp((flat[i]-lo)*inv, 0, 15)
			}
			setNibble(packed, i-start, uint8(q))
		}
	}
}

func dequantizeQ4_1(t *BlockTensor, out []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(out)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)

		off := b * stride
		scale := getF32(t.Data[off:])
		minv := getF32(t.Data[off+4:])
		packed := t.Data[off+8:]

		for i := start; i < end; i++ {
			q := getNibble(packed, i-start)
			out[i] = float32(q)*scale + minv
		}
	}
}
