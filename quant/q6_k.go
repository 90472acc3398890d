package quant

import (
	"math"

	"github.com/x448/float16"
)

const (
	q6kSubBlocks    = 16
	q6kSubBlockSize = 16 // q6kSubBlocks * q6kSubBlockSize == DefaultBlockSize() for Q6_K
)

// Q6_K super-block layout within one stride-sized region of Data:
//
//	[0:2)    fp16 super-scale
//	[2:18)   16 x int8 sub-block scales
//	[18:146) 128 bytes of 4-bit low nibbles (256 values, 2/byte)
//	[146:210) 64 bytes of 2-bit high fields (256 values, 4/byte)
const (
	q6kSuperScaleOff = 0
	q6kSubScaleOff   = 2
	q6kLowOff        = 2 + q6kSubBlocks
	q6kHighOff       = q6kLowOff + 128
)

func quantizeQ6_K(t *BlockTensor, flat []float32) {
	bs := t.BlockSize // 256
	stride := t.Stride()
	n := len(flat)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)
		valid := end - start

		var subRaw [q6kSubBlocks]float32
		for sub := 0; sub < q6kSubBlocks; sub++ {
			subStart := sub * q6kSubBlockSize
			if subStart >= valid {
				break
			}
			subEnd := min(subStart+q6kSubBlockSize, valid)

			var amax float32
			for i := subStart; i < subEnd; i++ {
				if a := float32(math.Abs(float64(flat[start+i]))); a > amax {
					amax = a
				}
			}
			// 31.5 maps +amax and -amax to the edges of [-32,31] after
			// rounding, so no element is clamped by more than half a step.
			subRaw[sub] = amax / 31.5
		}

		var maxSubRaw float32
		for _, s := range subRaw {
			if s > maxSubRaw {
				maxSubRaw = s
			}
		}

		superScale := float32(0)
		if maxSubRaw > 0 {
			superScale = maxSubRaw / 127
		}

		off := b * stride
		putF16(t.Data[off+q6kSuperScaleOff:], superScale)

		subScales := t.Data[off+q6kSubScaleOff : off+q6kSubScaleOff+q6kSubBlocks]
		lowNibbles := t.Data[off+q6kLowOff : off+q6kLowOff+128]
		highBits := t.Data[off+q6kHighOff : off+q6kHighOff+64]

		for sub := 0; sub < q6kSubBlocks; sub++ {
			subStart := sub * q6kSubBlockSize
			if subStart >= valid {
				subScales[sub] = 0
				continue
			}
			subEnd := min(subStart+q6kSubBlockSize, valid)

			subScaleInt8 := 0
			if superScale > 0 {
				subScaleInt8 = roundClamp(subRaw[sub]/superScale, 0, 127)
			}
			subScales[sub] = byte(int8(subScaleInt8))

			effScale := superScale * float32(subScaleInt8)

			for i := subStart; i < subEnd; i++ {
				q := 0
				if effScale != 0 {
					q = roundClamp(flat[start+i]/effScale, -32, 31)
				}
				u6 := uint8(q + 32) // 0..63
				idx := i
				setNibble(lowNibbles, idx, u6&0x0F)
				set2Bit(highBits, idx, (u6>>4)&0x03)
			}
		}
	}
}

func dequantizeQ6_K(t *BlockTensor, out []float32) {
	bs := t.BlockSize
	stride := t.Stride()
	n := len(out)

	for b := 0; b < t.BlockCount(); b++ {
		start := b * bs
		end := min(start+bs, n)
		valid := end - start

		off := b * stride
		superScale := getF16(t.Data[off+q6kSuperScaleOff:])
		subScales := t.Data[off+q6kSubScaleOff : off+q6kSubScaleOff+q6kSubBlocks]
		lowNibbles := t.Data[off+q6kLowOff : off+q6kLowOff+128]
		highBits := t.Data[off+q6kHighOff : off+q6kHighOff+64]

		for sub := 0; sub < q6kSubBlocks; sub++ {
			subStart := sub * q6kSubBlockSize
			if subStart >= valid {
				break
			}
			subEnd := min(subStart+q6kSubBlockSize, valid)

			subScale := int8(subScales[sub])

			for i := subStart; i < subEnd; i++ {
				low := getNibble(lowNibbles, i)
				high := get2Bit(highBits, i)
				u6 := low | (high << 4)
				out[start+i] = superScale * float32(subScale) * (float32(u6) - 32)
			}
		}
	}
}

func putF16(b []byte, v float32) {
	h := float16.Fromfloat32(v)
	b[0] = byte(h)
	b[1] = byte(h >> 8)
}

func getF16(b []byte) float32 {
	h := float16.Float16(uint16(b[0]) | uint16(b[1])<<8)
	return h.Float32()
}
