package quant

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomRow(n int, rng *rand.Rand, spread float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * spread
	}
	return out
}

func maxAbs(xs []float32) float32 {
	var m float32
	for _, x := range xs {
		if a := float32(math.Abs(float64(x))); a > m {
			m = a
		}
	}
	return m
}

func TestRoundTripBoundedError(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	cases := []struct {
		scheme  Scheme
		rows    int
		cols    int
		fracErr float32 // bound as a fraction of the tensor's max-abs value
	}{
		{Q8_0, 4, 256, 1.0 / 127},
		{Q4_0, 4, 256, 1.0 / 8},
		{Q4_1, 4, 256, 1.0 / 15},
		{Q5_0, 4, 256, 1.0 / 16},
		{Q6_K, 2, 512, 1.0 / 63},
	}

	for _, tc := range cases {
		t.Run(tc.scheme.String(), func(t *testing.T) {
			flat := randomRow(tc.rows*tc.cols, rng, 3.0)
			bt, err := Quantize(tc.scheme, flat, tc.rows, tc.cols)
			require.NoError(t, err)

			got := make([]float32, len(flat))
			require.NoError(t, Dequantize(bt, got))

			dynamicRange := maxAbs(flat)
			bound := dynamicRange * tc.fracErr * 1.5 // slack for block-local scale vs. global range
			for i := range flat {
				diff := float32(math.Abs(float64(flat[i] - got[i])))
				require.LessOrEqualf(t, diff, bound, "element %d: %v vs %v", i, flat[i], got[i])
			}
		})
	}
}

func TestDequantizeIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 9))
	flat := randomRow(256, rng, 5)

	bt, err := Quantize(Q6_K, flat, 1, 256)
	require.NoError(t, err)

	a := make([]float32, 256)
	b := make([]float32, 256)
	require.NoError(t, Dequantize(bt, a))
	require.NoError(t, Dequantize(bt, b))
	require.Equal(t, a, b)
}

func TestQuantizeIdempotentUnderSecondRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	flat := randomRow(128, rng, 2)

	bt1, err := Quantize(Q4_1, flat, 1, 128)
	require.NoError(t, err)
	dq1 := make([]float32, 128)
	require.NoError(t, Dequantize(bt1, dq1))

	bt2, err := Quantize(Q4_1, dq1, 1, 128)
	require.NoError(t, err)
	dq2 := make([]float32, 128)
	require.NoError(t, Dequantize(bt2, dq2))

	require.Equal(t, dq1, dq2)
}

func TestDequantizeRejectsLengthMismatch(t *testing.T) {
	bt := NewBlockTensor(Q8_0, 1, 64)
	err := Dequantize(bt, make([]float32, 10))
	require.Error(t, err)
}

func TestQ4_0TwosComplementRange(t *testing.T) {
	flat := []float32{-8, -1, 0, 1, 7}
	padded := append(append([]float32{}, flat...), make([]float32, 64-len(flat))...)

	bt, err := Quantize(Q4_0, padded, 1, 64)
	require.NoError(t, err)

	out := make([]float32, 64)
	require.NoError(t, Dequantize(bt, out))

	for i, want := range flat {
		require.InDeltaf(t, want, out[i], 0.2, "index %d", i)
	}
}
