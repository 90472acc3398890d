package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddMatchesScalarReference(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []float32{9, 8, 7, 6, 5, 4, 3, 2, 1}
	out := make([]float32, len(a))
	require.NoError(t, Add(a, b, out))
	for i := range a {
		require.InDelta(t, a[i]+b[i], out[i], 1e-6)
	}
}

func TestAddRejectsShapeMismatch(t *testing.T) {
	err := Add([]float32{1, 2}, []float32{1}, make([]float32, 2))
	require.Error(t, err)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4, -1, 0, 1, 2}
	out := make([]float32, len(x))
	require.NoError(t, Softmax(x, 2, 4, out))
	for r := 0; r < 2; r++ {
		var sum float32
		for _, v := range out[r*4 : r*4+4] {
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestSoftmaxIsShiftInvariant(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	shifted := []float32{101, 102, 103, 104}
	a := make([]float32, 4)
	b := make([]float32, 4)
	require.NoError(t, Softmax(x, 1, 4, a))
	require.NoError(t, Softmax(shifted, 1, 4, b))
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-5)
	}
}

func TestMaskedSoftmaxZeroesFutureColumns(t *testing.T) {
	x := make([]float32, 9)
	for i := range x {
		x[i] = 1
	}
	out := make([]float32, 9)
	require.NoError(t, MaskedSoftmax(x, 3, 3, 1, 0, out))
	require.InDelta(t, 1.0, out[0], 1e-6)
	require.Equal(t, float32(0), out[1])
	require.Equal(t, float32(0), out[2])

	var row1Sum float32
	for _, v := range out[3:5] {
		row1Sum += v
	}
	require.InDelta(t, 1.0, row1Sum, 1e-5)
	require.Equal(t, float32(0), out[5])

	var row2Sum float32
	for _, v := range out[6:9] {
		row2Sum += v
	}
	require.InDelta(t, 1.0, row2Sum, 1e-5)
}

func TestGELUMatchesReferenceAtZero(t *testing.T) {
	out := make([]float32, 1)
	require.NoError(t, GELU([]float32{0}, out))
	require.InDelta(t, 0, out[0], 1e-6)
}

func TestGELUApproximatesExactFormula(t *testing.T) {
	xs := []float32{-3, -1, -0.5, 0.5, 1, 3}
	out := make([]float32, len(xs))
	require.NoError(t, GELU(xs, out))
	for i, x := range xs {
		want := 0.5 * float64(x) * (1 + math.Tanh(0.7978845608028654*(float64(x)+0.044715*float64(x)*float64(x)*float64(x))))
		require.InDeltaf(t, want, float64(out[i]), 1e-3, "x=%v", x)
	}
}

func TestLayerNormProducesZeroMeanUnitVariance(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5}
	gain := []float32{1, 1, 1, 1, 1}
	bias := []float32{0, 0, 0, 0, 0}
	out := make([]float32, 5)
	mean := make([]float32, 1)
	rstd := make([]float32, 1)
	require.NoError(t, LayerNorm(x, 1, 5, gain, bias, out, mean, rstd))

	var m float32
	for _, v := range out {
		m += v
	}
	m /= 5
	require.InDelta(t, 0, m, 1e-4)

	var variance float32
	for _, v := range out {
		variance += (v - m) * (v - m)
	}
	variance /= 5
	require.InDelta(t, 1, variance, 1e-2)
}

func TestMatMulTiledMatchesNaive(t *testing.T) {
	m, k, n := 5, 7, 6
	a := make([]float32, m*k)
	b := make([]float32, k*n)
	for i := range a {
		a[i] = float32(i%5) - 2
	}
	for i := range b {
		b[i] = float32(i%3) - 1
	}
	c1 := make([]float32, m*n)
	c2 := make([]float32, m*n)
	require.NoError(t, MatMul(a, b, m, k, n, c1))
	require.NoError(t, MatMulTiled(a, b, m, k, n, c2))
	for i := range c1 {
		require.InDelta(t, c1[i], c2[i], 1e-4)
	}
}

func TestBatchedMatMulAppliesPerBatch(t *testing.T) {
	batch, m, k, n := 2, 2, 2, 2
	a := []float32{1, 0, 0, 1, 2, 0, 0, 2}
	b := []float32{1, 2, 3, 4, 1, 1, 1, 1}
	c := make([]float32, batch*m*n)
	require.NoError(t, BatchedMatMul(a, b, batch, m, k, n, c))
	require.Equal(t, []float32{1, 2, 3, 4}, c[:4])
	require.Equal(t, []float32{2, 2, 2, 2}, c[4:])
}

func TestDotMatchesManualSum(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	got, err := Dot(a, b)
	require.NoError(t, err)
	require.InDelta(t, 55, got, 1e-4)
}

func TestReLUBackwardGatesByForwardSign(t *testing.T) {
	a := []float32{-1, 0, 1, 2}
	up := []float32{5, 5, 5, 5}
	out := make([]float32, 4)
	require.NoError(t, ReLUBackward(a, up, out))
	require.Equal(t, []float32{0, 0, 5, 5}, out)
}
