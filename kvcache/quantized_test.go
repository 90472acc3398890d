package kvcache

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantizedSessionF16RoundTrip(t *testing.T) {
	shape := testShape()
	s := NewQuantizedSession(shape, 8, DTypeF16)

	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]float32, shape.perLayerElems())
	for i := range data {
		data[i] = rng.Float32()*4 - 2
	}

	require.NoError(t, s.WriteK(0, 0, 1, data))
	require.NoError(t, s.CommitTokens(1))

	out := make([]float32, len(data))
	require.NoError(t, s.DequantizeInto(out, 0, 0, 1))
	for i := range data {
		require.InDelta(t, data[i], out[i], 1e-2)
	}
}

func TestQuantizedSessionI8AffineRoundTrip(t *testing.T) {
	shape := testShape()
	s := NewQuantizedSession(shape, 8, DTypeI8)

	data := []float32{-1, -0.5, 0, 0.5, 1, 0.25, -0.25, 0.75}
	require.Len(t, data, shape.perLayerElems())

	require.NoError(t, s.WriteV(0, 0, 1, data))
	require.NoError(t, s.CommitTokens(1))

	out := make([]float32, len(data))
	require.NoError(t, s.DequantizeVInto(out, 0, 0, 1))

	dynamicRange := float32(2) // max - min of data
	tol := dynamicRange / 255
	for i := range data {
		require.InDelta(t, data[i], out[i], float64(tol)+1e-6)
	}
}

func TestQuantizedSessionI8SurvivesIncrementalAppend(t *testing.T) {
	shape := testShape()
	s := NewQuantizedSession(shape, 8, DTypeI8)

	first := []float32{-1, -0.5, 0, 0.5, 1, 0.25, -0.25, 0.75}
	require.Len(t, first, shape.perLayerElems())
	require.NoError(t, s.WriteK(0, 0, 1, first))
	require.NoError(t, s.CommitTokens(1))

	// A second, disjoint-range position with a very different dynamic
	// range must not corrupt the first position's reconstruction: each
	// write's affine pair is recorded per position, not clobbered by a
	// later write to the same layer.
	second := []float32{10, 20, -30, 5, 0, -10, 15, -5}
	require.Len(t, second, shape.perLayerElems())
	require.NoError(t, s.WriteK(0, 1, 2, second))
	require.NoError(t, s.CommitTokens(2))

	out := make([]float32, shape.perLayerElems()*2)
	require.NoError(t, s.DequantizeInto(out, 0, 0, 2))

	firstTol := float64(2)/255 + 1e-6
	for i := range first {
		require.InDelta(t, first[i], out[i], firstTol, "position 0 must still decode under its own write's affine params")
	}
	secondTol := float64(50)/255 + 1e-6
	for i := range second {
		require.InDelta(t, second[i], out[len(first)+i], secondTol)
	}
}

func TestQuantizedSessionRejectsReadBeyondStaged(t *testing.T) {
	shape := testShape()
	s := NewQuantizedSession(shape, 8, DTypeF16)
	out := make([]float32, shape.perLayerElems())
	err := s.DequantizeInto(out, 0, 0, 1)
	require.Error(t, err)
}

func TestAffineParamsDegenerateConstant(t *testing.T) {
	scale, offset := affineParams(1, 1)
	require.Equal(t, float32(0), scale)
	require.Equal(t, float32(1), offset)
	require.Equal(t, byte(0), quantizeAffine(1, scale, offset))
}

func TestMinMaxEmpty(t *testing.T) {
	mn, mx := minMax(nil)
	require.Equal(t, float32(0), mn)
	require.Equal(t, float32(0), mx)
}

func TestQuantizeAffineClamps(t *testing.T) {
	require.Equal(t, byte(255), quantizeAffine(1000, 1, 0))
	require.Equal(t, byte(0), quantizeAffine(-1000, 1, 0))
}
