package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopKMasksAllButKLargest(t *testing.T) {
	logits := []float32{0.1, 5, 3, -2, 4}
	out := TopK(logits, 2)
	require.Equal(t, []float32{0.1, 5, 3, -2, 4}, logits, "TopK must not mutate its input")

	kept := 0
	for i, v := range out {
		if !math.IsInf(float64(v), -1) {
			kept++
			require.Equal(t, logits[i], v)
		}
	}
	require.Equal(t, 2, kept)
}

func TestTopKZeroOrFullIsNoOp(t *testing.T) {
	logits := []float32{1, 2, 3}
	require.Equal(t, logits, TopK(logits, 0))
	require.Equal(t, logits, TopK(logits, len(logits)))
}

func TestTemperatureScaling(t *testing.T) {
	logits := []float32{2, 4}
	require.Equal(t, logits, Temperature(logits, 1))
	scaled := Temperature(logits, 2)
	require.InDelta(t, 1.0, scaled[0], 1e-6)
	require.InDelta(t, 2.0, scaled[1], 1e-6)
}

func TestDrawRejectsInvalidOptions(t *testing.T) {
	rng := NewRNG(1)
	_, err := Draw([]float32{1, 2}, Options{Temperature: 0, MaxNewTokens: 1}, rng)
	require.Error(t, err)
}

func TestDrawPicksDominantLogit(t *testing.T) {
	logits := make([]float32, 50)
	logits[17] = 50 // overwhelms every other logit after softmax
	rng := NewRNG(42)
	idx, err := Draw(logits, Options{Temperature: 1, TopK: 5, MaxNewTokens: 1}, rng)
	require.NoError(t, err)
	require.Equal(t, 17, idx)
}

func TestDrawIsDeterministicForSameSeed(t *testing.T) {
	logits := []float32{1, 2, 3, 0.5, 4, 2.2, 1.1}
	opts := Options{Temperature: 0.8, TopK: 4, MaxNewTokens: 1}

	a, err := Draw(logits, opts, NewRNG(SessionSeed("session-1")))
	require.NoError(t, err)
	b, err := Draw(logits, opts, NewRNG(SessionSeed("session-1")))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSessionSeedIsStableAndDistinct(t *testing.T) {
	require.Equal(t, SessionSeed("abc"), SessionSeed("abc"))
	require.NotEqual(t, SessionSeed("abc"), SessionSeed("xyz"))
}
