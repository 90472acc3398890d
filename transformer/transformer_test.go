package transformer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRoPEPreservesPairNorm(t *testing.T) {
	x := []float32{1, 0, 0, 1} // one token, one head, headDim=4 -> two pairs
	before := norm(x)
	require.NoError(t, ApplyRoPE(x, 1, 1, 4, 5, 10000))
	after := norm(x)
	require.InDelta(t, before, after, 1e-4)
}

func TestApplyRoPERejectsOddHeadDim(t *testing.T) {
	x := make([]float32, 3)
	err := ApplyRoPE(x, 1, 1, 3, 0, 10000)
	require.Error(t, err)
}

func norm(x []float32) float64 {
	var s float64
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}

func TestConfigValidateRejectsNonDivisibleHeads(t *testing.T) {
	cfg := Config{ModelShape: ModelShape{Layers: 1, KVHeads: 3, HeadDim: 4}, Heads: 5, HiddenSize: 20}
	require.Error(t, cfg.Validate())
}

func TestConfigGroupSize(t *testing.T) {
	cfg := Config{ModelShape: ModelShape{KVHeads: 2}, Heads: 8}
	require.Equal(t, 4, cfg.GroupSize())
}

type fakeCache struct {
	k, v map[int][]float32
	cur  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{k: map[int][]float32{}, v: map[int][]float32{}}
}

func (c *fakeCache) WriteK(layer, from, to int, data []float32) error {
	c.k[layer] = append(c.k[layer], data...)
	if to > c.cur {
		c.cur = to
	}
	return nil
}
func (c *fakeCache) WriteV(layer, from, to int, data []float32) error {
	c.v[layer] = append(c.v[layer], data...)
	return nil
}
func (c *fakeCache) ReadK(layer, upto int) ([]float32, error) { return c.k[layer], nil }
func (c *fakeCache) ReadV(layer, upto int) ([]float32, error) { return c.v[layer], nil }
func (c *fakeCache) CurrentTokenCount() int                   { return c.cur }

func smallConfig() Config {
	return Config{
		ModelShape:  ModelShape{Layers: 2, KVHeads: 2, HeadDim: 4},
		Heads:       2,
		HiddenSize:  8,
		MLPHidden:   16,
		VocabSize:   17,
		RopeTheta:   10000,
		MaxPosition: 64,
	}
}

func TestModelForwardInferProducesExpectedLogitShape(t *testing.T) {
	cfg := smallConfig()
	m := NewModel(cfg)
	caches := []CacheBinding{newFakeCache(), newFakeCache()}

	logits, err := m.ForwardInfer([]int{1, 2, 3}, caches, 0)
	require.NoError(t, err)
	require.Len(t, logits, 3*cfg.VocabSize)
}

func TestModelForwardTrainProducesLogitTensorWithGradGraph(t *testing.T) {
	cfg := smallConfig()
	m := NewModel(cfg)
	for _, p := range m.Parameters() {
		for i := range p.Data {
			p.Data[i] = 0.01 * float32(i%7-3)
		}
	}

	logits, err := m.ForwardTrain([]int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, logits.Data, 3*cfg.VocabSize)
	require.True(t, logits.RequiresGrad)
}
