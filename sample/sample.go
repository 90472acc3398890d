package sample

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/tinyforge/engine/kernel"
	"github.com/tinyforge/engine/xerr"
)

// Options mirrors spec.md's SamplingOptions: temperature scaling, top-k
// filtering, generation bounds, an optional seed for deterministic
// scheduling mode, and stop tokens.
type Options struct {
	Temperature      float32
	TopK             int
	MaxNewTokens     int
	MaxContextTokens int
	Seed             *uint64
	StopTokens       []int
}

// Validate checks the invariants spec.md attaches to SamplingOptions.
func (o Options) Validate() error {
	if o.Temperature <= 0 {
		return xerr.New(xerr.KindValidation, "sample: temperature must be positive")
	}
	if o.TopK < 0 {
		return xerr.New(xerr.KindValidation, "sample: top_k must be non-negative")
	}
	if o.MaxNewTokens < 1 {
		return xerr.New(xerr.KindValidation, "sample: max_new_tokens must be at least 1")
	}
	return nil
}

var scratchPool = sync.Pool{New: func() any { return make([]float32, 0, 65536) }}

// TopK masks every logit strictly smaller than the k-th largest to -Inf,
// returning a newly allocated result (logits is never mutated in place).
// k<=0 or k>=len(logits) is a no-op copy. The scratch buffer used to find
// the k-th largest value is rented from a pool and always returned, on
// every return path.
func TopK(logits []float32, k int) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	if k <= 0 || k >= len(logits) {
		return out
	}

	scratch := scratchPool.Get().([]float32)
	scratch = append(scratch[:0], logits...)
	defer func() {
		scratchPool.Put(scratch[:0])
	}()

	threshold := kthLargest(scratch, k)
	negInf := float32(math.Inf(-1))
	for i, v := range out {
		if v < threshold {
			out[i] = negInf
		}
	}
	return out
}

// kthLargest partially selects the k-th largest value of scratch (which is
// freely mutated) via repeated max-extraction; logits lists are short
// enough (bounded by vocabulary size) that this stays well within budget
// next to the O(n log n) alternative of a full sort.
func kthLargest(scratch []float32, k int) float32 {
	n := len(scratch)
	if k > n {
		k = n
	}
	for i := 0; i < k; i++ {
		maxIdx := i
		for j := i + 1; j < n; j++ {
			if scratch[j] > scratch[maxIdx] {
				maxIdx = j
			}
		}
		scratch[i], scratch[maxIdx] = scratch[maxIdx], scratch[i]
	}
	return scratch[k-1]
}

// Temperature scales logits by 1/temperature in place on a copy; a
// temperature of exactly 1 returns an unscaled copy (spec.md: "apply
// temperature scaling if != 1").
func Temperature(logits []float32, temperature float32) []float32 {
	out := make([]float32, len(logits))
	if temperature == 1 {
		copy(out, logits)
		return out
	}
	inv := 1 / temperature
	for i, v := range logits {
		out[i] = v * inv
	}
	return out
}

// Draw samples one token index from logits (raw, unnormalized) under
// opts, using rng as the sole source of randomness: apply temperature,
// top-k filter, softmax, then a weighted categorical draw via gonum's
// sampleuv.Weighted (spec.md section 4.5's generation step, in order).
func Draw(logits []float32, opts Options, rng *RNG) (int, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	scaled := Temperature(logits, opts.Temperature)
	filtered := TopK(scaled, opts.TopK)

	probs := make([]float32, len(filtered))
	if err := kernel.Softmax(filtered, 1, len(filtered), probs); err != nil {
		return 0, err
	}

	weights := make([]float64, len(probs))
	for i, p := range probs {
		weights[i] = float64(p)
	}

	src := rand.New(v1Source{rng: rng})
	w := sampleuv.NewWeighted(weights, src)
	idx, ok := w.Take()
	if !ok {
		return 0, xerr.New(xerr.KindInternal, "sample: categorical draw found no remaining weight")
	}
	return idx, nil
}
