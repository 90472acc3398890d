package tensor

import (
	"math"

	"github.com/tinyforge/engine/kernel"
)

// CrossEntropy computes row-wise numerically-stable log-softmax cross
// entropy over logits (B,T,V) against integer targets (B*T), normalized by
// the count of valid (in [0,V)) positions. Invalid targets are skipped in
// both the forward sum and the backward gradient. The forward pass caches
// the softmax probabilities per row so backward does not recompute them.
func CrossEntropy(logits *Tensor, targets []int, b, tSeq, v int) (*Tensor, error) {
	if len(logits.Data) != b*tSeq*v {
		return nil, shapeErr("CrossEntropy.logits", len(logits.Data), b*tSeq*v)
	}
	if len(targets) != b*tSeq {
		return nil, shapeErr("CrossEntropy.targets", len(targets), b*tSeq)
	}

	rows := b * tSeq
	probs := make([]float32, len(logits.Data))
	negLogProbs := make([]float64, 0, rows)
	var validCount int

	for r := 0; r < rows; r++ {
		row := logits.Data[r*v : (r+1)*v]
		dst := probs[r*v : (r+1)*v]

		maxV := row[0]
		for _, x := range row {
			if x > maxV {
				maxV = x
			}
		}
		var sum float32
		for i, x := range row {
			e := float32(math.Exp(float64(x - maxV)))
			dst[i] = e
			sum += e
		}
		logSum := float32(math.Log(float64(sum)))
		for i := range dst {
			dst[i] /= sum
		}

		target := targets[r]
		if target < 0 || target >= v {
			continue
		}
		validCount++
		logProb := (row[target] - maxV) - logSum
		negLogProbs = append(negLogProbs, -float64(logProb))
	}

	denom := float32(validCount)
	if denom == 0 {
		denom = 1
	}
	loss := New(1)
	loss.Data[0] = float32(kernel.SumF64(negLogProbs)) / denom

	if logits.RequiresGrad {
		loss.attachBackward(func(grad []float32) {
			upstream := grad[0] / denom
			dx := make([]float32, len(logits.Data))
			for r := 0; r < rows; r++ {
				target := targets[r]
				if target < 0 || target >= v {
					continue
				}
				row := probs[r*v : (r+1)*v]
				dst := dx[r*v : (r+1)*v]
				for i, p := range row {
					onehot := float32(0)
					if i == target {
						onehot = 1
					}
					dst[i] = (p - onehot) * upstream
				}
			}
			logits.accumulate(dx)
		}, logits)
	}
	return loss, nil
}
