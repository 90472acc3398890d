package transformer

import (
	"math"

	"github.com/tinyforge/engine/kernel"
	"github.com/tinyforge/engine/tensor"
)

// AttentionTrain computes full causal (grouped-query) self-attention over
// an unbound sequence of T tokens: q is (T, heads*headDim), k and v are
// (T, kvHeads*headDim). Scores are scaled by 1/sqrt(headDim) before the
// fused causal softmax. Used on the training path, where the whole
// sequence is visible and a backward closure is required.
func AttentionTrain(q, k, v *tensor.Tensor, cfg Config, tokens int) (*tensor.Tensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scale := invSqrt(float32(cfg.HeadDim))
	group := cfg.GroupSize()

	ctxData := make([]float32, tokens*cfg.Heads*cfg.HeadDim)
	probsByHead := make([][]float32, cfg.Heads)

	for h := 0; h < cfg.Heads; h++ {
		kvh := h / group
		qh := extractHead(q.Data, tokens, cfg.Heads, cfg.HeadDim, h)
		kh := extractHead(k.Data, tokens, cfg.KVHeads, cfg.HeadDim, kvh)
		vh := extractHead(v.Data, tokens, cfg.KVHeads, cfg.HeadDim, kvh)

		kT := transposeLocal(kh, tokens, cfg.HeadDim)
		scores := make([]float32, tokens*tokens)
		kernel.MatMul(qh, kT, tokens, cfg.HeadDim, tokens, scores)

		probs := make([]float32, tokens*tokens)
		kernel.MaskedSoftmax(scores, tokens, tokens, scale, 0, probs)
		probsByHead[h] = probs

		ctxHead := make([]float32, tokens*cfg.HeadDim)
		kernel.MatMul(probs, vh, tokens, tokens, cfg.HeadDim, ctxHead)
		scatterHead(ctxData, ctxHead, tokens, cfg.Heads, cfg.HeadDim, h)
	}

	out, _ := tensor.FromSlice(ctxData, tokens, cfg.Heads*cfg.HeadDim)

	if q.RequiresGrad || k.RequiresGrad || v.RequiresGrad {
		out.AttachBackward(func(grad []float32) {
			dq := make([]float32, len(q.Data))
			dk := make([]float32, len(k.Data))
			dv := make([]float32, len(v.Data))

			for h := 0; h < cfg.Heads; h++ {
				kvh := h / group
				probs := probsByHead[h]
				vh := extractHead(v.Data, tokens, cfg.KVHeads, cfg.HeadDim, kvh)
				qh := extractHead(q.Data, tokens, cfg.Heads, cfg.HeadDim, h)
				kh := extractHead(k.Data, tokens, cfg.KVHeads, cfg.HeadDim, kvh)

				dCtx := extractHead(grad, tokens, cfg.Heads, cfg.HeadDim, h)

				// dV = probs^T @ dCtx ; dA = dCtx @ V^T
				probsT := transposeLocal(probs, tokens, tokens)
				dVh := make([]float32, tokens*cfg.HeadDim)
				kernel.MatMul(probsT, dCtx, tokens, tokens, cfg.HeadDim, dVh)

				vhT := transposeLocal(vh, tokens, cfg.HeadDim)
				dA := make([]float32, tokens*tokens)
				kernel.MatMul(dCtx, vhT, tokens, cfg.HeadDim, tokens, dA)

				dS := softmaxBackwardRows(probs, dA, tokens, tokens)
				for i := range dS {
					dS[i] *= scale
				}

				dSt := transposeLocal(dS, tokens, tokens)
				dQh := make([]float32, tokens*cfg.HeadDim)
				kernel.MatMul(dS, kh, tokens, tokens, cfg.HeadDim, dQh)
				dKh := make([]float32, tokens*cfg.HeadDim)
				kernel.MatMul(dSt, qh, tokens, tokens, cfg.HeadDim, dKh)

				scatterHead(dq, dQh, tokens, cfg.Heads, cfg.HeadDim, h)
				addHeadInto(dk, dKh, tokens, cfg.KVHeads, cfg.HeadDim, kvh)
				addHeadInto(dv, dVh, tokens, cfg.KVHeads, cfg.HeadDim, kvh)
			}

			if q.RequiresGrad {
				q.Accumulate(dq)
			}
			if k.RequiresGrad {
				k.Accumulate(dk)
			}
			if v.RequiresGrad {
				v.Accumulate(dv)
			}
		}, q, k, v)
	}
	return out, nil
}

// AttentionInfer computes grouped-query attention against already-assembled
// K/V ranges read from a cache (kvLen tokens, offset tokens already
// preceding the query block) with no autograd bookkeeping, used on the
// decode path. q is (tokens, heads*headDim); k, v are (kvLen,
// kvHeads*headDim).
func AttentionInfer(q, k, v []float32, cfg Config, tokens, kvLen, offset int) ([]float32, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scale := invSqrt(float32(cfg.HeadDim))
	group := cfg.GroupSize()
	ctx := make([]float32, tokens*cfg.Heads*cfg.HeadDim)

	for h := 0; h < cfg.Heads; h++ {
		kvh := h / group
		qh := extractHead(q, tokens, cfg.Heads, cfg.HeadDim, h)
		kh := extractHead(k, kvLen, cfg.KVHeads, cfg.HeadDim, kvh)
		vh := extractHead(v, kvLen, cfg.KVHeads, cfg.HeadDim, kvh)

		kT := transposeLocal(kh, kvLen, cfg.HeadDim)
		scores := make([]float32, tokens*kvLen)
		if err := kernel.MatMul(qh, kT, tokens, cfg.HeadDim, kvLen, scores); err != nil {
			return nil, err
		}

		probs := make([]float32, tokens*kvLen)
		if err := kernel.MaskedSoftmax(scores, tokens, kvLen, scale, offset, probs); err != nil {
			return nil, err
		}

		ctxHead := make([]float32, tokens*cfg.HeadDim)
		kernel.MatMul(probs, vh, tokens, kvLen, cfg.HeadDim, ctxHead)
		scatterHead(ctx, ctxHead, tokens, cfg.Heads, cfg.HeadDim, h)
	}
	return ctx, nil
}

func invSqrt(x float32) float32 {
	return float32(1 / math.Sqrt(float64(x)))
}

func extractHead(x []float32, tokens, heads, headDim, h int) []float32 {
	out := make([]float32, tokens*headDim)
	stride := heads * headDim
	for t := 0; t < tokens; t++ {
		copy(out[t*headDim:(t+1)*headDim], x[t*stride+h*headDim:t*stride+(h+1)*headDim])
	}
	return out
}

func scatterHead(dst, head []float32, tokens, heads, headDim, h int) {
	stride := heads * headDim
	for t := 0; t < tokens; t++ {
		copy(dst[t*stride+h*headDim:t*stride+(h+1)*headDim], head[t*headDim:(t+1)*headDim])
	}
}

func addHeadInto(dst, head []float32, tokens, heads, headDim, h int) {
	stride := heads * headDim
	for t := 0; t < tokens; t++ {
		d := dst[t*stride+h*headDim : t*stride+(h+1)*headDim]
		s := head[t*headDim : (t+1)*headDim]
		for i := range s {
			d[i] += s[i]
		}
	}
}

func transposeLocal(a []float32, rows, cols int) []float32 {
	out := make([]float32, len(a))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = a[r*cols+c]
		}
	}
	return out
}

// softmaxBackwardRows applies the softmax Jacobian row by row:
// dS_i = P_i * (dA_i - sum_j P_j*dA_j).
func softmaxBackwardRows(probs, dA []float32, rows, cols int) []float32 {
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		p := probs[r*cols : (r+1)*cols]
		da := dA[r*cols : (r+1)*cols]
		dst := out[r*cols : (r+1)*cols]
		var dot float32
		for i := range p {
			dot += p[i] * da[i]
		}
		for i := range p {
			dst[i] = p[i] * (da[i] - dot)
		}
	}
	return out
}
