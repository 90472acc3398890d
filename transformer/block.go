package transformer

import (
	"github.com/tinyforge/engine/tensor"
)

// CacheBinding is the slice of a KV-cache session a decoder block needs:
// staged K/V writes for newly computed positions, and ranged reads over
// every staged position, including ones written earlier in the same forward
// pass and not yet committed. Implemented by kvcache.Session and by
// kvcache's quantized-session binding.
type CacheBinding interface {
	WriteK(layerIdx, from, to int, data []float32) error
	WriteV(layerIdx, from, to int, data []float32) error
	ReadK(layerIdx, upto int) ([]float32, error)
	ReadV(layerIdx, upto int) ([]float32, error)
	CurrentTokenCount() int
}

// Block is one decoder layer: pre-attention norm, grouped-query causal
// self-attention, residual add, pre-MLP norm, GELU MLP, residual add.
type Block struct {
	Index int
	Cfg   Config

	AttnNormGain *tensor.Parameter
	AttnNormBias *tensor.Parameter
	QProj        *tensor.Parameter
	QBias        *tensor.Parameter
	KProj        *tensor.Parameter
	KBias        *tensor.Parameter
	VProj        *tensor.Parameter
	VBias        *tensor.Parameter
	OProj        *tensor.Parameter
	OBias        *tensor.Parameter

	MLPNormGain *tensor.Parameter
	MLPNormBias *tensor.Parameter
	MLPUp       *tensor.Parameter
	MLPUpBias   *tensor.Parameter
	MLPDown     *tensor.Parameter
	MLPDownBias *tensor.Parameter
}

// NewBlock allocates a Block's parameters, zero-initialized (callers load
// weights from a checkpoint afterward).
func NewBlock(index int, cfg Config) *Block {
	h := cfg.HiddenSize
	kvDim := cfg.KVHeads * cfg.HeadDim
	return &Block{
		Index: index,
		Cfg:   cfg,

		AttnNormGain: tensor.NewParameter("attn_norm.gain", h),
		AttnNormBias: tensor.NewParameter("attn_norm.bias", h),
		QProj:        tensor.NewParameter("q_proj", h, h),
		QBias:        tensor.NewParameter("q_bias", h),
		KProj:        tensor.NewParameter("k_proj", h, kvDim),
		KBias:        tensor.NewParameter("k_bias", kvDim),
		VProj:        tensor.NewParameter("v_proj", h, kvDim),
		VBias:        tensor.NewParameter("v_bias", kvDim),
		OProj:        tensor.NewParameter("o_proj", h, h),
		OBias:        tensor.NewParameter("o_bias", h),

		MLPNormGain: tensor.NewParameter("mlp_norm.gain", h),
		MLPNormBias: tensor.NewParameter("mlp_norm.bias", h),
		MLPUp:       tensor.NewParameter("mlp_up", h, cfg.MLPHidden),
		MLPUpBias:   tensor.NewParameter("mlp_up_bias", cfg.MLPHidden),
		MLPDown:     tensor.NewParameter("mlp_down", cfg.MLPHidden, h),
		MLPDownBias: tensor.NewParameter("mlp_down_bias", h),
	}
}

// Parameters returns every trainable tensor owned directly by this block,
// for an optimizer's parameter list.
func (b *Block) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{
		b.AttnNormGain, b.AttnNormBias,
		b.QProj, b.QBias, b.KProj, b.KBias, b.VProj, b.VBias, b.OProj, b.OBias,
		b.MLPNormGain, b.MLPNormBias,
		b.MLPUp, b.MLPUpBias, b.MLPDown, b.MLPDownBias,
	}
}

// ForwardTrain runs the full unbound (cache-free) decoder block over a
// (tokens, hidden) input, building an autograd graph end to end.
func (b *Block) ForwardTrain(x *tensor.Tensor, tokens int) (*tensor.Tensor, error) {
	h := b.Cfg.HiddenSize
	normed, err := tensor.LayerNorm(x, b.AttnNormGain.Tensor, b.AttnNormBias.Tensor, tokens, h)
	if err != nil {
		return nil, err
	}

	q, err := tensor.Linear(normed, b.QProj.Tensor, b.QBias.Tensor, tokens, h, h)
	if err != nil {
		return nil, err
	}
	kvDim := b.Cfg.KVHeads * b.Cfg.HeadDim
	k, err := tensor.Linear(normed, b.KProj.Tensor, b.KBias.Tensor, tokens, h, kvDim)
	if err != nil {
		return nil, err
	}
	v, err := tensor.Linear(normed, b.VProj.Tensor, b.VBias.Tensor, tokens, h, kvDim)
	if err != nil {
		return nil, err
	}

	ApplyRoPE(q.Data, tokens, b.Cfg.Heads, b.Cfg.HeadDim, 0, b.Cfg.RopeTheta)
	ApplyRoPE(k.Data, tokens, b.Cfg.KVHeads, b.Cfg.HeadDim, 0, b.Cfg.RopeTheta)

	attnOut, err := AttentionTrain(q, k, v, b.Cfg, tokens)
	if err != nil {
		return nil, err
	}
	proj, err := tensor.Linear(attnOut, b.OProj.Tensor, b.OBias.Tensor, tokens, h, h)
	if err != nil {
		return nil, err
	}
	resid1, err := tensor.ResidualAdd(x, proj)
	if err != nil {
		return nil, err
	}

	normed2, err := tensor.LayerNorm(resid1, b.MLPNormGain.Tensor, b.MLPNormBias.Tensor, tokens, h)
	if err != nil {
		return nil, err
	}
	up, err := tensor.Linear(normed2, b.MLPUp.Tensor, b.MLPUpBias.Tensor, tokens, h, b.Cfg.MLPHidden)
	if err != nil {
		return nil, err
	}
	act, err := tensor.GELU(up)
	if err != nil {
		return nil, err
	}
	down, err := tensor.Linear(act, b.MLPDown.Tensor, b.MLPDownBias.Tensor, tokens, b.Cfg.MLPHidden, h)
	if err != nil {
		return nil, err
	}
	return tensor.ResidualAdd(resid1, down)
}

// ForwardInfer runs the cache-bound decode path over just the newly
// appended tokens: projects Q/K/V for xData alone, applies RoPE to Q and K
// at positions starting from startPos, stages the new K/V into cache, and
// attends over [0, startPos+tokens), which includes the just-staged
// positions. Returns the block's output for
// the new tokens only ((tokens, hidden)); the caller commits the staged
// cache writes once every block in the stack has run.
func (b *Block) ForwardInfer(xData []float32, tokens int, cache CacheBinding, startPos int) ([]float32, error) {
	h := b.Cfg.HiddenSize
	normed := rawLayerNorm(xData, tokens, h, b.AttnNormGain.Data, b.AttnNormBias.Data)

	q := rawLinear(normed, b.QProj.Data, b.QBias.Data, tokens, h, h)
	kvDim := b.Cfg.KVHeads * b.Cfg.HeadDim
	k := rawLinear(normed, b.KProj.Data, b.KBias.Data, tokens, h, kvDim)
	v := rawLinear(normed, b.VProj.Data, b.VBias.Data, tokens, h, kvDim)

	ApplyRoPE(q, tokens, b.Cfg.Heads, b.Cfg.HeadDim, startPos, b.Cfg.RopeTheta)
	ApplyRoPE(k, tokens, b.Cfg.KVHeads, b.Cfg.HeadDim, startPos, b.Cfg.RopeTheta)

	if err := cache.WriteK(b.Index, startPos, startPos+tokens, k); err != nil {
		return nil, err
	}
	if err := cache.WriteV(b.Index, startPos, startPos+tokens, v); err != nil {
		return nil, err
	}

	kvLen := startPos + tokens
	allK, err := cache.ReadK(b.Index, kvLen)
	if err != nil {
		return nil, err
	}
	allV, err := cache.ReadV(b.Index, kvLen)
	if err != nil {
		return nil, err
	}

	attnOut, err := AttentionInfer(q, allK, allV, b.Cfg, tokens, kvLen, startPos)
	if err != nil {
		return nil, err
	}
	proj := rawLinear(attnOut, b.OProj.Data, b.OBias.Data, tokens, h, h)
	resid1 := make([]float32, len(xData))
	for i := range resid1 {
		resid1[i] = xData[i] + proj[i]
	}

	normed2 := rawLayerNorm(resid1, tokens, h, b.MLPNormGain.Data, b.MLPNormBias.Data)
	up := rawLinear(normed2, b.MLPUp.Data, b.MLPUpBias.Data, tokens, h, b.Cfg.MLPHidden)
	act := rawGELU(up)
	down := rawLinear(act, b.MLPDown.Data, b.MLPDownBias.Data, tokens, b.Cfg.MLPHidden, h)

	out := make([]float32, len(resid1))
	for i := range out {
		out[i] = resid1[i] + down[i]
	}
	return out, nil
}
