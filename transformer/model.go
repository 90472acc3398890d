package transformer

import "github.com/tinyforge/engine/tensor"

// Model is a full decoder-only stack: token embedding, a sequence of
// Blocks, a final layer norm, and an untied LM head (a parameter separate
// from the embedding) projecting back to vocabulary logits.
type Model struct {
	Cfg   Config
	Embed *tensor.Parameter
	Blocks []*Block

	FinalNormGain *tensor.Parameter
	FinalNormBias *tensor.Parameter
	LMHead        *tensor.Parameter
}

// NewModel allocates a Model's parameters for the given configuration,
// zero-initialized.
func NewModel(cfg Config) *Model {
	blocks := make([]*Block, cfg.Layers)
	for i := range blocks {
		blocks[i] = NewBlock(i, cfg)
	}
	return &Model{
		Cfg:           cfg,
		Embed:         tensor.NewParameter("embed", cfg.VocabSize, cfg.HiddenSize),
		Blocks:        blocks,
		FinalNormGain: tensor.NewParameter("final_norm.gain", cfg.HiddenSize),
		FinalNormBias: tensor.NewParameter("final_norm.bias", cfg.HiddenSize),
		LMHead:        tensor.NewParameter("lm_head", cfg.HiddenSize, cfg.VocabSize),
	}
}

// Parameters returns every trainable tensor in the model.
func (m *Model) Parameters() []*tensor.Parameter {
	params := []*tensor.Parameter{m.Embed, m.FinalNormGain, m.FinalNormBias, m.LMHead}
	for _, b := range m.Blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

// ForwardTrain embeds tokenIDs, runs every block unbound, and returns the
// (tokens, vocab) logit tensor with a full autograd graph attached.
func (m *Model) ForwardTrain(tokenIDs []int) (*tensor.Tensor, error) {
	tokens := len(tokenIDs)
	x, err := tensor.Embedding(m.Embed.Tensor, tokenIDs, m.Cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	for _, b := range m.Blocks {
		x, err = b.ForwardTrain(x, tokens)
		if err != nil {
			return nil, err
		}
	}
	normed, err := tensor.LayerNorm(x, m.FinalNormGain.Tensor, m.FinalNormBias.Tensor, tokens, m.Cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return tensor.Linear(normed, m.LMHead.Tensor, nil, tokens, m.Cfg.HiddenSize, m.Cfg.VocabSize)
}

// ForwardInfer runs the cache-bound decode path for newTokenIDs (the
// tokens not yet written to the cache), returning the logits for just
// those positions ((len(newTokenIDs), vocab)).
func (m *Model) ForwardInfer(newTokenIDs []int, caches []CacheBinding, startPos int) ([]float32, error) {
	tokens := len(newTokenIDs)
	x := rawEmbed(m.Embed.Data, newTokenIDs, m.Cfg.HiddenSize)

	for i, b := range m.Blocks {
		var err error
		x, err = b.ForwardInfer(x, tokens, caches[i], startPos)
		if err != nil {
			return nil, err
		}
	}
	normed := rawLayerNorm(x, tokens, m.Cfg.HiddenSize, m.FinalNormGain.Data, m.FinalNormBias.Data)
	return rawLinear(normed, m.LMHead.Data, nil, tokens, m.Cfg.HiddenSize, m.Cfg.VocabSize), nil
}

func rawEmbed(table []float32, ids []int, dim int) []float32 {
	out := make([]float32, len(ids)*dim)
	for i, id := range ids {
		copy(out[i*dim:(i+1)*dim], table[id*dim:(id+1)*dim])
	}
	return out
}
