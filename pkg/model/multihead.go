package model

import (
	"fmt"
	"math/rand"

	"mhllama/pkg/model/attention"
	"mhllama/pkg/tensor"
)

// MultiheadLlamaForCausalLM is a LLaMA model with NumHeads output heads.
//
// Every decoder layer shares its attention across heads but owns one MLP per
// head, and the model owns one (vocab_size, hidden) projection per head in
// place of lm_head. Positions are routed to a head by a per-position index.
type MultiheadLlamaForCausalLM struct {
	Config      MHLlamaConfig
	EmbedTokens *tensor.Tensor // (vocab_size, hidden)
	Layers      []*MultiBranchDecoderLayer
	Norm        *RMSNorm
	Heads       []*Linear // NumHeads x (vocab_size, hidden)

	rope *attention.RoPEParams
}

// NewMultiheadLlamaForCausalLM creates a multi-head model. Weights are drawn
// from rng; with a nil rng they stay zero (norms at one). It panics on an
// invalid config.
func NewMultiheadLlamaForCausalLM(config MHLlamaConfig, rng *rand.Rand) *MultiheadLlamaForCausalLM {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}

	rope := mustRoPE(config.LlamaConfig)
	m := &MultiheadLlamaForCausalLM{
		Config:      config,
		EmbedTokens: tensor.NewTensor([]int{config.VocabSize, config.HiddenSize}),
		Layers:      make([]*MultiBranchDecoderLayer, config.NumHiddenLayers),
		Norm:        NewRMSNorm(config.HiddenSize, config.RMSNormEps),
		Heads:       make([]*Linear, config.NumHeads),
		rope:        rope,
	}
	for i := range m.Layers {
		m.Layers[i] = NewMultiBranchDecoderLayer(config.LlamaConfig, config.NumHeads, rope)
	}
	for h := range m.Heads {
		m.Heads[h] = NewLinear(config.HiddenSize, config.VocabSize, config.HeadBias)
	}

	if rng != nil {
		initializeWeights(m.NamedParameters(), rng)
	}
	return m
}

func (m *MultiheadLlamaForCausalLM) ModelType() string { return MHLlamaType }
func (m *MultiheadLlamaForCausalLM) ModelConfig() any  { return m.Config }
func (m *MultiheadLlamaForCausalLM) NumHeads() int     { return len(m.Heads) }
func (m *MultiheadLlamaForCausalLM) MaxPositions() int { return m.Config.MaxPositionEmbeddings }

// NamedParameters returns every tensor under its checkpoint name: embeddings,
// layers (with mlp.<h> branches), final norm, then heads.<h>.
func (m *MultiheadLlamaForCausalLM) NamedParameters() []tensor.Named {
	params := []tensor.Named{{Name: "model.embed_tokens.weight", Tensor: m.EmbedTokens}}
	for i, layer := range m.Layers {
		params = append(params, layer.NamedParameters(fmt.Sprintf("model.layers.%d", i))...)
	}
	params = append(params, m.Norm.NamedParameters("model.norm")...)
	for h, head := range m.Heads {
		params = append(params, head.NamedParameters(fmt.Sprintf("heads.%d", h))...)
	}
	return params
}

// Parameter looks up a tensor by its checkpoint name.
func (m *MultiheadLlamaForCausalLM) Parameter(name string) (*tensor.Tensor, bool) {
	return findParameter(m.NamedParameters(), name)
}

// Forward computes logits for inputIDs of shape (batch, seq).
//
// headIdx selects, per sequence position, which MLP branch (in every layer) and
// which output head produce that position. It must have length seq; nil routes
// every position through head 0. The same routing applies to every batch row.
//
// Output shape: (batch, seq, vocab_size)
func (m *MultiheadLlamaForCausalLM) Forward(inputIDs *tensor.Tensor, headIdx []int) (*tensor.Tensor, error) {
	x, mask, err := embedInput(m.EmbedTokens, inputIDs, m.Config.MaxPositionEmbeddings)
	if err != nil {
		return nil, err
	}

	seqLen := inputIDs.Shape[1]
	if headIdx == nil {
		headIdx = make([]int, seqLen)
	}
	if len(headIdx) != seqLen {
		return nil, fmt.Errorf("head index has %d entries, sequence has %d positions", len(headIdx), seqLen)
	}
	for s, h := range headIdx {
		if h < 0 || h >= len(m.Heads) {
			return nil, fmt.Errorf("head index %d at position %d out of range [0, %d)", h, s, len(m.Heads))
		}
	}

	for i, layer := range m.Layers {
		x, err = layer.Forward(x, mask, headIdx)
		if err != nil {
			return nil, fmt.Errorf("failed in decoder layer %d: %w", i, err)
		}
	}

	x, err = m.Norm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final norm: %w", err)
	}

	batchSize, hidden := x.Shape[0], x.Shape[2]
	vocab := m.Config.VocabSize
	logits := tensor.NewTensor([]int{batchSize, seqLen, vocab})
	for b := 0; b < batchSize; b++ {
		for s := 0; s < seqLen; s++ {
			row := b*seqLen + s
			hs, err := tensor.FromSlice(x.Data[row*hidden:(row+1)*hidden], []int{1, hidden})
			if err != nil {
				return nil, err
			}
			out, err := m.Heads[headIdx[s]].Forward(hs)
			if err != nil {
				return nil, fmt.Errorf("failed to compute logits of head %d: %w", headIdx[s], err)
			}
			copy(logits.Data[row*vocab:(row+1)*vocab], out.Data)
		}
	}
	return logits, nil
}

// ForwardHeads implements CausalLM.
func (m *MultiheadLlamaForCausalLM) ForwardHeads(inputIDs *tensor.Tensor, headIdx []int) (*tensor.Tensor, error) {
	return m.Forward(inputIDs, headIdx)
}
