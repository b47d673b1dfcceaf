package model

import (
	"fmt"
	"math/rand"

	"mhllama/pkg/model/attention"
	"mhllama/pkg/tensor"
)

// CausalLM is the surface shared by the reference and the multi-head model.
// Checkpoint persistence, the registry and generation work through it.
type CausalLM interface {
	ModelType() string
	ModelConfig() any
	NumHeads() int
	MaxPositions() int
	NamedParameters() []tensor.Named
	Parameter(name string) (*tensor.Tensor, bool)
	ForwardHeads(inputIDs *tensor.Tensor, headIdx []int) (*tensor.Tensor, error)
}

// LlamaForCausalLM is the single-head reference model.
//
// Architecture:
//  1. Token embeddings: lookup table (vocab_size, hidden)
//  2. Decoder layers: NumHiddenLayers pre-norm blocks with RoPE attention
//  3. Final RMSNorm
//  4. LM head: (vocab_size, hidden), no bias
type LlamaForCausalLM struct {
	Config      LlamaConfig
	EmbedTokens *tensor.Tensor // (vocab_size, hidden)
	Layers      []*DecoderLayer
	Norm        *RMSNorm
	LMHead      *Linear

	rope *attention.RoPEParams
}

// NewLlamaForCausalLM creates a reference model. Weights are drawn from rng;
// with a nil rng they stay zero (norms at one), ready to be loaded.
// It panics on an invalid config; call Validate first to get an error instead.
func NewLlamaForCausalLM(config LlamaConfig, rng *rand.Rand) *LlamaForCausalLM {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}

	rope := mustRoPE(config)
	m := &LlamaForCausalLM{
		Config:      config,
		EmbedTokens: tensor.NewTensor([]int{config.VocabSize, config.HiddenSize}),
		Layers:      make([]*DecoderLayer, config.NumHiddenLayers),
		Norm:        NewRMSNorm(config.HiddenSize, config.RMSNormEps),
		LMHead:      NewLinear(config.HiddenSize, config.VocabSize, false),
		rope:        rope,
	}
	for i := range m.Layers {
		m.Layers[i] = NewDecoderLayer(config, rope)
	}

	if rng != nil {
		initializeWeights(m.NamedParameters(), rng)
	}
	return m
}

func mustRoPE(config LlamaConfig) *attention.RoPEParams {
	rope, err := attention.ComputeRoPE(config.HeadDim(), config.MaxPositionEmbeddings, config.RopeTheta)
	if err != nil {
		panic(fmt.Sprintf("invalid RoPE config: %v", err))
	}
	return rope
}

func (m *LlamaForCausalLM) ModelType() string { return LlamaType }
func (m *LlamaForCausalLM) ModelConfig() any  { return m.Config }
func (m *LlamaForCausalLM) NumHeads() int     { return 1 }
func (m *LlamaForCausalLM) MaxPositions() int { return m.Config.MaxPositionEmbeddings }

// NamedParameters returns every tensor under its checkpoint name, in a fixed
// order: embeddings, layers, final norm, lm_head.
func (m *LlamaForCausalLM) NamedParameters() []tensor.Named {
	params := []tensor.Named{{Name: "model.embed_tokens.weight", Tensor: m.EmbedTokens}}
	for i, layer := range m.Layers {
		params = append(params, layer.NamedParameters(fmt.Sprintf("model.layers.%d", i))...)
	}
	params = append(params, m.Norm.NamedParameters("model.norm")...)
	params = append(params, m.LMHead.NamedParameters("lm_head")...)
	return params
}

// Parameter looks up a tensor by its checkpoint name.
func (m *LlamaForCausalLM) Parameter(name string) (*tensor.Tensor, bool) {
	return findParameter(m.NamedParameters(), name)
}

// Forward computes logits for inputIDs of shape (batch, seq).
//
// Output shape: (batch, seq, vocab_size)
func (m *LlamaForCausalLM) Forward(inputIDs *tensor.Tensor) (*tensor.Tensor, error) {
	x, mask, err := embedInput(m.EmbedTokens, inputIDs, m.Config.MaxPositionEmbeddings)
	if err != nil {
		return nil, err
	}

	for i, layer := range m.Layers {
		x, err = layer.Forward(x, mask)
		if err != nil {
			return nil, fmt.Errorf("failed in decoder layer %d: %w", i, err)
		}
	}

	x, err = m.Norm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final norm: %w", err)
	}

	logits, err := m.LMHead.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}
	return logits, nil
}

// ForwardHeads implements CausalLM. The reference model only has head 0.
func (m *LlamaForCausalLM) ForwardHeads(inputIDs *tensor.Tensor, headIdx []int) (*tensor.Tensor, error) {
	for s, h := range headIdx {
		if h != 0 {
			return nil, fmt.Errorf("head index %d at position %d out of range [0, 1)", h, s)
		}
	}
	return m.Forward(inputIDs)
}

// embedInput validates inputIDs, looks up their embeddings and builds the
// causal mask.
func embedInput(embTable, inputIDs *tensor.Tensor, maxPositions int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(inputIDs.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D input (batch, seq), got %dD", len(inputIDs.Shape))
	}
	seqLen := inputIDs.Shape[1]
	if seqLen == 0 {
		return nil, nil, fmt.Errorf("empty input sequence")
	}
	if seqLen > maxPositions {
		return nil, nil, fmt.Errorf("sequence length %d exceeds max_position_embeddings %d", seqLen, maxPositions)
	}

	x, err := lookupEmbeddings(embTable, inputIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lookup token embeddings: %w", err)
	}
	return x, tensor.CreateCausalMask(seqLen), nil
}

// lookupEmbeddings performs embedding lookup for token indices.
//
// embTable: (vocab_size, hidden)
// indices: (batch, seq)
// output: (batch, seq, hidden)
func lookupEmbeddings(embTable *tensor.Tensor, indices *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize := indices.Shape[0]
	seqLen := indices.Shape[1]
	vocabSize := embTable.Shape[0]
	embDim := embTable.Shape[1]

	output := tensor.NewTensor([]int{batchSize, seqLen, embDim})

	for b := 0; b < batchSize; b++ {
		for s := 0; s < seqLen; s++ {
			tokenID := int(indices.Get([]int{b, s}))
			if tokenID < 0 || tokenID >= vocabSize {
				return nil, fmt.Errorf("invalid token ID %d at position (%d, %d), vocab size is %d",
					tokenID, b, s, vocabSize)
			}

			srcOffset := tokenID * embDim
			dstOffset := (b*seqLen + s) * embDim
			copy(output.Data[dstOffset:dstOffset+embDim], embTable.Data[srcOffset:srcOffset+embDim])
		}
	}

	return output, nil
}
