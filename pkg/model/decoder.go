package model

import (
	"fmt"
	"strconv"

	"mhllama/pkg/model/attention"
	"mhllama/pkg/tensor"
)

// DecoderLayer is one pre-norm LLaMA decoder layer:
//
//	h   = x + self_attn(input_layernorm(x))
//	out = h + mlp(post_attention_layernorm(h))
type DecoderLayer struct {
	SelfAttn               *attention.SelfAttention
	MLP                    *MLP
	InputLayerNorm         *RMSNorm
	PostAttentionLayerNorm *RMSNorm
}

// MultiBranchDecoderLayer shares one attention block and both norms across
// every branch, but carries one MLP per output head. Position s of a sequence is
// routed through MLP[headIdx[s]].
type MultiBranchDecoderLayer struct {
	SelfAttn               *attention.SelfAttention
	MLP                    []*MLP
	InputLayerNorm         *RMSNorm
	PostAttentionLayerNorm *RMSNorm
}

func newAttention(cfg LlamaConfig, rope *attention.RoPEParams) *attention.SelfAttention {
	attn, err := attention.NewSelfAttention(attention.Config{
		HiddenSize: cfg.HiddenSize,
		NumHeads:   cfg.NumAttentionHeads,
		NumKVHeads: cfg.NumKeyValueHeads,
		Bias:       cfg.AttentionBias,
	}, rope)
	if err != nil {
		panic(fmt.Sprintf("invalid attention config: %v", err))
	}
	return attn
}

// NewDecoderLayer allocates a reference decoder layer.
func NewDecoderLayer(cfg LlamaConfig, rope *attention.RoPEParams) *DecoderLayer {
	return &DecoderLayer{
		SelfAttn:               newAttention(cfg, rope),
		MLP:                    NewMLP(cfg.HiddenSize, cfg.IntermediateSize, cfg.MLPBias),
		InputLayerNorm:         NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		PostAttentionLayerNorm: NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
	}
}

// NewMultiBranchDecoderLayer allocates a decoder layer with numHeads MLP branches.
func NewMultiBranchDecoderLayer(cfg LlamaConfig, numHeads int, rope *attention.RoPEParams) *MultiBranchDecoderLayer {
	branches := make([]*MLP, numHeads)
	for h := range branches {
		branches[h] = NewMLP(cfg.HiddenSize, cfg.IntermediateSize, cfg.MLPBias)
	}
	return &MultiBranchDecoderLayer{
		SelfAttn:               newAttention(cfg, rope),
		MLP:                    branches,
		InputLayerNorm:         NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		PostAttentionLayerNorm: NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
	}
}

// attentionResidual computes x + self_attn(input_layernorm(x)).
func attentionResidual(attn *attention.SelfAttention, norm *RMSNorm, x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := norm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("input layernorm: %w", err)
	}
	attnOut, err := attn.Forward(normed, mask)
	if err != nil {
		return nil, fmt.Errorf("self attention: %w", err)
	}
	return tensor.Add(x, attnOut)
}

// Forward applies the layer to x of shape (batch, seq, hidden).
func (l *DecoderLayer) Forward(x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := attentionResidual(l.SelfAttn, l.InputLayerNorm, x, mask)
	if err != nil {
		return nil, err
	}

	normed, err := l.PostAttentionLayerNorm.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("post-attention layernorm: %w", err)
	}
	mlpOut, err := l.MLP.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	return tensor.Add(h, mlpOut)
}

// Forward applies the layer to x of shape (batch, seq, hidden). headIdx has one
// entry per sequence position and must already be range-checked.
func (l *MultiBranchDecoderLayer) Forward(x, mask *tensor.Tensor, headIdx []int) (*tensor.Tensor, error) {
	h, err := attentionResidual(l.SelfAttn, l.InputLayerNorm, x, mask)
	if err != nil {
		return nil, err
	}

	normed, err := l.PostAttentionLayerNorm.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("post-attention layernorm: %w", err)
	}

	batchSize, seqLen, hidden := normed.Shape[0], normed.Shape[1], normed.Shape[2]
	mlpOut := tensor.NewTensor(normed.Shape)

	// Group rows by branch so every branch runs once over its own positions.
	rowsByHead := make(map[int][]int)
	var order []int
	for b := 0; b < batchSize; b++ {
		for s := 0; s < seqLen; s++ {
			head := headIdx[s]
			if _, ok := rowsByHead[head]; !ok {
				order = append(order, head)
			}
			rowsByHead[head] = append(rowsByHead[head], b*seqLen+s)
		}
	}

	for _, head := range order {
		rows := rowsByHead[head]
		gathered := tensor.NewTensor([]int{len(rows), hidden})
		for i, r := range rows {
			copy(gathered.Data[i*hidden:(i+1)*hidden], normed.Data[r*hidden:(r+1)*hidden])
		}
		out, err := l.MLP[head].Forward(gathered)
		if err != nil {
			return nil, fmt.Errorf("mlp branch %d: %w", head, err)
		}
		for i, r := range rows {
			copy(mlpOut.Data[r*hidden:(r+1)*hidden], out.Data[i*hidden:(i+1)*hidden])
		}
	}

	return tensor.Add(h, mlpOut)
}

// NamedParameters lists the layer's tensors under prefix ("model.layers.<i>").
func (l *DecoderLayer) NamedParameters(prefix string) []tensor.Named {
	var params []tensor.Named
	params = append(params, l.SelfAttn.NamedParameters(prefix+".self_attn")...)
	params = append(params, l.MLP.NamedParameters(prefix+".mlp")...)
	params = append(params, l.InputLayerNorm.NamedParameters(prefix+".input_layernorm")...)
	params = append(params, l.PostAttentionLayerNorm.NamedParameters(prefix+".post_attention_layernorm")...)
	return params
}

// NamedParameters lists the layer's tensors under prefix; branch h of the MLP
// lives under "<prefix>.mlp.<h>".
func (l *MultiBranchDecoderLayer) NamedParameters(prefix string) []tensor.Named {
	var params []tensor.Named
	params = append(params, l.SelfAttn.NamedParameters(prefix+".self_attn")...)
	for h, branch := range l.MLP {
		params = append(params, branch.NamedParameters(prefix+".mlp."+strconv.Itoa(h))...)
	}
	params = append(params, l.InputLayerNorm.NamedParameters(prefix+".input_layernorm")...)
	params = append(params, l.PostAttentionLayerNorm.NamedParameters(prefix+".post_attention_layernorm")...)
	return params
}
