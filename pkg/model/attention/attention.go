// Package attention implements the self-attention sub-block shared by the
// reference LLaMA model and its multi-head variant.
//
// One SelfAttention is built per decoder layer. It is never replicated across
// output branches: only the MLP and the output head fan out.
package attention

import (
	"fmt"
	"math"

	"mhllama/pkg/tensor"
)

// Config describes the shape of a grouped-query self-attention block.
type Config struct {
	HiddenSize int
	NumHeads   int // query heads
	NumKVHeads int // key/value heads; NumHeads must be a multiple of it
	Bias       bool
}

// HeadDim returns the dimension per attention head.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

// Validate checks that the head layout is consistent.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 {
		return fmt.Errorf("num_attention_heads (%d) and num_key_value_heads (%d) must be positive",
			c.NumHeads, c.NumKVHeads)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("hidden_size (%d) must be divisible by num_attention_heads (%d)",
			c.HiddenSize, c.NumHeads)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("num_attention_heads (%d) must be divisible by num_key_value_heads (%d)",
			c.NumHeads, c.NumKVHeads)
	}
	return nil
}

// SelfAttention implements grouped-query attention with rotary embeddings.
//
// Projection weights use the checkpoint layout (out_features, in_features):
//
//	q_proj: (num_heads*head_dim, hidden)
//	k_proj: (num_kv_heads*head_dim, hidden)
//	v_proj: (num_kv_heads*head_dim, hidden)
//	o_proj: (hidden, num_heads*head_dim)
//
// Biases are nil unless Config.Bias is set.
type SelfAttention struct {
	NumHeads   int
	NumKVHeads int
	GroupSize  int // NumHeads / NumKVHeads
	HeadDim    int
	HiddenSize int

	WQuery, WKey, WValue, WOut *tensor.Tensor
	BQuery, BKey, BValue, BOut *tensor.Tensor

	Rope *RoPEParams
}

// NewSelfAttention allocates a zero-initialised attention block. rope is shared
// between layers and may be nil for shape-only use (Forward then fails).
func NewSelfAttention(config Config, rope *RoPEParams) (*SelfAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	headDim := config.HeadDim()
	qDim := config.NumHeads * headDim
	kvDim := config.NumKVHeads * headDim

	a := &SelfAttention{
		NumHeads:   config.NumHeads,
		NumKVHeads: config.NumKVHeads,
		GroupSize:  config.NumHeads / config.NumKVHeads,
		HeadDim:    headDim,
		HiddenSize: config.HiddenSize,
		WQuery:     tensor.NewTensor([]int{qDim, config.HiddenSize}),
		WKey:       tensor.NewTensor([]int{kvDim, config.HiddenSize}),
		WValue:     tensor.NewTensor([]int{kvDim, config.HiddenSize}),
		WOut:       tensor.NewTensor([]int{config.HiddenSize, qDim}),
		Rope:       rope,
	}
	if config.Bias {
		a.BQuery = tensor.NewTensor([]int{qDim})
		a.BKey = tensor.NewTensor([]int{kvDim})
		a.BValue = tensor.NewTensor([]int{kvDim})
		a.BOut = tensor.NewTensor([]int{config.HiddenSize})
	}
	return a, nil
}

// NamedParameters lists the block's tensors under prefix
// (e.g. "model.layers.3.self_attn").
func (a *SelfAttention) NamedParameters(prefix string) []tensor.Named {
	params := []tensor.Named{
		{Name: prefix + ".q_proj.weight", Tensor: a.WQuery},
		{Name: prefix + ".k_proj.weight", Tensor: a.WKey},
		{Name: prefix + ".v_proj.weight", Tensor: a.WValue},
		{Name: prefix + ".o_proj.weight", Tensor: a.WOut},
	}
	if a.BQuery != nil {
		params = append(params,
			tensor.Named{Name: prefix + ".q_proj.bias", Tensor: a.BQuery},
			tensor.Named{Name: prefix + ".k_proj.bias", Tensor: a.BKey},
			tensor.Named{Name: prefix + ".v_proj.bias", Tensor: a.BValue},
			tensor.Named{Name: prefix + ".o_proj.bias", Tensor: a.BOut},
		)
	}
	return params
}

// Forward computes causal grouped-query attention.
//
// Input shapes:
//   - x: (batch, seq, hidden)
//   - mask: causal mask of shape (seq, seq), or nil for full attention
//
// Output shape: (batch, seq, hidden)
func (a *SelfAttention) Forward(x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, hidden), got %dD with shape %v",
			len(x.Shape), x.Shape)
	}
	if a.Rope == nil {
		return nil, fmt.Errorf("attention has no RoPE tables")
	}

	batchSize, seqLen := x.Shape[0], x.Shape[1]

	// Step 1: project to Q, K, V
	q, err := tensor.Linear(x, a.WQuery, a.BQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	k, err := tensor.Linear(x, a.WKey, a.BKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute K: %w", err)
	}
	v, err := tensor.Linear(x, a.WValue, a.BValue)
	if err != nil {
		return nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// Step 2: split heads, (batch, seq, h*d) -> (batch, h, seq, d)
	q, err = splitHeads(q, batchSize, seqLen, a.NumHeads, a.HeadDim)
	if err != nil {
		return nil, fmt.Errorf("failed to split Q heads: %w", err)
	}
	k, err = splitHeads(k, batchSize, seqLen, a.NumKVHeads, a.HeadDim)
	if err != nil {
		return nil, fmt.Errorf("failed to split K heads: %w", err)
	}
	v, err = splitHeads(v, batchSize, seqLen, a.NumKVHeads, a.HeadDim)
	if err != nil {
		return nil, fmt.Errorf("failed to split V heads: %w", err)
	}

	// Step 3: rotary position embeddings on Q and K
	q, err = ApplyRoPE(q, a.Rope, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to apply RoPE to Q: %w", err)
	}
	k, err = ApplyRoPE(k, a.Rope, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to apply RoPE to K: %w", err)
	}

	// Step 4: share each KV head across GroupSize query heads
	k = k.Expand(1, a.GroupSize)
	v = v.Expand(1, a.GroupSize)

	// Step 5: scaled scores, (batch, h, seq, seq)
	kt, err := k.Transpose(2, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to transpose K: %w", err)
	}
	scores, err := tensor.Matmul(q, kt)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(float32(1.0 / math.Sqrt(float64(a.HeadDim))))
	if mask != nil {
		scores = tensor.ApplyMask(scores, mask)
	}

	weights, err := tensor.Softmax(scores)
	if err != nil {
		return nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// Step 6: weighted values and merge heads back to (batch, seq, hidden)
	out, err := tensor.Matmul(weights, v)
	if err != nil {
		return nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}
	out, err = out.Transpose(1, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to transpose attention output: %w", err)
	}
	out = out.Reshape([]int{batchSize, seqLen, a.NumHeads * a.HeadDim})

	// Step 7: output projection
	output, err := tensor.Linear(out, a.WOut, a.BOut)
	if err != nil {
		return nil, fmt.Errorf("failed to apply output projection: %w", err)
	}
	return output, nil
}

func splitHeads(t *tensor.Tensor, batchSize, seqLen, numHeads, headDim int) (*tensor.Tensor, error) {
	view, err := t.View([]int{batchSize, seqLen, numHeads, headDim})
	if err != nil {
		return nil, err
	}
	return view.Transpose(1, 2)
}
