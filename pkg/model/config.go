// Package model provides LLaMA-family causal language models: the single-head
// reference model and its multi-head variant.
//
// Key features:
//   - RMSNorm (weight only)
//   - SwiGLU feed-forward
//   - Grouped-Query Attention with RoPE (see the attention subpackage)
//   - Multi-head variant: every decoder layer carries num_heads MLP branches
//     and the model carries num_heads output heads
package model

import (
	"errors"
	"fmt"
)

// Model type tags as written to config.json.
const (
	LlamaType   = "llama"
	MHLlamaType = "mhllama"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid model config")

// LlamaConfig holds the hyperparameters of a LLaMA model. JSON tags follow the
// Hugging Face config.json keys so checkpoints stay interchangeable.
type LlamaConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`

	VocabSize             int `json:"vocab_size"`
	HiddenSize            int `json:"hidden_size"`
	IntermediateSize      int `json:"intermediate_size"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	NumKeyValueHeads      int `json:"num_key_value_heads"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	RMSNormEps float32 `json:"rms_norm_eps"`
	RopeTheta  float32 `json:"rope_theta"`

	AttentionBias bool `json:"attention_bias"`
	MLPBias       bool `json:"mlp_bias"`

	BosTokenID int `json:"bos_token_id"`
	EosTokenID int `json:"eos_token_id"`
	PadTokenID int `json:"pad_token_id"`
}

// DefaultLlamaConfig returns the LLaMA-2-7B configuration.
func DefaultLlamaConfig() LlamaConfig {
	return LlamaConfig{
		ModelType:             LlamaType,
		Architectures:         []string{"LlamaForCausalLM"},
		VocabSize:             32000,
		HiddenSize:            4096,
		IntermediateSize:      11008,
		NumHiddenLayers:       32,
		NumAttentionHeads:     32,
		NumKeyValueHeads:      32,
		MaxPositionEmbeddings: 4096,
		RMSNormEps:            1e-5,
		RopeTheta:             10000.0,
		BosTokenID:            1,
		EosTokenID:            2,
		PadTokenID:            0,
	}
}

// Validate checks if the configuration is valid and consistent.
func (c LlamaConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"intermediate_size", c.IntermediateSize},
		{"num_hidden_layers", c.NumHiddenLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"num_key_value_heads", c.NumKeyValueHeads},
		{"max_position_embeddings", c.MaxPositionEmbeddings},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("%w: hidden_size (%d) must be divisible by num_attention_heads (%d)",
			ErrInvalidConfig, c.HiddenSize, c.NumAttentionHeads)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("%w: num_attention_heads (%d) must be divisible by num_key_value_heads (%d)",
			ErrInvalidConfig, c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("%w: head dimension (%d) must be even for RoPE", ErrInvalidConfig, c.HeadDim())
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("%w: rms_norm_eps must be positive, got %g", ErrInvalidConfig, c.RMSNormEps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("%w: rope_theta must be positive, got %g", ErrInvalidConfig, c.RopeTheta)
	}
	return nil
}

// HeadDim returns the dimension per attention head.
func (c LlamaConfig) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// MHLlamaConfig is a LlamaConfig extended with the number of output heads.
//
// NumHeads is both the number of MLP branches per decoder layer and the number
// of output heads. Head 0 decodes prompt text; head i > 0 decodes column i of a
// cloze template (see ColumnHeadSchedule).
type MHLlamaConfig struct {
	LlamaConfig

	NumHeads     int  `json:"num_heads"`
	ColTokenID   int  `json:"col_token_id"`
	MaxColumnLen int  `json:"max_column_len"`
	HeadBias     bool `json:"head_bias"`
}

// ConfigOption overrides one field of a MHLlamaConfig.
type ConfigOption func(*MHLlamaConfig)

// NewMHLlamaConfig derives a multi-head configuration from base. Fields not
// touched by opts keep the base values; the type tag is always "mhllama".
func NewMHLlamaConfig(base LlamaConfig, opts ...ConfigOption) MHLlamaConfig {
	cfg := MHLlamaConfig{
		LlamaConfig:  base,
		NumHeads:     1,
		ColTokenID:   -1,
		MaxColumnLen: 15,
	}
	cfg.Architectures = []string{"MultiheadLlamaForCausalLM"}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.ModelType = MHLlamaType
	return cfg
}

func WithNumHeads(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.NumHeads = n }
}

func WithVocabSize(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.VocabSize = n }
}

func WithHiddenSize(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.HiddenSize = n }
}

func WithIntermediateSize(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.IntermediateSize = n }
}

func WithNumLayers(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.NumHiddenLayers = n }
}

func WithNumAttentionHeads(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.NumAttentionHeads = n }
}

func WithNumKeyValueHeads(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.NumKeyValueHeads = n }
}

func WithMaxPositionEmbeddings(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.MaxPositionEmbeddings = n }
}

// WithColTokenID sets the column separator token; -1 leaves it unset.
func WithColTokenID(id int) ConfigOption {
	return func(c *MHLlamaConfig) { c.ColTokenID = id }
}

func WithMaxColumnLen(n int) ConfigOption {
	return func(c *MHLlamaConfig) { c.MaxColumnLen = n }
}

// WithHeadBias gives every output head a bias vector (zero after transplant).
func WithHeadBias(on bool) ConfigOption {
	return func(c *MHLlamaConfig) { c.HeadBias = on }
}

// Validate checks the base fields plus the multi-head extension.
func (c MHLlamaConfig) Validate() error {
	if err := c.LlamaConfig.Validate(); err != nil {
		return err
	}
	if c.NumHeads < 1 {
		return fmt.Errorf("%w: num_heads must be at least 1, got %d", ErrInvalidConfig, c.NumHeads)
	}
	if c.MaxColumnLen < 1 {
		return fmt.Errorf("%w: max_column_len must be positive, got %d", ErrInvalidConfig, c.MaxColumnLen)
	}
	if c.ColTokenID < -1 || c.ColTokenID >= c.VocabSize {
		return fmt.Errorf("%w: col_token_id %d outside vocabulary of %d", ErrInvalidConfig, c.ColTokenID, c.VocabSize)
	}
	return nil
}
