package registry

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mhllama/pkg/checkpoint"
	"mhllama/pkg/model"
	"mhllama/pkg/tensor"
	"mhllama/pkg/transplant"
)

func smallConfig() model.LlamaConfig {
	return model.LlamaConfig{
		ModelType:             model.LlamaType,
		VocabSize:             100,
		HiddenSize:            8,
		IntermediateSize:      16,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		NumKeyValueHeads:      2,
		MaxPositionEmbeddings: 16,
		RMSNormEps:            1e-5,
		RopeTheta:             10000,
	}
}

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"mhllama", "mhllama"},
		{"MHLlama", "mhllama"},
		{"  llama ", "llama"},
		{"ｍｈｌｌａｍａ", "mhllama"}, // fullwidth forms fold under NFKC
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTag(tt.in), tt.in)
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, []string{"llama", "mhllama"}, r.Types())

	f, err := r.Lookup("MHLLAMA")
	require.NoError(t, err)
	assert.NotNil(t, f)

	err = r.Register("LLaMA", func([]byte) (model.CausalLM, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDuplicateType)

	assert.Error(t, r.Register(" ", func([]byte) (model.CausalLM, error) { return nil, nil }))
	assert.Error(t, r.Register("other", nil))
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewWithBuiltins()

	_, err := r.Lookup("gpt2")
	require.ErrorIs(t, err, ErrUnknownType)

	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "gpt2", unknown.Tag)
	assert.Equal(t, []string{"llama", "mhllama"}, unknown.Known)
}

func TestRegistry_Independent(t *testing.T) {
	a, b := New(), New()
	require.NoError(t, a.Register("custom", func([]byte) (model.CausalLM, error) { return nil, nil }))

	assert.Equal(t, []string{"custom"}, a.Types())
	assert.Empty(t, b.Types())
}

func TestFromPretrained_Multihead(t *testing.T) {
	dir := t.TempDir()
	cfg := model.NewMHLlamaConfig(smallConfig(), model.WithNumHeads(5), model.WithColTokenID(3))
	saved := model.NewMultiheadLlamaForCausalLM(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, checkpoint.Save(dir, saved))

	loaded, err := NewWithBuiltins().FromPretrained(context.Background(), dir)
	require.NoError(t, err)

	mh, ok := loaded.(*model.MultiheadLlamaForCausalLM)
	require.True(t, ok, "got %T", loaded)
	assert.Equal(t, cfg, mh.Config)
	assert.Equal(t, 5, mh.NumHeads())

	want, got := saved.NamedParameters(), mh.NamedParameters()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.True(t, want[i].Tensor.BitEqual(got[i].Tensor), want[i].Name)
	}
}

func TestFromPretrained_Reference(t *testing.T) {
	dir := t.TempDir()
	saved := model.NewLlamaForCausalLM(smallConfig(), rand.New(rand.NewSource(2)))
	require.NoError(t, checkpoint.Save(dir, saved))

	loaded, err := NewWithBuiltins().FromPretrained(context.Background(), dir)
	require.NoError(t, err)
	ref, ok := loaded.(*model.LlamaForCausalLM)
	require.True(t, ok, "got %T", loaded)
	assert.True(t, ref.LMHead.Weight.BitEqual(saved.LMHead.Weight))
}

// Reference -> transplant -> save -> reload keeps every branch identical and
// reproduces the reference logits.
func TestFromPretrained_AfterTransplant(t *testing.T) {
	ref := model.NewLlamaForCausalLM(smallConfig(), rand.New(rand.NewSource(3)))
	target := model.NewMultiheadLlamaForCausalLM(model.NewMHLlamaConfig(smallConfig(), model.WithNumHeads(5)), nil)
	_, err := transplant.Transplant(context.Background(), target, ref)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, checkpoint.Save(dir, target))

	loaded, err := NewWithBuiltins().FromPretrained(context.Background(), dir)
	require.NoError(t, err)
	mh := loaded.(*model.MultiheadLlamaForCausalLM)
	require.NoError(t, transplant.VerifyBranches(mh))

	ids, err := tensor.FromSlice([]float32{1, 2, 3}, []int{1, 3})
	require.NoError(t, err)
	want, err := ref.Forward(ids)
	require.NoError(t, err)
	got, err := mh.Forward(ids, []int{0, 4, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)
}

// Configs written before grouped-query attention omit num_key_value_heads.
func TestFromPretrained_NoKeyValueHeads(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		extra   string
		want    func(model.CausalLM) model.LlamaConfig
		wantLen int
	}{
		{"llama", model.LlamaType, "", func(m model.CausalLM) model.LlamaConfig {
			return m.(*model.LlamaForCausalLM).Config
		}, 1},
		{"mhllama", model.MHLlamaType, `"num_heads": 3,`, func(m model.CausalLM) model.LlamaConfig {
			return m.(*model.MultiheadLlamaForCausalLM).Config.LlamaConfig
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configJSON := `{
				"model_type": "` + tt.tag + `",` + tt.extra + `
				"vocab_size": 50,
				"hidden_size": 20,
				"intermediate_size": 16,
				"num_hidden_layers": 1,
				"num_attention_heads": 10,
				"max_position_embeddings": 16
			}`

			factory, err := NewWithBuiltins().Lookup(tt.tag)
			require.NoError(t, err)
			m, err := factory([]byte(configJSON))
			require.NoError(t, err)
			cfg := tt.want(m)
			assert.Equal(t, 10, cfg.NumAttentionHeads)
			assert.Equal(t, 10, cfg.NumKeyValueHeads)
			assert.Equal(t, tt.wantLen, m.NumHeads())

			// the weights written for that shape load back through the registry
			dir := t.TempDir()
			require.NoError(t, checkpoint.Save(dir, m))
			require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), []byte(configJSON), 0o644))
			loaded, err := NewWithBuiltins().FromPretrained(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, 10, tt.want(loaded).NumKeyValueHeads)
		})
	}

	// an explicit value still wins
	m, err := newLlama([]byte(`{"model_type": "llama", "vocab_size": 50, "hidden_size": 20,
		"intermediate_size": 16, "num_hidden_layers": 1, "num_attention_heads": 10,
		"num_key_value_heads": 2, "max_position_embeddings": 16}`))
	require.NoError(t, err)
	assert.Equal(t, 2, m.(*model.LlamaForCausalLM).Config.NumKeyValueHeads)
}

func TestFromPretrained_Errors(t *testing.T) {
	r := NewWithBuiltins()

	t.Run("unknown type", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), []byte(`{"model_type": "gpt2"}`), 0o644))
		_, err := r.FromPretrained(context.Background(), dir)
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("invalid config", func(t *testing.T) {
		dir := t.TempDir()
		cfg := model.NewMHLlamaConfig(smallConfig(), model.WithNumHeads(0))
		require.NoError(t, checkpoint.SaveConfig(dir, cfg))
		_, err := r.FromPretrained(context.Background(), dir)
		assert.ErrorIs(t, err, model.ErrInvalidConfig)
	})

	t.Run("missing weights", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, checkpoint.SaveConfig(dir, smallConfig()))
		_, err := r.FromPretrained(context.Background(), dir)
		assert.Error(t, err)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.FromPretrained(ctx, t.TempDir())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
