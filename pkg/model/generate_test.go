package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mhllama/pkg/tensor"
)

func TestArgmax(t *testing.T) {
	// Batch 0: [0.1, 0.3, 0.5, 0.2, 0.0] -> argmax = 2
	// Batch 1: [0.8, 0.1, 0.05, 0.02, 0.03] -> argmax = 0
	data := []float32{
		0.1, 0.3, 0.5, 0.2, 0.0,
		0.8, 0.1, 0.05, 0.02, 0.03,
	}
	logits, err := tensor.FromSlice(data, []int{2, 5})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	result, err := argmax(logits)
	if err != nil {
		t.Fatalf("argmax failed: %v", err)
	}

	if len(result.Shape) != 2 || result.Shape[0] != 2 || result.Shape[1] != 1 {
		t.Errorf("Expected shape [2, 1], got %v", result.Shape)
	}
	if result.Get([]int{0, 0}) != 2 {
		t.Errorf("Expected batch 0 argmax = 2, got %f", result.Get([]int{0, 0}))
	}
	if result.Get([]int{1, 0}) != 0 {
		t.Errorf("Expected batch 1 argmax = 0, got %f", result.Get([]int{1, 0}))
	}
}

func TestExtractLastToken(t *testing.T) {
	data := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,

		13, 14, 15, 16,
		17, 18, 19, 20,
		21, 22, 23, 24,
	}
	logits, err := tensor.FromSlice(data, []int{2, 3, 4})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	result, err := extractLastToken(logits)
	if err != nil {
		t.Fatalf("extractLastToken failed: %v", err)
	}

	if len(result.Shape) != 2 || result.Shape[0] != 2 || result.Shape[1] != 4 {
		t.Errorf("Expected shape [2, 4], got %v", result.Shape)
	}
	want := []float32{9, 10, 11, 12, 21, 22, 23, 24}
	for i, v := range want {
		if result.Data[i] != v {
			t.Errorf("index %d: expected %f, got %f", i, v, result.Data[i])
		}
	}
}

func TestGenerateTextSimple(t *testing.T) {
	cfg := NewMHLlamaConfig(tinyConfig(), WithNumHeads(2))
	m := NewMultiheadLlamaForCausalLM(cfg, rand.New(rand.NewSource(10)))

	idx, err := tensor.FromSlice([]float32{1, 2}, []int{1, 2})
	require.NoError(t, err)

	result, err := GenerateTextSimple(m, idx, []int{0, 1, 1, 0}, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, result.Shape)
	assert.Equal(t, []float32{1, 2}, result.Data[:2])
	for i, v := range result.Data {
		assert.True(t, v >= 0 && v < float32(cfg.VocabSize), "token %d out of range: %f", i, v)
	}

	// Generation is greedy, so repeating it is deterministic.
	again, err := GenerateTextSimple(m, idx, []int{0, 1, 1, 0}, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, result.Data, again.Data)
}

func TestGenerateTextSimple_ContextCropping(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxPositionEmbeddings = 4
	m := NewLlamaForCausalLM(cfg, rand.New(rand.NewSource(11)))

	idx, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{1, 6})
	require.NoError(t, err)

	result, err := GenerateTextSimple(m, idx, nil, 2, cfg.MaxPositionEmbeddings)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8}, result.Shape)
}

func TestGenerateTextSimple_InvalidInput(t *testing.T) {
	m := NewLlamaForCausalLM(tinyConfig(), nil)

	idx, _ := tensor.FromSlice([]float32{1, 2, 3}, []int{3})
	_, err := GenerateTextSimple(m, idx, nil, 1, 8)
	assert.Error(t, err, "1D input")

	idx, _ = tensor.FromSlice([]float32{1, 2}, []int{1, 2})
	_, err = GenerateTextSimple(m, idx, []int{0}, 2, 8)
	assert.Error(t, err, "short head schedule")

	_, err = GenerateTextSimple(m, idx, nil, -1, 8)
	assert.Error(t, err, "negative token count")

	empty := tensor.NewTensor([]int{1, 0})
	assert.NotPanics(t, func() {
		_, err = GenerateTextSimple(m, empty, nil, 0, 0)
	})
	assert.ErrorContains(t, err, "empty prompt")
}

func TestColumnHeadSchedule(t *testing.T) {
	heads := ColumnHeadSchedule([]int{2, 1, 3}, 2)
	assert.Equal(t, []int{0, 0, 1, 1, 0, 2, 2, 0, 0, 0}, heads)

	assert.Equal(t, []int{0, 0}, ColumnHeadSchedule([]int{2}, 4))
}

func TestNewClozeTemplate(t *testing.T) {
	cfg := NewMHLlamaConfig(tinyConfig(), WithNumHeads(3), WithColTokenID(3), WithMaxColumnLen(2))

	tmpl, err := NewClozeTemplate(cfg, [][]int{{10, 11}, {12}, {13}})
	require.NoError(t, err)

	// chunk0 = [10 11], chunk1 = [col 12], chunk2 = [col 13 eos]
	assert.Equal(t, cfg.BosTokenID, tmpl.BOS)
	assert.Equal(t, []int{0, 0, 1, 1, 0, 0, 2, 2, 0, 0, 0}, tmpl.Heads)
	assert.Equal(t, []int{10, 11, 0, 0, 3, 12, 0, 0, 3, 13, 2}, tmpl.Tokens)

	_, err = NewClozeTemplate(cfg, [][]int{{10}})
	assert.Error(t, err, "one chunk has no column")

	_, err = NewClozeTemplate(cfg, [][]int{{10}, {11}, {12}, {13}})
	assert.Error(t, err, "three columns need four heads")
}

func TestGenerateCloze(t *testing.T) {
	cfg := NewMHLlamaConfig(tinyConfig(), WithNumHeads(3), WithColTokenID(3), WithMaxColumnLen(2))
	m := NewMultiheadLlamaForCausalLM(cfg, rand.New(rand.NewSource(12)))

	tmpl, err := NewClozeTemplate(cfg, [][]int{{10, 11}, {12}, {13}})
	require.NoError(t, err)

	seq, err := GenerateCloze(m, tmpl)
	require.NoError(t, err)
	require.Len(t, seq, len(tmpl.Heads)+1)

	assert.Equal(t, cfg.BosTokenID, seq[0])
	for i, h := range tmpl.Heads {
		if h == 0 {
			assert.Equal(t, tmpl.Tokens[i], seq[i+1], "fixed token at %d", i+1)
		} else {
			assert.True(t, seq[i+1] >= 0 && seq[i+1] < cfg.VocabSize)
		}
	}

	cols := tmpl.Columns(seq)
	require.Len(t, cols, 2)
	assert.Equal(t, []int{seq[3], seq[4]}, cols[0])
	assert.Equal(t, []int{seq[7], seq[8]}, cols[1])
}

func TestMaskedArgmax(t *testing.T) {
	logits := []float32{0.1, 0.9, 0.5, 0.7}
	assert.Equal(t, 1, maskedArgmax(logits, nil))
	assert.Equal(t, 3, maskedArgmax(logits, []bool{true, false, true, true}))
	assert.Equal(t, 0, maskedArgmax(logits, []bool{true, false, false, false}))
}

// With zero weights every logit of a head equals its bias, so the bias decides
// what a column emits.
func TestGenerateCloze_VocabMasks(t *testing.T) {
	cfg := NewMHLlamaConfig(tinyConfig(), WithNumHeads(3), WithColTokenID(3), WithMaxColumnLen(2), WithHeadBias(true))
	m := NewMultiheadLlamaForCausalLM(cfg, nil)
	m.Heads[1].Bias.Data[7] = 5
	m.Heads[1].Bias.Data[20] = 3
	m.Heads[2].Bias.Data[40] = 1

	tmpl, err := NewClozeTemplate(cfg, [][]int{{10, 11}, {12}, {13}})
	require.NoError(t, err)

	seq, err := GenerateCloze(m, tmpl)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{7, 7}, {40, 40}}, tmpl.Columns(seq))

	column1 := make([]bool, cfg.VocabSize)
	for i := range column1 {
		column1[i] = i != 7
	}
	tmpl.VocabMasks = [][]bool{column1, nil}
	seq, err = GenerateCloze(m, tmpl)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{20, 20}, {40, 40}}, tmpl.Columns(seq), "column 1 takes its best allowed token")

	column2 := make([]bool, cfg.VocabSize)
	column2[55] = true
	tmpl.VocabMasks = [][]bool{column1, column2}
	seq, err = GenerateCloze(m, tmpl)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{20, 20}, {55, 55}}, tmpl.Columns(seq))
}

func TestGenerateCloze_InvalidVocabMasks(t *testing.T) {
	cfg := NewMHLlamaConfig(tinyConfig(), WithNumHeads(3), WithMaxColumnLen(1))
	m := NewMultiheadLlamaForCausalLM(cfg, nil)
	tmpl, err := NewClozeTemplate(cfg, [][]int{{10}, {12}, {13}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		masks [][]bool
	}{
		{"one mask for two columns", [][]bool{nil}},
		{"mask shorter than vocabulary", [][]bool{nil, make([]bool, cfg.VocabSize-1)}},
		{"mask allows nothing", [][]bool{make([]bool, cfg.VocabSize), nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl.VocabMasks = tt.masks
			_, err := GenerateCloze(m, tmpl)
			assert.Error(t, err)
		})
	}
}
