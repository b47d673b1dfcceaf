package model

import (
	"fmt"
	"strings"

	"mhllama/pkg/tensor"
)

func findParameter(params []tensor.Named, name string) (*tensor.Tensor, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Tensor, true
		}
	}
	return nil, false
}

// ParameterSummary breaks a model's parameter count down by component.
type ParameterSummary struct {
	Total     int
	Embedding int
	Attention int
	MLP       int
	Norm      int
	Heads     int // lm_head or every heads.<h>
}

func (s ParameterSummary) String() string {
	return fmt.Sprintf("total=%d embedding=%d attention=%d mlp=%d norm=%d heads=%d",
		s.Total, s.Embedding, s.Attention, s.MLP, s.Norm, s.Heads)
}

// CountParameters sums parameter sizes per component.
func CountParameters(m CausalLM) ParameterSummary {
	var s ParameterSummary
	for _, p := range m.NamedParameters() {
		n := p.Tensor.Size()
		s.Total += n
		switch {
		case strings.HasPrefix(p.Name, "model.embed_tokens"):
			s.Embedding += n
		case strings.Contains(p.Name, ".self_attn."):
			s.Attention += n
		case strings.Contains(p.Name, ".mlp."):
			s.MLP += n
		case strings.Contains(p.Name, "norm"):
			s.Norm += n
		default:
			s.Heads += n
		}
	}
	return s
}

// ParameterCount summarises the reference model's parameters.
func (m *LlamaForCausalLM) ParameterCount() ParameterSummary { return CountParameters(m) }

// ParameterCount summarises the multi-head model's parameters.
func (m *MultiheadLlamaForCausalLM) ParameterCount() ParameterSummary { return CountParameters(m) }

// ResizeTokenEmbeddings changes the vocabulary size of the embedding table and
// of every output head. Rows added to a weight are set to the mean of its
// existing rows; added bias entries are zero. Shrinking drops trailing rows.
func (m *MultiheadLlamaForCausalLM) ResizeTokenEmbeddings(newVocab int) error {
	if newVocab <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, newVocab)
	}
	if m.Config.ColTokenID >= newVocab {
		return fmt.Errorf("%w: col_token_id %d outside new vocabulary of %d", ErrInvalidConfig, m.Config.ColTokenID, newVocab)
	}
	m.EmbedTokens = resizeRows(m.EmbedTokens, newVocab)
	for _, head := range m.Heads {
		resizeLinearOut(head, newVocab)
	}
	m.Config.VocabSize = newVocab
	return nil
}

// ResizeTokenEmbeddings changes the vocabulary size of the embedding table and
// lm_head, mean-filling added rows.
func (m *LlamaForCausalLM) ResizeTokenEmbeddings(newVocab int) error {
	if newVocab <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, newVocab)
	}
	m.EmbedTokens = resizeRows(m.EmbedTokens, newVocab)
	resizeLinearOut(m.LMHead, newVocab)
	m.Config.VocabSize = newVocab
	return nil
}

func resizeLinearOut(l *Linear, rows int) {
	l.Weight = resizeRows(l.Weight, rows)
	if l.Bias != nil {
		bias := tensor.NewTensor([]int{rows})
		copy(bias.Data, l.Bias.Data)
		l.Bias = bias
	}
}

// resizeRows returns a copy of the 2D tensor t with the given number of rows.
func resizeRows(t *tensor.Tensor, rows int) *tensor.Tensor {
	oldRows, cols := t.Shape[0], t.Shape[1]
	out := tensor.NewTensor([]int{rows, cols})
	keep := min(oldRows, rows)
	copy(out.Data, t.Data[:keep*cols])
	if rows <= oldRows || oldRows == 0 {
		return out
	}

	mean := make([]float64, cols)
	for r := 0; r < oldRows; r++ {
		for c, v := range t.Data[r*cols : (r+1)*cols] {
			mean[c] += float64(v)
		}
	}
	for r := oldRows; r < rows; r++ {
		row := out.Data[r*cols : (r+1)*cols]
		for c := range row {
			row[c] = float32(mean[c] / float64(oldRows))
		}
	}
	return out
}
