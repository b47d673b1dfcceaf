package model

import (
	"fmt"
	"math"

	"mhllama/pkg/tensor"
)

// GenerateTextSimple generates tokens using greedy decoding.
//
// Parameters:
//   - m: model to decode with
//   - idx: initial token indices, shape (batch, seq)
//   - headIdx: head used at each position of the final sequence except the
//     last (position p's head predicts token p+1); nil means head 0 everywhere
//   - maxNewTokens: number of tokens to generate
//   - contextSize: maximum context window size
//
// Returns:
//   - Generated token indices, shape (batch, seq + maxNewTokens)
func GenerateTextSimple(m CausalLM, idx *tensor.Tensor, headIdx []int, maxNewTokens, contextSize int) (*tensor.Tensor, error) {
	if len(idx.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D input (batch, seq), got %dD with shape %v", len(idx.Shape), idx.Shape)
	}
	if idx.Shape[1] == 0 {
		return nil, fmt.Errorf("empty prompt: need at least one token")
	}
	if maxNewTokens < 0 {
		return nil, fmt.Errorf("maxNewTokens must be non-negative, got %d", maxNewTokens)
	}
	if contextSize <= 0 || contextSize > m.MaxPositions() {
		contextSize = m.MaxPositions()
	}

	batchSize := idx.Shape[0]
	finalLen := idx.Shape[1] + maxNewTokens
	if headIdx == nil {
		headIdx = make([]int, finalLen-1)
	}
	if len(headIdx) < finalLen-1 {
		return nil, fmt.Errorf("head schedule has %d entries, need %d", len(headIdx), finalLen-1)
	}

	for i := 0; i < maxNewTokens; i++ {
		seqLen := idx.Shape[1]

		// Crop current context if it exceeds the supported context size
		start := 0
		idxCond := idx
		if seqLen > contextSize {
			start = seqLen - contextSize
			var err error
			idxCond, err = idx.SliceN([]int{0, start}, []int{batchSize, seqLen})
			if err != nil {
				return nil, fmt.Errorf("failed to crop context at step %d: %w", i, err)
			}
		}

		logits, err := m.ForwardHeads(idxCond, headIdx[start:seqLen])
		if err != nil {
			return nil, fmt.Errorf("model forward pass failed at step %d: %w", i, err)
		}

		logitsLast, err := extractLastToken(logits)
		if err != nil {
			return nil, fmt.Errorf("failed to extract last token at step %d: %w", i, err)
		}

		idxNext, err := argmax(logitsLast)
		if err != nil {
			return nil, fmt.Errorf("failed to compute argmax at step %d: %w", i, err)
		}

		idx, err = tensor.Concatenate([]*tensor.Tensor{idx, idxNext}, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate at step %d: %w", i, err)
		}
	}

	return idx, nil
}

// ClozeTemplate describes a fill-in-the-columns prompt.
//
// Position i of both slices describes the token at position i+1 of the
// sequence (position 0 is BOS): Heads[i] == 0 marks a fixed prompt token
// Tokens[i], Heads[i] == c > 0 marks a slot of column c, decoded greedily by
// head c.
type ClozeTemplate struct {
	BOS    int
	Heads  []int
	Tokens []int

	// VocabMasks optionally restricts what each column may emit: column c only
	// picks ids i with VocabMasks[c-1][i] set. Empty means no restriction, as
	// does a nil mask for a single column.
	VocabMasks [][]bool
}

// NumColumns returns the number of columns in the template.
func (t ClozeTemplate) NumColumns() int {
	n := 0
	for _, h := range t.Heads {
		n = max(n, h)
	}
	return n
}

func (t ClozeTemplate) validateMasks(vocabSize int) error {
	if len(t.VocabMasks) == 0 {
		return nil
	}
	if len(t.VocabMasks) != t.NumColumns() {
		return fmt.Errorf("template has %d columns but %d vocabulary masks", t.NumColumns(), len(t.VocabMasks))
	}
	for c, mask := range t.VocabMasks {
		if mask == nil {
			continue
		}
		if len(mask) != vocabSize {
			return fmt.Errorf("vocabulary mask of column %d has %d entries, vocabulary has %d", c+1, len(mask), vocabSize)
		}
		allowed := false
		for _, ok := range mask {
			allowed = allowed || ok
		}
		if !allowed {
			return fmt.Errorf("vocabulary mask of column %d allows no token", c+1)
		}
	}
	return nil
}

func (t ClozeTemplate) mask(column int) []bool {
	if len(t.VocabMasks) == 0 {
		return nil
	}
	return t.VocabMasks[column-1]
}

// ColumnHeadSchedule lays out the head indices of a cloze prompt: the tokens of
// chunk 0, then maxColumnLen slots of column 1, the tokens of chunk 1, column 2,
// and so on, ending with the last chunk. Chunk tokens use head 0.
func ColumnHeadSchedule(chunkLens []int, maxColumnLen int) []int {
	var heads []int
	for i, n := range chunkLens {
		heads = append(heads, make([]int, n)...)
		if i == len(chunkLens)-1 {
			break
		}
		for j := 0; j < maxColumnLen; j++ {
			heads = append(heads, i+1)
		}
	}
	return heads
}

// NewClozeTemplate builds a template from len(columns)+1 prompt chunks given
// without BOS. When the config has a column token it is prepended to every
// chunk after the first; EOS is appended to the last chunk.
func NewClozeTemplate(cfg MHLlamaConfig, chunks [][]int) (ClozeTemplate, error) {
	if len(chunks) < 2 {
		return ClozeTemplate{}, fmt.Errorf("cloze template needs at least 2 prompt chunks, got %d", len(chunks))
	}
	numCols := len(chunks) - 1
	if numCols >= cfg.NumHeads {
		return ClozeTemplate{}, fmt.Errorf("%d columns need %d heads, model has %d", numCols, numCols+1, cfg.NumHeads)
	}

	prepared := make([][]int, len(chunks))
	for i, chunk := range chunks {
		var c []int
		if i > 0 && cfg.ColTokenID >= 0 {
			c = append(c, cfg.ColTokenID)
		}
		c = append(c, chunk...)
		if i == len(chunks)-1 {
			c = append(c, cfg.EosTokenID)
		}
		prepared[i] = c
	}

	lens := make([]int, len(prepared))
	var fixed []int
	for i, c := range prepared {
		lens[i] = len(c)
		fixed = append(fixed, c...)
	}
	heads := ColumnHeadSchedule(lens, cfg.MaxColumnLen)

	tokens := make([]int, len(heads))
	next := 0
	for i, h := range heads {
		if h == 0 {
			tokens[i] = fixed[next]
			next++
		}
	}
	return ClozeTemplate{BOS: cfg.BosTokenID, Heads: heads, Tokens: tokens}, nil
}

// GenerateCloze decodes a single sequence along tmpl: fixed prompt tokens are
// copied in, column slots take the argmax of their column's head over the ids
// the column's vocabulary mask allows. It returns the full sequence including
// BOS.
func GenerateCloze(m CausalLM, tmpl ClozeTemplate) ([]int, error) {
	if len(tmpl.Heads) != len(tmpl.Tokens) {
		return nil, fmt.Errorf("template has %d heads and %d tokens", len(tmpl.Heads), len(tmpl.Tokens))
	}
	embed, ok := m.Parameter("model.embed_tokens.weight")
	if !ok {
		return nil, fmt.Errorf("model has no token embeddings")
	}
	if err := tmpl.validateMasks(embed.Shape[0]); err != nil {
		return nil, err
	}
	if len(tmpl.Heads)+1 > m.MaxPositions() {
		return nil, fmt.Errorf("template length %d exceeds max positions %d", len(tmpl.Heads)+1, m.MaxPositions())
	}

	seq := []int{tmpl.BOS}
	for i, head := range tmpl.Heads {
		if head == 0 {
			seq = append(seq, tmpl.Tokens[i])
			continue
		}

		ids := tensor.NewTensor([]int{1, len(seq)})
		for j, id := range seq {
			ids.Data[j] = float32(id)
		}
		logits, err := m.ForwardHeads(ids, tmpl.Heads[:len(seq)])
		if err != nil {
			return nil, fmt.Errorf("model forward pass failed at slot %d: %w", i, err)
		}
		last, err := extractLastToken(logits)
		if err != nil {
			return nil, err
		}
		seq = append(seq, maskedArgmax(last.Data, tmpl.mask(head)))
	}
	return seq, nil
}

// Columns extracts the tokens generated for each column from a sequence
// returned by GenerateCloze.
func (t ClozeTemplate) Columns(seq []int) [][]int {
	var cols [][]int
	for i, head := range t.Heads {
		if head == 0 || i+1 >= len(seq) {
			continue
		}
		for len(cols) < head {
			cols = append(cols, nil)
		}
		cols[head-1] = append(cols[head-1], seq[i+1])
	}
	return cols
}

// extractLastToken extracts the logits for the last token position.
//
// Input shape: (batch, seq, vocab_size)
// Output shape: (batch, vocab_size)
func extractLastToken(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, vocab_size), got %dD", len(logits.Shape))
	}

	batchSize := logits.Shape[0]
	seqLen := logits.Shape[1]
	vocabSize := logits.Shape[2]

	result, err := logits.SliceN([]int{0, seqLen - 1, 0}, []int{batchSize, seqLen, vocabSize})
	if err != nil {
		return nil, err
	}

	// SliceN returns [batch, 1, vocab_size], we need to squeeze to [batch, vocab_size]
	return result.View([]int{batchSize, vocabSize})
}

// maskedArgmax returns the index of the largest logit whose allowed entry is
// set. A nil allowed permits every index.
func maskedArgmax(logits []float32, allowed []bool) int {
	best := -1
	bestVal := float32(math.Inf(-1))
	for i, v := range logits {
		if allowed != nil && !allowed[i] {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

// argmax returns the index of the maximum value along the last dimension.
//
// Input shape: (batch, vocab_size)
// Output shape: (batch, 1)
func argmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D input (batch, vocab_size), got %dD", len(logits.Shape))
	}

	batchSize := logits.Shape[0]
	vocabSize := logits.Shape[1]
	result := tensor.NewTensor([]int{batchSize, 1})

	for b := 0; b < batchSize; b++ {
		maxIdx := 0
		maxVal := float32(math.Inf(-1))

		for v := 0; v < vocabSize; v++ {
			val := logits.Get([]int{b, v})
			if val > maxVal {
				maxVal = val
				maxIdx = v
			}
		}

		result.Set([]int{b, 0}, float32(maxIdx))
	}

	return result, nil
}
