package attention

import (
	"fmt"
	"math"

	"mhllama/pkg/tensor"
)

// RoPEParams holds precomputed cosine and sine tables for rotary position
// embeddings. Both tables have shape (max_seq_len, head_dim) and are shared by
// every attention layer of a model.
//
// The "split-halves" layout is used (as in Hugging Face LLaMA checkpoints):
// dimension i is paired with i+head_dim/2, not with its neighbour.
type RoPEParams struct {
	Cos       []float32 // (max_seq_len, head_dim)
	Sin       []float32 // (max_seq_len, head_dim)
	MaxSeqLen int
	HeadDim   int
}

// ComputeRoPE precomputes RoPE cosine and sine values for all positions.
//
//	inv_freq[i] = 1 / thetaBase^(2i/head_dim)   for i in [0, head_dim/2)
//	angle[m][i] = angle[m][i+head_dim/2] = m * inv_freq[i]
func ComputeRoPE(headDim, maxSeqLen int, thetaBase float32) (*RoPEParams, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("head_dim must be positive and even, got %d", headDim)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("max_seq_len must be positive, got %d", maxSeqLen)
	}
	if thetaBase <= 0 {
		return nil, fmt.Errorf("theta_base must be positive, got %f", thetaBase)
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = math.Exp(-math.Log(float64(thetaBase)) * float64(2*i) / float64(headDim))
	}

	cosValues := make([]float32, maxSeqLen*headDim)
	sinValues := make([]float32, maxSeqLen*headDim)
	for pos := 0; pos < maxSeqLen; pos++ {
		base := pos * headDim
		for i, f := range invFreq {
			angle := float64(pos) * f
			c, s := float32(math.Cos(angle)), float32(math.Sin(angle))
			cosValues[base+i], cosValues[base+i+half] = c, c
			sinValues[base+i], sinValues[base+i+half] = s, s
		}
	}

	return &RoPEParams{
		Cos:       cosValues,
		Sin:       sinValues,
		MaxSeqLen: maxSeqLen,
		HeadDim:   headDim,
	}, nil
}

// ApplyRoPE rotates a (batch, heads, seq, head_dim) query or key tensor.
//
// For every position m and pair (x1, x2) = (x[i], x[i+head_dim/2]):
//
//	x1' = x1*cos[m][i] - x2*sin[m][i]
//	x2' = x2*cos[m][i] + x1*sin[m][i]
//
// offset shifts the positions, so a chunk starting at token 10 uses rows 10.. of
// the tables.
func ApplyRoPE(x *tensor.Tensor, rope *RoPEParams, offset int) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D tensor (batch, heads, seq, head_dim), got shape %v", x.Shape)
	}

	batchSize, numHeads, seqLen, headDim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if headDim != rope.HeadDim {
		return nil, fmt.Errorf("head_dim mismatch: tensor has %d, RoPE expects %d", headDim, rope.HeadDim)
	}
	if offset < 0 || offset+seqLen > rope.MaxSeqLen {
		return nil, fmt.Errorf("offset+seq_len (%d+%d=%d) exceeds max_seq_len (%d)",
			offset, seqLen, offset+seqLen, rope.MaxSeqLen)
	}

	output := tensor.NewTensor(x.Shape)
	half := headDim / 2

	for bh := 0; bh < batchSize*numHeads; bh++ {
		for s := 0; s < seqLen; s++ {
			ropeBase := (offset + s) * headDim
			base := (bh*seqLen + s) * headDim
			for i := 0; i < half; i++ {
				x1 := x.Data[base+i]
				x2 := x.Data[base+i+half]
				cosVal := rope.Cos[ropeBase+i]
				sinVal := rope.Sin[ropeBase+i]
				output.Data[base+i] = x1*cosVal - x2*sinVal
				output.Data[base+i+half] = x2*cosVal + x1*sinVal
			}
		}
	}

	return output, nil
}
