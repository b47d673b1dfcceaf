package model

import (
	"fmt"
	"math"

	"mhllama/pkg/tensor"
)

// RMSNorm implements root-mean-square normalization with a learned scale.
//
// Formula:
//
//	rms = sqrt(mean(x^2, dim=-1) + eps)
//	output = x / rms * weight
//
// Unlike LayerNorm there is no mean subtraction and no shift.
type RMSNorm struct {
	Weight *tensor.Tensor // (hidden,)
	Eps    float32
}

// NewRMSNorm creates an RMSNorm with weight initialised to ones.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{
		Weight: tensor.Full([]int{dim}, 1),
		Eps:    eps,
	}
}

// Forward normalizes every slice along the last dimension.
//
// Input shape: (..., hidden)
// Output shape: same as input
func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply RMSNorm to 0D tensor")
	}

	dim := x.Shape[len(x.Shape)-1]
	if dim != len(n.Weight.Data) {
		return nil, fmt.Errorf("input last dimension %d doesn't match RMSNorm dimension %d",
			dim, len(n.Weight.Data))
	}

	result := tensor.NewTensor(x.Shape)
	for offset := 0; offset < len(x.Data); offset += dim {
		row := x.Data[offset : offset+dim]

		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		invRMS := float32(1.0 / math.Sqrt(sumSq/float64(dim)+float64(n.Eps)))

		out := result.Data[offset : offset+dim]
		for i, v := range row {
			out[i] = v * invRMS * n.Weight.Data[i]
		}
	}

	return result, nil
}

// NamedParameters lists the norm's weight under prefix.
func (n *RMSNorm) NamedParameters(prefix string) []tensor.Named {
	return []tensor.Named{{Name: prefix + ".weight", Tensor: n.Weight}}
}
