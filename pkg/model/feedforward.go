package model

import (
	"fmt"

	"mhllama/pkg/tensor"
)

// Linear is a dense projection stored in (out_features, in_features) layout.
// Bias is nil for bias-free projections.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear allocates a zero-initialised projection from in to out features.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.NewTensor([]int{out, in})}
	if bias {
		l.Bias = tensor.NewTensor([]int{out})
	}
	return l
}

// Forward computes x @ W^T + b.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int { return l.Weight.Shape[1] }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int { return l.Weight.Shape[0] }

// NamedParameters lists weight and (if present) bias under prefix.
func (l *Linear) NamedParameters(prefix string) []tensor.Named {
	params := []tensor.Named{{Name: prefix + ".weight", Tensor: l.Weight}}
	if l.Bias != nil {
		params = append(params, tensor.Named{Name: prefix + ".bias", Tensor: l.Bias})
	}
	return params
}

// MLP implements the SwiGLU feed-forward network used in LLaMA.
//
// Architecture:
//
//	output = down_proj(SiLU(gate_proj(x)) * up_proj(x))
//
// gate_proj and up_proj map hidden -> intermediate, down_proj maps back.
type MLP struct {
	GateProj *Linear
	UpProj   *Linear
	DownProj *Linear
}

// NewMLP creates a zero-initialised SwiGLU block.
func NewMLP(hidden, intermediate int, bias bool) *MLP {
	return &MLP{
		GateProj: NewLinear(hidden, intermediate, bias),
		UpProj:   NewLinear(hidden, intermediate, bias),
		DownProj: NewLinear(intermediate, hidden, bias),
	}
}

// Forward computes the SwiGLU transformation.
//
// Input shape: (batch, seq, hidden) or (rows, hidden)
// Output shape: same as input
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("expected at least 2D input, got %dD", len(x.Shape))
	}

	gate, err := m.GateProj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute gate projection: %w", err)
	}
	up, err := m.UpProj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute up projection: %w", err)
	}

	hidden, err := tensor.Mul(gate.SiLU(), up)
	if err != nil {
		return nil, fmt.Errorf("failed to gate: %w", err)
	}

	output, err := m.DownProj.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to compute down projection: %w", err)
	}
	return output, nil
}

// NamedParameters lists the three projections under prefix.
func (m *MLP) NamedParameters(prefix string) []tensor.Named {
	var params []tensor.Named
	params = append(params, m.GateProj.NamedParameters(prefix+".gate_proj")...)
	params = append(params, m.UpProj.NamedParameters(prefix+".up_proj")...)
	params = append(params, m.DownProj.NamedParameters(prefix+".down_proj")...)
	return params
}
