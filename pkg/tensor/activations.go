package tensor

import "math"

// SiLU applies the Sigmoid Linear Unit (Swish) activation element-wise.
//
//	SiLU(x) = x * sigmoid(x) = x / (1 + e^(-x))
//
// LLaMA feeds the gate projection of its MLP through SiLU before multiplying
// it with the up projection (SwiGLU).
func (t *Tensor) SiLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = x / (1 + float32(math.Exp(float64(-x))))
	}
	return result
}

// SiLU is a standalone wrapper around Tensor.SiLU.
func SiLU(t *Tensor) *Tensor {
	return t.SiLU()
}
