package tensor

// Named pairs a tensor with its hierarchical parameter name
// (e.g. "model.layers.0.self_attn.q_proj.weight").
type Named struct {
	Name   string
	Tensor *Tensor
}
