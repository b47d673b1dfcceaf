package model

import (
	"math"
	"math/rand"
	"strings"

	"mhllama/pkg/tensor"
)

// initializeWeights fills params from rng:
//   - embeddings: N(0, 0.02)
//   - projection weights: Xavier uniform
//   - biases: zero
//   - norm weights: left at one
func initializeWeights(params []tensor.Named, rng *rand.Rand) {
	for _, p := range params {
		switch {
		case strings.HasSuffix(p.Name, "layernorm.weight") || p.Name == "model.norm.weight":
		case strings.HasSuffix(p.Name, ".bias"):
			p.Tensor.Fill(0)
		case strings.HasSuffix(p.Name, "embed_tokens.weight"):
			normalInit(p.Tensor, 0.02, rng)
		default:
			xavierUniformInit(p.Tensor, rng)
		}
	}
}

// normalInit initializes a tensor with values from a normal distribution N(0, std^2).
func normalInit(t *tensor.Tensor, std float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// xavierUniformInit initializes a (out, in) weight with U[-limit, limit],
// limit = sqrt(6 / (fan_in + fan_out)).
func xavierUniformInit(t *tensor.Tensor, rng *rand.Rand) {
	if len(t.Shape) < 2 {
		for i := range t.Data {
			t.Data[i] = float32(rng.Float64()*2 - 1)
		}
		return
	}

	fanOut := t.Shape[len(t.Shape)-2]
	fanIn := t.Shape[len(t.Shape)-1]
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))

	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2*limit - limit)
	}
}
