// Package transplant copies the weights of a single-head LLaMA model into a
// multi-head model.
//
// The correspondence between the two parameter trees is data: BuildMapping
// returns a table of (source path, destination paths) entries, and Apply
// executes any such table with one generic copy routine.
package transplant

import (
	"fmt"
	"strconv"

	"mhllama/pkg/model"
)

// Mapping is one row of a transplant table. Every destination receives its own
// copy of the source. Zero rows have no source and clear their destinations.
type Mapping struct {
	Source       string
	Destinations []string
	Zero         bool
}

func (m Mapping) String() string {
	if m.Zero {
		return fmt.Sprintf("zero -> %v", m.Destinations)
	}
	return fmt.Sprintf("%s -> %v", m.Source, m.Destinations)
}

// BuildMapping returns the table that transplants a LlamaForCausalLM with the
// same base configuration into a multi-head model described by target.
//
//	model.embed_tokens.weight              -> itself
//	model.layers.<i>.self_attn.*           -> itself (attention is shared)
//	model.layers.<i>.mlp.<proj>.*          -> model.layers.<i>.mlp.<h>.<proj>.* for every h
//	model.layers.<i>.*_layernorm.weight    -> itself
//	model.norm.weight                      -> itself
//	lm_head.weight                         -> heads.<h>.weight for every h
//
// Head biases, which the reference lacks, are zeroed.
func BuildMapping(target model.MHLlamaConfig) []Mapping {
	heads := target.NumHeads
	var table []Mapping
	same := func(path string) {
		table = append(table, Mapping{Source: path, Destinations: []string{path}})
	}

	same("model.embed_tokens.weight")

	for i := 0; i < target.NumHiddenLayers; i++ {
		layer := "model.layers." + strconv.Itoa(i)

		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "o_proj"} {
			same(layer + ".self_attn." + proj + ".weight")
			if target.AttentionBias {
				same(layer + ".self_attn." + proj + ".bias")
			}
		}

		for _, proj := range []string{"gate_proj", "up_proj", "down_proj"} {
			kinds := []string{"weight"}
			if target.MLPBias {
				kinds = append(kinds, "bias")
			}
			for _, kind := range kinds {
				dests := make([]string, heads)
				for h := range dests {
					dests[h] = layer + ".mlp." + strconv.Itoa(h) + "." + proj + "." + kind
				}
				table = append(table, Mapping{Source: layer + ".mlp." + proj + "." + kind, Destinations: dests})
			}
		}

		same(layer + ".input_layernorm.weight")
		same(layer + ".post_attention_layernorm.weight")
	}

	same("model.norm.weight")

	weights := make([]string, heads)
	for h := range weights {
		weights[h] = "heads." + strconv.Itoa(h) + ".weight"
	}
	table = append(table, Mapping{Source: "lm_head.weight", Destinations: weights})

	if target.HeadBias {
		biases := make([]string, heads)
		for h := range biases {
			biases[h] = "heads." + strconv.Itoa(h) + ".bias"
		}
		table = append(table, Mapping{Zero: true, Destinations: biases})
	}

	return table
}
