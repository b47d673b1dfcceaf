package transplant

import (
	"fmt"

	"mhllama/pkg/model"
	"mhllama/pkg/tensor"
)

// Verify checks that every destination of table is bit-identical to its source
// (or all zero for Zero rows).
func Verify(table []Mapping, src, dst ParameterSource) error {
	src, dst = indexed(src), indexed(dst)
	for _, row := range table {
		var source *tensor.Tensor
		if !row.Zero {
			var ok bool
			if source, ok = src.Parameter(row.Source); !ok {
				return &MismatchError{Path: row.Source, Source: row.Source, Missing: true}
			}
		}
		for _, path := range row.Destinations {
			t, ok := dst.Parameter(path)
			if !ok {
				return &MismatchError{Path: path, Source: row.Source, Missing: true}
			}
			if row.Zero {
				for _, v := range t.Data {
					if v != 0 {
						return fmt.Errorf("%w: %s is not zero", ErrBranchesDiverge, path)
					}
				}
				continue
			}
			if !t.BitEqual(source) {
				return fmt.Errorf("%w: %s differs from %s", ErrBranchesDiverge, path, row.Source)
			}
		}
	}
	return nil
}

// VerifyBranches checks that every MLP branch and output head of target is
// bit-identical to branch 0, which holds right after a transplant.
func VerifyBranches(target *model.MultiheadLlamaForCausalLM) error {
	for i, layer := range target.Layers {
		first := layer.MLP[0].NamedParameters("")
		for h := 1; h < len(layer.MLP); h++ {
			other := layer.MLP[h].NamedParameters("")
			for k, p := range first {
				if !other[k].Tensor.BitEqual(p.Tensor) {
					return fmt.Errorf("%w: model.layers.%d.mlp.%d%s differs from branch 0", ErrBranchesDiverge, i, h, p.Name)
				}
			}
		}
	}

	first := target.Heads[0].NamedParameters("")
	for h := 1; h < len(target.Heads); h++ {
		other := target.Heads[h].NamedParameters("")
		for k, p := range first {
			if !other[k].Tensor.BitEqual(p.Tensor) {
				return fmt.Errorf("%w: heads.%d%s differs from head 0", ErrBranchesDiverge, h, p.Name)
			}
		}
	}
	return nil
}
