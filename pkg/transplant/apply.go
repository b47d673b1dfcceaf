package transplant

import (
	"context"
	"fmt"

	"mhllama/pkg/model"
	"mhllama/pkg/tensor"
)

// ParameterSource resolves parameter paths to tensors. Both model types
// implement it.
type ParameterSource interface {
	Parameter(name string) (*tensor.Tensor, bool)
}

// Report summarises an applied table.
type Report struct {
	Entries int // table rows applied
	Copied  int // destination tensors written from a source
	Zeroed  int // destination tensors cleared
	Values  int // float32 values written
}

func (r Report) String() string {
	return fmt.Sprintf("%d entries, %d tensors copied, %d zeroed, %d values", r.Entries, r.Copied, r.Zeroed, r.Values)
}

// Apply executes table against src and dst.
//
// Rows are applied in order. Within a row every destination is checked before
// any is written; a failing row leaves earlier rows applied. Destinations never
// share storage with the source or with each other. ctx is checked between rows.
func Apply(ctx context.Context, table []Mapping, src, dst ParameterSource) (Report, error) {
	src, dst = indexed(src), indexed(dst)

	var report Report
	for _, row := range table {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		targets := make([]*tensor.Tensor, len(row.Destinations))
		for i, path := range row.Destinations {
			t, ok := dst.Parameter(path)
			if !ok {
				return report, &MismatchError{Path: path, Source: row.Source, Missing: true}
			}
			targets[i] = t
		}

		if row.Zero {
			for _, t := range targets {
				t.Fill(0)
				report.Zeroed++
				report.Values += t.Size()
			}
			report.Entries++
			continue
		}

		source, ok := src.Parameter(row.Source)
		if !ok {
			return report, &MismatchError{Path: row.Source, Source: row.Source, Missing: true}
		}
		for i, t := range targets {
			if !source.ShapeEquals(t) {
				return report, &MismatchError{
					Path:        row.Destinations[i],
					Source:      row.Source,
					SourceShape: source.Shape,
					DestShape:   t.Shape,
				}
			}
		}

		for _, t := range targets {
			if err := t.CopyFrom(source); err != nil {
				return report, fmt.Errorf("copy %s: %w", row.Source, err)
			}
			report.Copied++
			report.Values += t.Size()
		}
		report.Entries++
	}
	return report, nil
}

// Transplant copies ref into target following BuildMapping(target.Config).
// ref is never modified. The layer count and the attention/MLP bias flags are
// checked before anything is written; any other disagreement surfaces as a
// *MismatchError from Apply.
func Transplant(ctx context.Context, target *model.MultiheadLlamaForCausalLM, ref *model.LlamaForCausalLM) (Report, error) {
	if len(ref.Layers) != len(target.Layers) {
		return Report{}, &MismatchError{
			Path:        "num_hidden_layers",
			SourceShape: []int{len(ref.Layers)},
			DestShape:   []int{len(target.Layers)},
		}
	}

	flags := []struct {
		name     string
		src, dst bool
	}{
		{"attention_bias", ref.Config.AttentionBias, target.Config.AttentionBias},
		{"mlp_bias", ref.Config.MLPBias, target.Config.MLPBias},
	}
	for _, f := range flags {
		if f.src != f.dst {
			return Report{}, &MismatchError{Path: f.name, SourceShape: flagShape(f.src), DestShape: flagShape(f.dst)}
		}
	}

	report, err := Apply(ctx, BuildMapping(target.Config), ref, target)
	if err != nil {
		return report, fmt.Errorf("transplant: %w", err)
	}
	return report, nil
}

// flagShape reports a bias flag as the number of bias vectors per projection.
func flagShape(present bool) []int {
	if present {
		return []int{1}
	}
	return []int{0}
}

type namedParameters interface {
	NamedParameters() []tensor.Named
}

// parameterIndex resolves names with one map lookup instead of a walk over
// the whole parameter list.
type parameterIndex map[string]*tensor.Tensor

func (ix parameterIndex) Parameter(name string) (*tensor.Tensor, bool) {
	t, ok := ix[name]
	return t, ok
}

// indexed builds a parameterIndex for sources that can list their parameters
// and returns any other source unchanged.
func indexed(p ParameterSource) ParameterSource {
	np, ok := p.(namedParameters)
	if !ok {
		return p
	}
	params := np.NamedParameters()
	ix := make(parameterIndex, len(params))
	for _, n := range params {
		ix[n.Name] = n.Tensor
	}
	return ix
}
