package attention

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mhllama/pkg/tensor"
)

func TestComputeRoPE_Validation(t *testing.T) {
	tests := []struct {
		name      string
		headDim   int
		maxSeqLen int
		thetaBase float32
		wantErr   bool
	}{
		{name: "valid parameters", headDim: 64, maxSeqLen: 2048, thetaBase: 10000.0},
		{name: "odd head_dim", headDim: 63, maxSeqLen: 2048, thetaBase: 10000.0, wantErr: true},
		{name: "zero head_dim", headDim: 0, maxSeqLen: 2048, thetaBase: 10000.0, wantErr: true},
		{name: "zero max_seq_len", headDim: 64, maxSeqLen: 0, thetaBase: 10000.0, wantErr: true},
		{name: "negative theta_base", headDim: 64, maxSeqLen: 2048, thetaBase: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rope, err := ComputeRoPE(tt.headDim, tt.maxSeqLen, tt.thetaBase)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.maxSeqLen*tt.headDim, len(rope.Cos))
			assert.Equal(t, tt.maxSeqLen*tt.headDim, len(rope.Sin))
		})
	}
}

// Position 0 never rotates, and both halves of a row share one angle.
func TestComputeRoPE_Values(t *testing.T) {
	headDim, maxSeqLen := 8, 4
	rope, err := ComputeRoPE(headDim, maxSeqLen, 10000.0)
	require.NoError(t, err)

	for i := 0; i < headDim; i++ {
		assert.InDelta(t, 1.0, rope.Cos[i], 1e-6, "cos at position 0, dim %d", i)
		assert.InDelta(t, 0.0, rope.Sin[i], 1e-6, "sin at position 0, dim %d", i)
	}

	half := headDim / 2
	for pos := 0; pos < maxSeqLen; pos++ {
		base := pos * headDim
		for i := 0; i < half; i++ {
			assert.Equal(t, rope.Cos[base+i], rope.Cos[base+i+half])
			assert.Equal(t, rope.Sin[base+i], rope.Sin[base+i+half])
		}
	}

	// inv_freq[1] = 10000^(-2/8) = 0.1
	assert.InDelta(t, math.Cos(3*0.1), rope.Cos[3*headDim+1], 1e-6)
	assert.InDelta(t, math.Sin(3*0.1), rope.Sin[3*headDim+1], 1e-6)
}

func TestApplyRoPE_InvalidShape(t *testing.T) {
	rope, err := ComputeRoPE(64, 128, 10000.0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		shape  []int
		offset int
	}{
		{"3D tensor", []int{2, 10, 64}, 0},
		{"wrong head_dim", []int{1, 1, 5, 32}, 0},
		{"offset too large", []int{1, 1, 10, 64}, 120},
		{"negative offset", []int{1, 1, 10, 64}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyRoPE(tensor.NewTensor(tt.shape), rope, tt.offset)
			assert.Error(t, err)
		})
	}
}

func TestApplyRoPE_ManualCalculation(t *testing.T) {
	headDim := 4
	rope, err := ComputeRoPE(headDim, 8, 10000.0)
	require.NoError(t, err)

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, []int{1, 1, 1, headDim})
	require.NoError(t, err)

	result, err := ApplyRoPE(x, rope, 1)
	require.NoError(t, err)

	cos := rope.Cos[headDim : 2*headDim]
	sin := rope.Sin[headDim : 2*headDim]
	want := []float32{
		1*cos[0] - 3*sin[0],
		2*cos[1] - 4*sin[1],
		3*cos[0] + 1*sin[0],
		4*cos[1] + 2*sin[1],
	}
	assert.InDeltaSlice(t, want, result.Data, 1e-6)
}

// Rotating a single token at offset m matches row m of a full-sequence rotation.
func TestApplyRoPE_Offset(t *testing.T) {
	headDim := 8
	rope, err := ComputeRoPE(headDim, 16, 10000.0)
	require.NoError(t, err)

	row := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	full, err := tensor.FromSlice(append(append([]float32{}, row...), row...), []int{1, 1, 2, headDim})
	require.NoError(t, err)
	single, err := tensor.FromSlice(row, []int{1, 1, 1, headDim})
	require.NoError(t, err)

	r1, err := ApplyRoPE(full, rope, 0)
	require.NoError(t, err)
	r2, err := ApplyRoPE(single, rope, 1)
	require.NoError(t, err)

	assert.InDeltaSlice(t, r1.Data[headDim:], r2.Data, 1e-6)
	assert.InDeltaSlice(t, row, r1.Data[:headDim], 1e-6)
}

// Rotation preserves the norm of every (x_i, x_{i+d/2}) pair.
func TestApplyRoPE_PreservesNorm(t *testing.T) {
	headDim := 8
	rope, err := ComputeRoPE(headDim, 16, 500000.0)
	require.NoError(t, err)

	x := tensor.NewTensor([]int{2, 3, 4, headDim})
	for i := range x.Data {
		x.Data[i] = float32(i%10)*0.1 - 0.3
	}
	out, err := ApplyRoPE(x, rope, 2)
	require.NoError(t, err)

	half := headDim / 2
	for base := 0; base < len(x.Data); base += headDim {
		for i := 0; i < half; i++ {
			a, b := x.Data[base+i], x.Data[base+i+half]
			c, d := out.Data[base+i], out.Data[base+i+half]
			assert.InDelta(t, a*a+b*b, c*c+d*d, 1e-5)
		}
	}
}

func BenchmarkApplyRoPE(b *testing.B) {
	rope, _ := ComputeRoPE(128, 2048, 500000.0)
	x := tensor.NewTensor([]int{1, 32, 128, 128})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ApplyRoPE(x, rope, 0); err != nil {
			b.Fatal(err)
		}
	}
}
