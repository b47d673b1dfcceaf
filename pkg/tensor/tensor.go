// Package tensor provides the dense float32 tensors that back every model
// parameter and activation in this module.
//
// Tensors are row-major, always contiguous, and own their data unless created
// through View/Reshape. The operations here are plain loops: they exist to make
// checkpoints inspectable and forward passes checkable, not to be fast.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [vocab, hidden])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	if expected := numElements(shape); len(data) != expected {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expected)
	}

	t := NewTensor(shape)
	copy(t.Data, data)
	return t, nil
}

// Full creates a tensor of the given shape with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	t.Fill(value)
	return t
}

// Fill sets every element to value in place.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		}
	}
	if newSize := numElements(newShape); newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: computeStrides(newShape),
	}, nil
}

// Reshape is View for shapes known to be valid; it panics otherwise.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Transpose exchanges two dimensions of the tensor and returns a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	rank := len(t.Shape)
	if dim1 < 0 || dim1 >= rank || dim2 < 0 || dim2 >= rank {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, rank)
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Walk the source in row-major order, scattering into the swapped position.
	idx := make([]int, rank)
	for src := range t.Data {
		dst := 0
		for d := 0; d < rank; d++ {
			switch d {
			case dim1:
				dst += idx[d] * result.Strides[dim2]
			case dim2:
				dst += idx[d] * result.Strides[dim1]
			default:
				dst += idx[d] * result.Strides[d]
			}
		}
		result.Data[dst] = t.Data[src]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return numElements(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := range t.Shape {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape)
	copy(c.Data, t.Data)
	return c
}

// CopyFrom overwrites the receiver's values with src's. The shapes must match
// exactly; the receiver keeps its own backing array.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.ShapeEquals(src) {
		return fmt.Errorf("cannot copy tensor of shape %v into shape %v", src.Shape, t.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// BitEqual reports whether both tensors have the same shape and bit-identical values.
// Unlike Equals, NaNs compare equal to themselves and -0 differs from +0.
func (t *Tensor) BitEqual(other *Tensor) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return ShapesEqual(t.Shape, other.Shape)
}

// ShapesEqual compares two shapes dimension by dimension.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SliceN extracts a sub-tensor from the given ranges for all dimensions.
func (t *Tensor) SliceN(starts, ends []int) (*Tensor, error) {
	if len(starts) != len(t.Shape) || len(ends) != len(t.Shape) {
		return nil, fmt.Errorf("starts and ends must have same length as tensor dimensions (%d), got %d and %d",
			len(t.Shape), len(starts), len(ends))
	}

	newShape := make([]int, len(t.Shape))
	for i := range t.Shape {
		if starts[i] < 0 || starts[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid start index %d for dimension %d with size %d", starts[i], i, t.Shape[i])
		}
		if ends[i] < starts[i] || ends[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid end index %d for dimension %d (start=%d, size=%d)", ends[i], i, starts[i], t.Shape[i])
		}
		newShape[i] = ends[i] - starts[i]
	}

	result := NewTensor(newShape)
	if result.Size() == 0 {
		return result, nil
	}

	idx := make([]int, len(newShape))
	for dst := range result.Data {
		src := 0
		for d := range idx {
			src += (starts[d] + idx[d]) * t.Strides[d]
		}
		result.Data[dst] = t.Data[src]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return result, nil
}

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D right operand is broadcast across the batch dimensions of the left one.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	m := a.Shape[len(a.Shape)-2]
	n := a.Shape[len(a.Shape)-1]
	p := b.Shape[len(b.Shape)-1]
	if b.Shape[len(b.Shape)-2] != n {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, b.Shape[len(b.Shape)-2])
	}

	batchDims := a.Shape[:len(a.Shape)-2]
	batch := numElements(batchDims)

	bBatched := len(b.Shape) > 2
	if bBatched {
		if !ShapesEqual(batchDims, b.Shape[:len(b.Shape)-2]) {
			return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
		}
	}

	resultShape := append(copyShape(batchDims), m, p)
	result := NewTensor(resultShape)

	for bi := 0; bi < batch; bi++ {
		aOff := bi * m * n
		bOff := 0
		if bBatched {
			bOff = bi * n * p
		}
		rOff := bi * m * p
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				aVal := a.Data[aOff+i*n+j]
				if aVal == 0 {
					continue
				}
				row := b.Data[bOff+j*p : bOff+(j+1)*p]
				out := result.Data[rOff+i*p : rOff+(i+1)*p]
				for k, bVal := range row {
					out[k] += aVal * bVal
				}
			}
		}
	}

	return result, nil
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (method form).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Softmax applies softmax along the last dimension.
func Softmax(t *Tensor) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply softmax to a 0D tensor")
	}

	result := NewTensor(t.Shape)
	width := t.Shape[len(t.Shape)-1]
	if width == 0 {
		return result, nil
	}

	for off := 0; off < len(t.Data); off += width {
		row := t.Data[off : off+width]
		out := result.Data[off : off+width]

		// Subtract the max for numerical stability; a fully masked row stays all zero.
		maxVal := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		if math.IsInf(float64(maxVal), -1) {
			continue
		}

		sum := float32(0)
		for i, v := range row {
			out[i] = float32(math.Exp(float64(v - maxVal)))
			sum += out[i]
		}
		for i := range out {
			out[i] /= sum
		}
	}

	return result, nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// Mul performs element-wise multiplication with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x * y })
}

// elementWiseOp performs an element-wise operation with broadcasting.
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	if ShapesEqual(a.Shape, b.Shape) {
		result := NewTensor(a.Shape)
		for i := range a.Data {
			result.Data[i] = op(a.Data[i], b.Data[i])
		}
		return result, nil
	}

	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)
	if result.Size() == 0 {
		return result, nil
	}

	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)
	idx := make([]int, len(outShape))
	for out := range result.Data {
		ai, bi := 0, 0
		for d, i := range idx {
			ai += i * aStrides[d]
			bi += i * bStrides[d]
		}
		result.Data[out] = op(a.Data[ai], b.Data[bi])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)

	for i := 0; i < maxLen; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
		result[maxLen-1-i] = max(dimA, dimB)
	}

	return result, nil
}

// broadcastStrides returns strides of inShape aligned to outShape, with zero
// stride on broadcast dimensions.
func broadcastStrides(inShape, outShape []int) []int {
	inStrides := computeStrides(inShape)
	out := make([]int, len(outShape))
	diff := len(outShape) - len(inShape)
	for i := range inShape {
		if inShape[i] != 1 {
			out[i+diff] = inStrides[i]
		}
	}
	return out
}

// Concatenate concatenates tensors along a dimension.
func Concatenate(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate empty list of tensors")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(first.Shape))
	}

	outShape := copyShape(first.Shape)
	outShape[dim] = 0
	for i, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor %d has %d dimensions, expected %d", i, len(t.Shape), len(first.Shape))
		}
		for j := range t.Shape {
			if j != dim && t.Shape[j] != first.Shape[j] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v at dimension %d", i, t.Shape, first.Shape, j)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	result := NewTensor(outShape)

	// Each input contributes a contiguous chunk of shape[dim]*inner elements per outer index.
	outer := numElements(first.Shape[:dim])
	inner := numElements(first.Shape[dim+1:])
	outRow := outShape[dim] * inner
	colOff := 0
	for _, t := range tensors {
		chunk := t.Shape[dim] * inner
		for o := 0; o < outer; o++ {
			copy(result.Data[o*outRow+colOff:o*outRow+colOff+chunk], t.Data[o*chunk:(o+1)*chunk])
		}
		colOff += chunk
	}

	return result, nil
}

// ApplyMask sets elements to -inf where mask is 0 (for causal masking).
// The mask covers the trailing dimensions of t and is repeated over the leading ones.
func ApplyMask(t, mask *Tensor) *Tensor {
	result := t.Clone()
	n := len(mask.Data)
	if n == 0 {
		return result
	}
	negInf := float32(math.Inf(-1))
	for i := range result.Data {
		if mask.Data[i%n] == 0 {
			result.Data[i] = negInf
		}
	}
	return result
}

// CreateCausalMask creates a lower triangular causal mask for attention.
// Shape: (seq_len, seq_len), with 1s on and below the diagonal.
func CreateCausalMask(seqLen int) *Tensor {
	mask := NewTensor([]int{seqLen, seqLen})
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			mask.Data[i*seqLen+j] = 1
		}
	}
	return mask
}

// Expand repeats every slice of dimension 1 `times` times in place
// (repeat-interleave). Used to widen K/V from (batch, kv_heads, seq, dim)
// to (batch, num_heads, seq, dim).
func (t *Tensor) Expand(dim, times int) *Tensor {
	if len(t.Shape) != 4 || dim != 1 {
		panic("Expand only implemented for 4D tensors expanding dim 1")
	}
	if times == 1 {
		return t.Clone()
	}

	b, h, s, d := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	result := NewTensor([]int{b, h * times, s, d})
	block := s * d
	for i := 0; i < b; i++ {
		for j := 0; j < h; j++ {
			src := t.Data[(i*h+j)*block : (i*h+j+1)*block]
			for r := 0; r < times; r++ {
				dst := (i*h*times + j*times + r) * block
				copy(result.Data[dst:dst+block], src)
			}
		}
	}
	return result
}

// String returns a short string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor")
	sb.WriteString(t.ShapeString())
	sb.WriteString(": [")
	for i, v := range t.Data {
		if i == 6 {
			sb.WriteString(", ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("]")
	return sb.String()
}

func numElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
