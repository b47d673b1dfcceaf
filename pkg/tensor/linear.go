package tensor

import "fmt"

// Linear computes x @ weight^T + bias over the last dimension of x.
//
// The weight uses the (out_features, in_features) layout of checkpoint files, so
// no transpose is materialised. bias may be nil.
//
// Input shape: (..., in)
// Output shape: (..., out)
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("linear weight must be 2D (out, in), got shape %v", weight.Shape)
	}
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply linear layer to a 0D tensor")
	}

	out, in := weight.Shape[0], weight.Shape[1]
	if last := x.Shape[len(x.Shape)-1]; last != in {
		return nil, fmt.Errorf("input dimension %d doesn't match linear input dimension %d", last, in)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != out) {
		return nil, fmt.Errorf("linear bias shape %v doesn't match output dimension %d", bias.Shape, out)
	}

	outShape := copyShape(x.Shape)
	outShape[len(outShape)-1] = out
	result := NewTensor(outShape)

	rows := numElements(x.Shape[:len(x.Shape)-1])
	for r := 0; r < rows; r++ {
		xRow := x.Data[r*in : (r+1)*in]
		outRow := result.Data[r*out : (r+1)*out]
		for o := 0; o < out; o++ {
			wRow := weight.Data[o*in : (o+1)*in]
			sum := float32(0)
			for i, v := range xRow {
				sum += v * wRow[i]
			}
			if bias != nil {
				sum += bias.Data[o]
			}
			outRow[o] = sum
		}
	}

	return result, nil
}
