package transformer

import "github.com/tinyforge/engine/kernel"

// rawLinear, rawLayerNorm and rawGELU run the same math as the autograd
// layer ops in the tensor package directly over float32 slices, for the
// decode path where no backward pass is ever needed and allocating
// tensor.Tensor wrappers would be pure overhead.

func rawLinear(x, w, bias []float32, rows, in, out int) []float32 {
	y := make([]float32, rows*out)
	kernel.MatMulTiled(x, w, rows, in, out, y)
	if bias != nil {
		for r := 0; r < rows; r++ {
			row := y[r*out : (r+1)*out]
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return y
}

func rawLayerNorm(x []float32, rows, cols int, gain, bias []float32) []float32 {
	out := make([]float32, len(x))
	mean := make([]float32, rows)
	rstd := make([]float32, rows)
	kernel.LayerNorm(x, rows, cols, gain, bias, out, mean, rstd)
	return out
}

func rawGELU(x []float32) []float32 {
	out := make([]float32, len(x))
	kernel.GELU(x, out)
	return out
}
