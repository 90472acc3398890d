package tensor

import (
	"fmt"

	"github.com/tinyforge/engine/kernel"
	"github.com/tinyforge/engine/xerr"
)

// Linear computes y = x*w + b for x (rows, in), w (in, out), b (out),
// producing y (rows, out). Weight layout is (in, out) rather than the more
// common (out, in) so the forward pass is a plain matmul with no
// transpose.
func Linear(x, w, b *Tensor, rows, in, out int) (*Tensor, error) {
	if len(x.Data) != rows*in {
		return nil, shapeErr("Linear.x", len(x.Data), rows*in)
	}
	if len(w.Data) != in*out {
		return nil, shapeErr("Linear.w", len(w.Data), in*out)
	}
	if b != nil && len(b.Data) != out {
		return nil, shapeErr("Linear.b", len(b.Data), out)
	}

	y := New(rows, out)
	if err := kernel.MatMulTiled(x.Data, w.Data, rows, in, out, y.Data); err != nil {
		return nil, err
	}
	if b != nil {
		for r := 0; r < rows; r++ {
			row := y.Data[r*out : (r+1)*out]
			for j := range row {
				row[j] += b.Data[j]
			}
		}
	}

	if anyRequiresGrad(x, w, b) {
		y.attachBackward(func(grad []float32) {
			if x.RequiresGrad {
				wT := transpose(w.Data, in, out)
				dx := make([]float32, rows*in)
				kernel.MatMulTiled(grad, wT, rows, out, in, dx)
				x.accumulate(dx)
			}
			if w.RequiresGrad {
				xT := transpose(x.Data, rows, in)
				dw := make([]float32, in*out)
				kernel.MatMulTiled(xT, grad, in, rows, out, dw)
				w.accumulate(dw)
			}
			if b != nil && b.RequiresGrad {
				db := make([]float32, out)
				for r := 0; r < rows; r++ {
					row := grad[r*out : (r+1)*out]
					for j, v := range row {
						db[j] += v
					}
				}
				b.accumulate(db)
			}
		}, x, w, b)
	}
	return y, nil
}

func transpose(a []float32, rows, cols int) []float32 {
	out := make([]float32, len(a))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = a[r*cols+c]
		}
	}
	return out
}

func shapeErr(op string, got, want int) error {
	return xerr.New(xerr.KindValidation, fmt.Sprintf("tensor: %s: length %d does not match expected %d", op, got, want))
}

// Embedding gathers rows of table (vocab, dim) at the given token ids,
// producing (len(ids), dim).
func Embedding(table *Tensor, ids []int, dim int) (*Tensor, error) {
	y := New(len(ids), dim)
	vocab := len(table.Data) / dim
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, xerr.New(xerr.KindValidation, fmt.Sprintf("tensor: Embedding: token id %d out of range [0,%d)", id, vocab))
		}
		copy(y.Data[i*dim:(i+1)*dim], table.Data[id*dim:(id+1)*dim])
	}

	if table.RequiresGrad {
		y.attachBackward(func(grad []float32) {
			table.ensureGrad()
			for i, id := range ids {
				row := grad[i*dim : (i+1)*dim]
				dst := table.Grad[id*dim : (id+1)*dim]
				for j, v := range row {
					dst[j] += v
				}
			}
		}, table)
	}
	return y, nil
}

// LayerNorm normalizes each row of x (rows, cols) to zero mean/unit
// variance and applies an affine transform with gain/bias (each length
// cols), caching the per-row statistics needed for backward.
func LayerNorm(x, gain, bias *Tensor, rows, cols int) (*Tensor, error) {
	y := New(rows, cols)
	mean := make([]float32, rows)
	rstd := make([]float32, rows)
	if err := kernel.LayerNorm(x.Data, rows, cols, gain.Data, bias.Data, y.Data, mean, rstd); err != nil {
		return nil, err
	}

	if anyRequiresGrad(x, gain, bias) {
		y.attachBackward(func(grad []float32) {
			dx := make([]float32, rows*cols)
			dGain := make([]float32, cols)
			dBias := make([]float32, cols)
			kernel.LayerNormBackward(x.Data, grad, rows, cols, gain.Data, mean, rstd, dx, dGain, dBias)
			if x.RequiresGrad {
				x.accumulate(dx)
			}
			if gain.RequiresGrad {
				gain.accumulate(dGain)
			}
			if bias.RequiresGrad {
				bias.accumulate(dBias)
			}
		}, x, gain, bias)
	}
	return y, nil
}

// ResidualAdd computes a+b elementwise, routing the upstream gradient
// unchanged into both operands.
func ResidualAdd(a, b *Tensor) (*Tensor, error) {
	if len(a.Data) != len(b.Data) {
		return nil, shapeErr("ResidualAdd", len(a.Data), len(b.Data))
	}
	y := New(a.Shape...)
	if err := kernel.Add(a.Data, b.Data, y.Data); err != nil {
		return nil, err
	}
	if anyRequiresGrad(a, b) {
		y.attachBackward(func(grad []float32) {
			if a.RequiresGrad {
				a.accumulate(grad)
			}
			if b.RequiresGrad {
				b.accumulate(grad)
			}
		}, a, b)
	}
	return y, nil
}

// GELU applies the GELU activation elementwise.
func GELU(x *Tensor) (*Tensor, error) {
	y := New(x.Shape...)
	if err := kernel.GELU(x.Data, y.Data); err != nil {
		return nil, err
	}
	if x.RequiresGrad {
		y.attachBackward(func(grad []float32) {
			dx := make([]float32, len(x.Data))
			kernel.GELUBackward(x.Data, grad, dx)
			x.accumulate(dx)
		}, x)
	}
	return y, nil
}
