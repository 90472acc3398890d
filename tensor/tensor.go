// Package tensor implements the autograd-capable value type the rest of the
// engine composes layer ops over, plus the layer ops themselves (linear,
// embedding, layer norm, residual add, GELU, cross-entropy) and a parameter
// optimizer. A Tensor's backward closure, when present, reads the output
// gradient and accumulates into its producers' gradient buffers; Backward
// walks the graph in reverse topological order from a seeded scalar loss.
package tensor

import (
	"fmt"

	"github.com/tinyforge/engine/xerr"
)

// Tensor is a dense rank-N array of float32 values with an optional
// gradient buffer and an optional backward closure linking it into an
// autograd graph. Layout is row-major contiguous.
type Tensor struct {
	Data         []float32
	Grad         []float32
	Shape        []int
	RequiresGrad bool

	backward func(grad []float32)
	prev     []*Tensor
	visited  bool // topo-sort scratch, reset after each Backward call
}

// New allocates a Tensor with the given shape, zero-filled data.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{Data: make([]float32, n), Shape: append([]int{}, shape...)}
}

// FromSlice wraps an existing float32 slice as a Tensor without copying.
// The slice's length must equal the product of shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, xerr.New(xerr.KindValidation, fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int{}, shape...)}, nil
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Numel returns the tensor's element count.
func (t *Tensor) Numel() int { return len(t.Data) }

// EnableGrad marks t as participating in autograd and lazily allocates its
// gradient buffer.
func (t *Tensor) EnableGrad() *Tensor {
	t.RequiresGrad = true
	t.ensureGrad()
	return t
}

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
}

// ZeroGrad clears the gradient buffer in place, leaving it allocated.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// attachBackward records fn as t's backward closure and prev as the
// producer tensors it must propagate gradient into. Only called by layer
// ops when at least one input requires grad.
func (t *Tensor) attachBackward(fn func(grad []float32), prev ...*Tensor) {
	t.RequiresGrad = true
	t.ensureGrad()
	t.backward = fn
	t.prev = prev
}

// AttachBackward is the exported form of attachBackward, for layer ops
// implemented outside this package (e.g. transformer's attention, which
// composes several kernel calls into one autograd node).
func (t *Tensor) AttachBackward(fn func(grad []float32), prev ...*Tensor) {
	t.attachBackward(fn, prev...)
}

// Accumulate is the exported form of accumulate.
func (t *Tensor) Accumulate(grad []float32) {
	t.accumulate(grad)
}

// anyRequiresGrad reports whether any of the given tensors participates in
// autograd; used by layer ops to decide whether to build a backward
// closure at all.
func anyRequiresGrad(ts ...*Tensor) bool {
	for _, t := range ts {
		if t != nil && t.RequiresGrad {
			return true
		}
	}
	return false
}

// accumulate adds grad elementwise into t.Grad, allocating it if this is
// the tensor's first incoming gradient.
func (t *Tensor) accumulate(grad []float32) {
	t.ensureGrad()
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// Backward runs a topological sweep from t (expected to be a scalar loss,
// Numel()==1) seeding its gradient to 1.0, and invokes every producer's
// backward closure exactly once in reverse topological order.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return xerr.New(xerr.KindValidation, "tensor: Backward called on non-scalar tensor")
	}
	t.ensureGrad()
	t.Grad[0] = 1

	var order []*Tensor
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if n == nil || n.visited {
			return
		}
		n.visited = true
		for _, p := range n.prev {
			visit(p)
		}
		order = append(order, n)
	}
	visit(t)

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		n.visited = false
		if n.backward != nil {
			n.backward(n.Grad)
		}
	}
	return nil
}
