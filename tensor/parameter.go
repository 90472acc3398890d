package tensor

// Parameter is a Tensor that always participates in autograd and carries a
// stable identity the optimizer uses to track per-parameter state (moment
// estimates, etc). Mutated only by optimizer steps; its gradient mutated
// only by backward closures.
type Parameter struct {
	*Tensor
	Name string
}

// NewParameter allocates a zero-filled Parameter of the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	t := New(shape...)
	t.RequiresGrad = true
	t.ensureGrad()
	return &Parameter{Tensor: t, Name: name}
}

// WrapParameter adopts an existing Tensor (typically one just loaded from a
// checkpoint) as a Parameter, enabling its gradient buffer.
func WrapParameter(name string, t *Tensor) *Parameter {
	t.RequiresGrad = true
	t.ensureGrad()
	return &Parameter{Tensor: t, Name: name}
}
