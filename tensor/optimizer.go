package tensor

import "math"

// Optimizer mutates a fixed set of Parameters from their accumulated
// gradients, then clears those gradients. No pack library exposes an
// Adam-style per-parameter streaming update (gonum's optimize package
// targets scalar/vector objective minimization via its own driver loop,
// not accumulation-then-step over an externally managed autograd graph),
// so the moment arithmetic here is plain float32 code.
type Optimizer interface {
	Step(params []*Parameter)
	ZeroGrad(params []*Parameter)
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LR       float32
	Momentum float32

	velocity map[*Parameter][]float32
}

// NewSGD constructs an SGD optimizer with the given learning rate and
// momentum coefficient (0 disables momentum).
func NewSGD(lr, momentum float32) *SGD {
	return &SGD{LR: lr, Momentum: momentum, velocity: make(map[*Parameter][]float32)}
}

func (o *SGD) Step(params []*Parameter) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if o.Momentum == 0 {
			for i, g := range p.Grad {
				p.Data[i] -= o.LR * g
			}
			continue
		}
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float32, len(p.Data))
			o.velocity[p] = v
		}
		for i, g := range p.Grad {
			v[i] = o.Momentum*v[i] + g
			p.Data[i] -= o.LR * v[i]
		}
	}
}

func (o *SGD) ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Adam implements the Adam update rule (Kingma & Ba, 2014) with bias
// correction.
type Adam struct {
	LR      float32
	Beta1   float32
	Beta2   float32
	Epsilon float32

	step int
	m    map[*Parameter][]float32
	v    map[*Parameter][]float32
}

// NewAdam constructs an Adam optimizer with the conventional defaults
// (beta1=0.9, beta2=0.999, eps=1e-8) at the given learning rate.
func NewAdam(lr float32) *Adam {
	return &Adam{
		LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8,
		m: make(map[*Parameter][]float32),
		v: make(map[*Parameter][]float32),
	}
}

func (o *Adam) Step(params []*Parameter) {
	o.step++
	t := float32(o.step)
	bc1 := 1 - powf32(o.Beta1, t)
	bc2 := 1 - powf32(o.Beta2, t)

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, ok := o.m[p]
		if !ok {
			m = make([]float32, len(p.Data))
			o.m[p] = m
		}
		v, ok := o.v[p]
		if !ok {
			v = make([]float32, len(p.Data))
			o.v[p] = v
		}
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mhat := m[i] / bc1
			vhat := v[i] / bc2
			p.Data[i] -= o.LR * mhat / (sqrtf32(vhat) + o.Epsilon)
		}
	}
}

func (o *Adam) ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func powf32(base, exp float32) float32 {
	return float32(math.Pow(float64(base), float64(exp)))
}

func sqrtf32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
