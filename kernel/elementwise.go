package kernel

import "math"

// Add writes a+b elementwise into out. a, b and out must have equal length.
func Add(a, b, out []float32) error {
	if len(a) != len(b) || len(a) != len(out) {
		return shapeMismatch("Add", len(a), len(b))
	}
	simdAdd(a, b, out)
	return nil
}

// Scale writes a*k elementwise into out. a and out must have equal length.
func Scale(a []float32, k float32, out []float32) error {
	if len(a) != len(out) {
		return shapeMismatch("Scale", len(a), len(out))
	}
	simdScale(a, k, out)
	return nil
}

// ReLU writes max(0, a[i]) into out.
func ReLU(a, out []float32) error {
	if len(a) != len(out) {
		return shapeMismatch("ReLU", len(a), len(out))
	}
	for i, x := range a {
		if x > 0 {
			out[i] = x
		} else {
			out[i] = 0
		}
	}
	return nil
}

// ReLUBackward gates the upstream gradient by a[i] > 0, writing the result
// into out.
func ReLUBackward(a, upstream, out []float32) error {
	if len(a) != len(upstream) || len(a) != len(out) {
		return shapeMismatch("ReLUBackward", len(a), len(upstream))
	}
	for i, x := range a {
		if x > 0 {
			out[i] = upstream[i]
		} else {
			out[i] = 0
		}
	}
	return nil
}

// LeakyReLU writes a[i] if positive, else alpha*a[i], into out.
func LeakyReLU(a []float32, alpha float32, out []float32) error {
	if len(a) != len(out) {
		return shapeMismatch("LeakyReLU", len(a), len(out))
	}
	for i, x := range a {
		if x > 0 {
			out[i] = x
		} else {
			out[i] = alpha * x
		}
	}
	return nil
}

// Tanh writes tanh(a[i]) into out using the standard library's float64 tanh
// (no closed-form SIMD primitive is exercised here; GELU below uses the
// Padé approximant instead, per spec.md section 4.1).
func Tanh(a, out []float32) error {
	if len(a) != len(out) {
		return shapeMismatch("Tanh", len(a), len(out))
	}
	for i, x := range a {
		out[i] = float32(math.Tanh(float64(x)))
	}
	return nil
}

// Sigmoid writes 1/(1+exp(-a[i])) into out.
func Sigmoid(a, out []float32) error {
	if len(a) != len(out) {
		return shapeMismatch("Sigmoid", len(a), len(out))
	}
	for i, x := range a {
		out[i] = float32(1 / (1 + math.Exp(float64(-x))))
	}
	return nil
}
