package kernel

import "gorgonia.org/vecf32"

// Dot returns the inner product of a and b, dispatching to vecf32's
// assembly kernel when the CPU supports it and falling back to a manual
// accumulation otherwise. Short vectors (below the lane width) always take
// the scalar path since the dispatch overhead dominates the math.
func Dot(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, shapeMismatch("Dot", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}
	if hasVectorSupport && len(a) >= 8 {
		return vecf32.Dot(a, b), nil
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}
