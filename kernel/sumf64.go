package kernel

import "gorgonia.org/vecf64"

// SumF64 reduces xs in float64 precision via vecf64's dot product against
// an all-ones vector. Used by precision-sensitive reductions — such as the
// cross-entropy loss sum over every position in a batch — where
// accumulating many float32 terms in sequence would lose precision long
// before the final division.
func SumF64(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	ones := make([]float64, len(xs))
	for i := range ones {
		ones[i] = 1
	}
	return vecf64.Dot(xs, ones)
}
