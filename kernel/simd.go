// simd.go isolates the engine's dependency on assembly-accelerated vector
// primitives behind small wrappers. Go has no portable SIMD intrinsics, so
// "vectorized" here means: dispatch to gorgonia's hand-written AMD64/ARM64
// kernels (vecf32/vecf64) when the CPU supports them, and fall back to a
// plain scalar loop otherwise. Only Add, Scale and Dot take this path, and
// vecf32's kernels already handle the non-multiple-of-lane-width remainder
// internally; the other kernels in this package (GELU, softmax, layer norm,
// matmul, ReLU, Tanh, Sigmoid) are plain scalar loops.
package kernel

import (
	"github.com/klauspost/cpuid/v2"
	"gorgonia.org/vecf32"
)

// hasVectorSupport reports whether the running CPU has wide-enough vector
// units for the gorgonia kernels to be worth dispatching to. On platforms
// without the expected feature set we take the portable scalar path.
var hasVectorSupport = cpuid.CPU.Supports(cpuid.SSE2) || cpuid.CPU.Supports(cpuid.ASIMD)

// simdAdd writes a+b into out (out may alias a or b).
func simdAdd(a, b, out []float32) {
	if hasVectorSupport {
		copy(out, a)
		vecf32.Add(out, b)
		return
	}
	for i := range a {
		out[i] = a[i] + b[i]
	}
}

// simdScale writes a*k into out (out may alias a).
func simdScale(a []float32, k float32, out []float32) {
	if hasVectorSupport {
		copy(out, a)
		vecf32.Scale(out, k)
		return
	}
	for i := range a {
		out[i] = a[i] * k
	}
}
