package tensor

import "github.com/d4l3k/go-bfloat16"

// CompactBF16 is a read-only bfloat16 snapshot of a Parameter's Data,
// useful for inspection or transfer without disturbing the authoritative
// fp32 weights or gradients. It is additive tooling, not a storage format
// Parameter itself ever adopts.
type CompactBF16 struct {
	Name  string
	Shape []int
	Data  []bfloat16.Bfloat16
}

// SnapshotBF16 compacts p's current Data into a bf16 buffer.
func SnapshotBF16(p *Parameter) CompactBF16 {
	data := make([]bfloat16.Bfloat16, len(p.Data))
	for i, v := range p.Data {
		data[i] = bfloat16.New(v)
	}
	return CompactBF16{
		Name:  p.Name,
		Shape: append([]int{}, p.Shape...),
		Data:  data,
	}
}

// Expand widens a CompactBF16 snapshot back to a fp32 slice. The result is
// a fresh allocation; it never aliases or mutates the Parameter the
// snapshot was taken from.
func (c CompactBF16) Expand() []float32 {
	out := make([]float32, len(c.Data))
	for i, v := range c.Data {
		out[i] = v.Float32()
	}
	return out
}
