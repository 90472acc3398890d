package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRentsFreshWhenEmpty(t *testing.T) {
	p := NewPool(2)
	s := p.Rent(testShape(), 32)
	require.NotNil(t, s)
	require.Equal(t, 0, s.CurrentTokenCount())
}

func TestPoolReusesReturnedSession(t *testing.T) {
	p := NewPool(2)
	shape := testShape()
	s := p.Rent(shape, 32)
	require.NoError(t, s.WriteK(0, 0, 1, make([]float32, shape.perLayerElems())))
	require.NoError(t, s.CommitTokens(1))

	p.Put(s)
	require.Equal(t, 1, p.Retained(shape, 32))

	reused := p.Rent(shape, 32)
	require.Same(t, s, reused)
	require.Equal(t, 0, reused.CurrentTokenCount(), "Reset must clear the token count on return")
}

func TestPoolBoundsPerShapeRetention(t *testing.T) {
	p := NewPool(1)
	shape := testShape()
	p.Put(NewSession(shape, 32))
	p.Put(NewSession(shape, 32))
	require.Equal(t, 1, p.Retained(shape, 32))
}
