package compgen

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_newTensor(t *testing.T) {
	got, n := newTensor([]float32{1, 2, 3, 4, 5}, 1, 2)
	assert.Equal(t, tensor{data: []float32{1, 2}, dims: []int{1, 2}}, got)
	assert.Equal(t, 2, n)
	assert.Panics(t, func() { newTensor([]float32{1}, 2, 2) })
}

func TestParameterTensors_alloc(t *testing.T) {
	var p ParameterTensors
	w := p.add("w", initXavier, 3, 2)
	ones := p.add("ones", initOnes, 2)
	zeros := p.add("zeros", initZeros, 4)
	p.alloc(rand.New(rand.NewSource(1)))

	require.Equal(t, 12, p.Len())
	require.Len(t, p.Grads, 12)

	// views share the slabs in registration order
	w.Value.data[0] = 42
	assert.Equal(t, float32(42), p.Memory[0])
	ones.Grad.data[1] = 7
	assert.Equal(t, float32(7), p.Grads[7])

	bound := float32(math.Sqrt(6.0 / 5.0))
	for _, v := range w.Value.data[1:] {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
	assert.Equal(t, []float32{1, 1}, ones.Value.data)
	assert.Equal(t, []float32{0, 0, 0, 0}, zeros.Value.data)

	p.ZeroGradient()
	assert.Equal(t, make([]float32, 12), p.Grads)
	assert.Panics(t, func() { p.add("late", initZeros, 1) })
}

func TestTokenMatrix(t *testing.T) {
	// two sequences of three tokens, time-major
	m := TokenMatrix{Data: []int32{1, 4, 2, 5, 3, 6}, T: 3, B: 2}
	assert.Equal(t, int32(5), m.At(1, 1))
	assert.Equal(t, []int32{1, 2, 3}, m.Column(0))
	assert.Equal(t, []int32{4, 5, 6}, m.Column(1))
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, m.batchMajor())
	tail := m.Rows(1, 3)
	assert.Equal(t, TokenMatrix{Data: []int32{2, 5, 3, 6}, T: 2, B: 2}, tail)
}
