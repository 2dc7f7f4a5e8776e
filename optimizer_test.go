package compgen

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleParam(value, grad float32) *ParameterTensors {
	p := &ParameterTensors{}
	p.add("w", initZeros, 1)
	p.alloc(rand.New(rand.NewSource(0)))
	p.Memory[0] = value
	p.Grads[0] = grad
	return p
}

func TestParseOptimizer(t *testing.T) {
	for _, kind := range []OptimizerKind{Adam, AdamW} {
		got, err := ParseOptimizer(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
	_, err := ParseOptimizer("sgd")
	assert.ErrorIs(t, err, ErrUnknownOptimizer)
}

func TestOptimizer_FirstStep(t *testing.T) {
	tests := []struct {
		name string
		kind OptimizerKind
		wd   float32
		want float32
	}{
		// the first bias-corrected step moves by lr in the direction of the gradient
		{"adam", Adam, 0, 1.0 - 0.1},
		{"adamw", AdamW, 0, 1.0 - 0.1},
		// decay folded into the gradient is normalised away by the second moment
		{"adam decay", Adam, 0.5, 1.0 - 0.1},
		// decoupled decay shrinks the weight first: 1 - 0.1*0.5 - 0.1
		{"adamw decay", AdamW, 0.5, 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := singleParam(1, 0.2)
			NewOptimizer(tt.kind, 0.1, tt.wd).Step(p)
			assert.InDelta(t, tt.want, p.Memory[0], 1e-5)
		})
	}
}

func TestOptimizer_DecayInGradient(t *testing.T) {
	// with no gradient AdamW still decays while Adam steps on the decay term alone
	adam := singleParam(1, 0)
	adamw := singleParam(1, 0)
	NewOptimizer(Adam, 0.1, 0.5).Step(adam)
	NewOptimizer(AdamW, 0.1, 0.5).Step(adamw)
	assert.InDelta(t, 0.9, adam.Memory[0], 1e-5)
	assert.InDelta(t, 0.95, adamw.Memory[0], 1e-5)
}

func TestOptimizer_Moments(t *testing.T) {
	p := singleParam(0, 1)
	opt := NewOptimizer(AdamW, 0.01, 0)
	opt.Step(p)
	opt.Step(p)
	require.Len(t, opt.MMemory, 1)
	assert.InDelta(t, 0.19, opt.MMemory[0], 1e-6)
	assert.InDelta(t, 0.001999, opt.VMemory[0], 1e-6)
	// constant gradient: every corrected step is lr
	assert.InDelta(t, -0.02, p.Memory[0], 1e-5)
}
