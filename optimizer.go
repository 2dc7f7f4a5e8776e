package compgen

import (
	"errors"
	"fmt"
)

var ErrUnknownOptimizer = errors.New("unknown optimizer")

type OptimizerKind int

const (
	Adam OptimizerKind = iota + 1
	AdamW
)

func ParseOptimizer(tag string) (OptimizerKind, error) {
	switch tag {
	case "adam":
		return Adam, nil
	case "adamw":
		return AdamW, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOptimizer, tag)
}

func (k OptimizerKind) String() string {
	switch k {
	case Adam:
		return "adam"
	case AdamW:
		return "adamw"
	}
	return fmt.Sprintf("OptimizerKind(%d)", int(k))
}

// Optimizer applies bias-corrected Adam updates to a parameter slab. Adam
// folds the weight decay into the gradient, AdamW decays the weights directly.
type Optimizer struct {
	Kind         OptimizerKind
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Eps          float32
	WeightDecay  float32
	// First and second moment estimates, allocated on the first step.
	MMemory []float32
	VMemory []float32
	t       int
}

func NewOptimizer(kind OptimizerKind, learningRate, weightDecay float32) *Optimizer {
	return &Optimizer{
		Kind:         kind,
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		WeightDecay:  weightDecay,
	}
}

// Step updates params.Memory from params.Grads.
func (o *Optimizer) Step(params *ParameterTensors) {
	if o.MMemory == nil {
		o.MMemory = make([]float32, params.Len())
		o.VMemory = make([]float32, params.Len())
	}
	o.t++
	beta1, beta2, lr := o.Beta1, o.Beta2, o.LearningRate
	correction1 := 1.0 - Pow(beta1, float32(o.t))
	correction2 := 1.0 - Pow(beta2, float32(o.t))
	for i := 0; i < params.Len(); i++ {
		parameter := params.Memory[i]
		gradient := params.Grads[i]
		if o.Kind == Adam {
			gradient += o.WeightDecay * parameter
		} else {
			parameter -= lr * o.WeightDecay * parameter
		}
		// Momentum update
		m := beta1*o.MMemory[i] + (1.0-beta1)*gradient
		// RMSprop update
		v := beta2*o.VMemory[i] + (1.0-beta2)*gradient*gradient
		mHat := m / correction1
		vHat := v / correction2
		o.MMemory[i] = m
		o.VMemory[i] = v
		params.Memory[i] = parameter - lr*mHat/(Sqrt(vHat)+o.Eps)
	}
}
