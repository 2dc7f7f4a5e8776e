package compgen

import (
	"fmt"
	"math"
	"math/rand"
)

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

type initKind int

const (
	initXavier initKind = iota
	initOnes
	initZeros
)

// param is one named view into a ParameterTensors slab.
type param struct {
	name  string
	dims  []int
	init  initKind
	Value tensor
	Grad  tensor
}

// ParameterTensors are the parameters of a model. Every parameter is a view
// into Memory, and its gradient the view at the same offset into Grads.
type ParameterTensors struct {
	Memory []float32
	Grads  []float32
	params []*param
}

// add registers a parameter. Views are only valid after alloc.
func (p *ParameterTensors) add(name string, init initKind, dims ...int) *param {
	if p.Memory != nil {
		panic("parameter " + name + " added after allocation")
	}
	pr := &param{name: name, dims: dims, init: init}
	p.params = append(p.params, pr)
	return pr
}

// alloc lays every registered parameter out in one slab and initialises it.
func (p *ParameterTensors) alloc(rng *rand.Rand) {
	total := 0
	for _, pr := range p.params {
		s := 1
		for _, d := range pr.dims {
			s *= d
		}
		total += s
	}
	p.Memory = make([]float32, total)
	p.Grads = make([]float32, total)
	var ptr int
	memPtr, gradPtr := p.Memory, p.Grads
	for _, pr := range p.params {
		pr.Value, ptr = newTensor(memPtr, pr.dims...)
		pr.Grad, _ = newTensor(gradPtr, pr.dims...)
		memPtr, gradPtr = memPtr[ptr:], gradPtr[ptr:]
		initParam(pr, rng)
	}
	if len(memPtr) != 0 {
		panic("something went real bad here")
	}
}

func initParam(pr *param, rng *rand.Rand) {
	data := pr.Value.data
	switch pr.init {
	case initOnes:
		for i := range data {
			data[i] = 1
		}
	case initZeros:
	case initXavier:
		fanOut, fanIn := pr.dims[0], 1
		for _, d := range pr.dims[1:] {
			fanIn *= d
		}
		bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
		for i := range data {
			data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
	}
}

func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

func (p *ParameterTensors) ZeroGradient() {
	for i := range p.Grads {
		p.Grads[i] = 0
	}
}

func (p *ParameterTensors) String() string {
	s := ""
	for _, pr := range p.params {
		s += fmt.Sprintf("%s: %v\n", pr.name, pr.dims)
	}
	s += fmt.Sprintf("num_parameters: %d\n", len(p.Memory))
	return s
}

// TokenMatrix is a time-major (T, B) block of token ids: row t holds the
// t-th token of every sequence in the batch.
type TokenMatrix struct {
	Data []int32
	T, B int
}

func (m TokenMatrix) At(t, b int) int32 {
	return m.Data[t*m.B+b]
}

// Rows returns rows [from, to) without copying.
func (m TokenMatrix) Rows(from, to int) TokenMatrix {
	return TokenMatrix{Data: m.Data[from*m.B : to*m.B], T: to - from, B: m.B}
}

// Column returns sequence b.
func (m TokenMatrix) Column(b int) []int32 {
	col := make([]int32, m.T)
	for t := range col {
		col[t] = m.At(t, b)
	}
	return col
}

// batchMajor transposes to the (B, T) layout the kernels use.
func (m TokenMatrix) batchMajor() []int32 {
	out := make([]int32, len(m.Data))
	for t := 0; t < m.T; t++ {
		for b := 0; b < m.B; b++ {
			out[b*m.T+t] = m.Data[t*m.B+b]
		}
	}
	return out
}
