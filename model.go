package compgen

import (
	"errors"
	"fmt"
	"math/rand"
)

var ErrUnknownArchitecture = errors.New("unknown architecture")

// Architecture is the closed set of models the trainer can drive.
type Architecture int

const (
	ArchLanguageParser Architecture = iota + 1
	ArchTransformer
	ArchTransformerDefault
)

func ParseArchitecture(tag string) (Architecture, error) {
	switch tag {
	case "language_parser":
		return ArchLanguageParser, nil
	case "transformer":
		return ArchTransformer, nil
	case "transformer_default":
		return ArchTransformerDefault, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownArchitecture, tag)
}

func (a Architecture) String() string {
	switch a {
	case ArchLanguageParser:
		return "language_parser"
	case ArchTransformer:
		return "transformer"
	case ArchTransformerDefault:
		return "transformer_default"
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// ReturnsAttention reports whether the model hands back attention maps along
// with its scores.
func (a Architecture) ReturnsAttention() bool {
	return a != ArchTransformerDefault
}

// AttentionMap is one (B, NH, Tq, Tk) block of attention weights.
type AttentionMap struct {
	Name    string
	Dims    []int
	Weights []float32
}

// Output is the result of a forward pass. Scores are time-major (T, B, V).
type Output struct {
	Scores    []float32
	T, B, V   int
	Attention []AttentionMap
}

// Model is a trainable sequence-to-sequence transducer.
type Model interface {
	Forward(src, trg TokenMatrix) Output
	// Backward accumulates the gradients of the last forward pass given the
	// gradient of the loss with respect to its scores.
	Backward(dscores []float32)
	Parameters() *ParameterTensors
	SetTraining(training bool)
	Architecture() Architecture
}

// NewModel builds a freshly initialised model for the architecture.
func NewModel(arch Architecture, cfg ModelConfig, srcVocab, trgVocab int, pad int32, seed int64) (Model, error) {
	act, err := parseActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	switch arch {
	case ArchLanguageParser:
		return newLanguageParser(cfg, act, srcVocab, trgVocab, pad, rng), nil
	case ArchTransformer:
		return newTransformer(arch, cfg, act, srcVocab, trgVocab, pad, rng), nil
	case ArchTransformerDefault:
		// framework defaults: fixed positions, post-norm, ReLU
		return newTransformer(arch, cfg, actReLU, srcVocab, trgVocab, pad, rng), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownArchitecture, int(arch))
}

// encoderStack embeds the source and runs it through the encoder layers.
type encoderStack struct {
	embed  *embedding
	layers []*encoderLayer
	norm   *layerNorm
	b, t   int
}

func (e *encoderStack) forward(ids []int32, b, t int, pad []bool) []float32 {
	e.b, e.t = b, t
	x := e.embed.forward(ids, b, t)
	for _, l := range e.layers {
		x = l.forward(x, b, t, pad)
	}
	return e.norm.forward(x, b*t)
}

func (e *encoderStack) backward(dout []float32) {
	dx := e.norm.backward(dout)
	for i := len(e.layers) - 1; i >= 0; i-- {
		dx = e.layers[i].backward(dx)
	}
	e.embed.backward(dx)
}

// decoderStack turns target prefixes and a memory into vocabulary scores.
type decoderStack struct {
	embed     *embedding
	layers    []*decoderLayer
	norm      *layerNorm
	generator *linear
	c, v      int
	b, t, tm  int
}

func newDecoderStack(p *ParameterTensors, m *mode, cfg ModelConfig, act activation, trgVocab int, learnedPositions, normFirst bool) *decoderStack {
	pdrop := float32(cfg.Dropout)
	d := &decoderStack{
		embed: newEmbedding(p, m, "decoder.embed", trgVocab, cfg.DModel, cfg.MaxLen, learnedPositions, pdrop),
		c:     cfg.DModel,
		v:     trgVocab,
	}
	for i := 0; i < cfg.NumDecoderLayers; i++ {
		d.layers = append(d.layers, newDecoderLayer(p, m, fmt.Sprintf("decoder.layers.%d", i),
			cfg.DModel, cfg.NHead, cfg.DimFeedforward, act, pdrop, normFirst))
	}
	d.norm = newLayerNorm(p, "decoder.norm", cfg.DModel)
	d.generator = newLinear(p, "generator", cfg.DModel, trgVocab)
	return d
}

// forward returns time-major (T, B, V) scores.
func (d *decoderStack) forward(ids []int32, b, t int, mem []float32, tm int, memPad []bool) []float32 {
	d.b, d.t, d.tm = b, t, tm
	y := d.embed.forward(ids, b, t)
	for _, l := range d.layers {
		y = l.forward(y, mem, b, t, tm, memPad)
	}
	y = d.norm.forward(y, b*t)
	logits := d.generator.forward(y, b*t)
	return transposeBT(logits, b, t, d.v)
}

// backward returns the gradient for the memory.
func (d *decoderStack) backward(dscores []float32) []float32 {
	dlogits := transposeBT(dscores, d.t, d.b, d.v)
	dy := d.norm.backward(d.generator.backward(dlogits))
	dmem := make([]float32, d.b*d.tm*d.c)
	for i := len(d.layers) - 1; i >= 0; i-- {
		var dm []float32
		dy, dm = d.layers[i].backward(dy)
		addInto(dmem, dm)
	}
	d.embed.backward(dy)
	return dmem
}

func (d *decoderStack) lastCrossAttention() AttentionMap {
	return d.layers[len(d.layers)-1].cross.weights("cross")
}

// transposeBT swaps the two leading axes of an (X, Y, V) block.
func transposeBT(in []float32, X, Y, V int) []float32 {
	out := make([]float32, len(in))
	for x := 0; x < X; x++ {
		for y := 0; y < Y; y++ {
			copy(out[(y*X+x)*V:(y*X+x+1)*V], in[(x*Y+y)*V:(x*Y+y+1)*V])
		}
	}
	return out
}
