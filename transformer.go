package compgen

import (
	"fmt"
	"math/rand"
)

// Transformer is an encoder-decoder transformer. As transformer_default it
// uses fixed sinusoid positions and post-norm layers and returns scores only;
// as transformer it learns its positions, normalises before each sublayer and
// returns the cross attention of its last decoder layer.
type Transformer struct {
	arch    Architecture
	cfg     ModelConfig
	pad     int32
	params  ParameterTensors
	mode    *mode
	encoder *encoderStack
	decoder *decoderStack
}

func newTransformer(arch Architecture, cfg ModelConfig, act activation, srcVocab, trgVocab int, pad int32, rng *rand.Rand) *Transformer {
	custom := arch == ArchTransformer
	m := &mode{training: true, rng: rng}
	model := &Transformer{arch: arch, cfg: cfg, pad: pad, mode: m}
	p := &model.params
	pdrop := float32(cfg.Dropout)
	enc := &encoderStack{
		embed: newEmbedding(p, m, "encoder.embed", srcVocab, cfg.DModel, cfg.MaxLen, custom, pdrop),
	}
	for i := 0; i < cfg.NumEncoderLayers; i++ {
		enc.layers = append(enc.layers, newEncoderLayer(p, m, fmt.Sprintf("encoder.layers.%d", i),
			cfg.DModel, cfg.NHead, cfg.DimFeedforward, act, pdrop, custom))
	}
	enc.norm = newLayerNorm(p, "encoder.norm", cfg.DModel)
	model.encoder = enc
	model.decoder = newDecoderStack(p, m, cfg, act, trgVocab, custom, custom)
	p.alloc(rng)
	return model
}

func (m *Transformer) Forward(src, trg TokenMatrix) Output {
	B := src.B
	srcIDs := src.batchMajor()
	srcPad := padMask(srcIDs, m.pad)
	mem := m.encoder.forward(srcIDs, B, src.T, srcPad)
	scores := m.decoder.forward(trg.batchMajor(), B, trg.T, mem, src.T, srcPad)
	out := Output{Scores: scores, T: trg.T, B: B, V: m.decoder.v}
	if m.arch.ReturnsAttention() {
		out.Attention = []AttentionMap{m.decoder.lastCrossAttention()}
	}
	return out
}

func (m *Transformer) Backward(dscores []float32) {
	m.encoder.backward(m.decoder.backward(dscores))
}

func (m *Transformer) Parameters() *ParameterTensors { return &m.params }

func (m *Transformer) SetTraining(training bool) { m.mode.training = training }

func (m *Transformer) Architecture() Architecture { return m.arch }

func (m *Transformer) String() string {
	var s string
	s += fmt.Sprintf("[%s]\n", m.arch)
	s += fmt.Sprintf("d_model: %d\n", m.cfg.DModel)
	s += fmt.Sprintf("nhead: %d\n", m.cfg.NHead)
	s += fmt.Sprintf("num_encoder_layers: %d\n", m.cfg.NumEncoderLayers)
	s += fmt.Sprintf("num_decoder_layers: %d\n", m.cfg.NumDecoderLayers)
	s += fmt.Sprintf("dim_feedforward: %d\n", m.cfg.DimFeedforward)
	s += fmt.Sprintf("num_parameters: %d\n", m.params.Len())
	return s
}
