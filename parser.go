package compgen

import (
	"fmt"
	"math/rand"
)

// LanguageParser encodes the source tokens with one relative-position
// self-attention layer, pools them into a fixed set of learned parts and
// decodes the target against those parts.
type LanguageParser struct {
	cfg    ModelConfig
	pad    int32
	params ParameterTensors
	mode   *mode

	tokens *encoderStack

	parts                *param // (num_parts, C)
	parse                *multiHeadAttention
	partNorm1, partNorm2 *layerNorm
	partFF               *feedForward
	dropParse, dropFF    *dropout

	decoder *decoderStack

	b int
}

func newLanguageParser(cfg ModelConfig, act activation, srcVocab, trgVocab int, pad int32, rng *rand.Rand) *LanguageParser {
	m := &mode{training: true, rng: rng}
	model := &LanguageParser{cfg: cfg, pad: pad, mode: m}
	p := &model.params
	C := cfg.DModel
	pdrop := float32(cfg.Dropout)

	tokenLayer := newEncoderLayer(p, m, "tokens.layer", C, cfg.NumEncHeads, cfg.FFNExp*C, act, pdrop, true)
	tokenLayer.attn.withRelativePositions(p, "tokens.layer.self_attn", cfg.PatchSize)
	model.tokens = &encoderStack{
		embed:  newEmbedding(p, m, "tokens.embed", srcVocab, C, cfg.MaxLen, true, pdrop),
		layers: []*encoderLayer{tokenLayer},
		norm:   newLayerNorm(p, "tokens.norm", C),
	}

	model.parts = p.add("parts.queries", initXavier, cfg.NumParts, C)
	model.parse = newMultiHeadAttention(p, "parts.parse", C, cfg.NHead, false)
	model.partNorm1 = newLayerNorm(p, "parts.norm1", C)
	model.partFF = newFeedForward(p, m, "parts.ffn", C, cfg.FFNExp*C, act, pdrop)
	model.partNorm2 = newLayerNorm(p, "parts.norm2", C)
	model.dropParse = &dropout{p: pdrop, m: m}
	model.dropFF = &dropout{p: pdrop, m: m}

	model.decoder = newDecoderStack(p, m, cfg, act, trgVocab, true, true)
	p.alloc(rng)
	return model
}

func (m *LanguageParser) Forward(src, trg TokenMatrix) Output {
	B, Ts, P, C := src.B, src.T, m.cfg.NumParts, m.cfg.DModel
	m.b = B
	srcIDs := src.batchMajor()
	srcPad := padMask(srcIDs, m.pad)
	tokens := m.tokens.forward(srcIDs, B, Ts, srcPad)

	// every sequence starts from the same part queries
	q := make([]float32, B*P*C)
	for b := 0; b < B; b++ {
		copy(q[b*P*C:], m.parts.Value.data)
	}
	N := B * P * C
	p1 := make([]float32, N)
	residualForward(p1, q, m.dropParse.forward(m.parse.forward(q, tokens, B, P, Ts, srcPad)), N)
	p2 := m.partNorm1.forward(p1, B*P)
	sum := make([]float32, N)
	residualForward(sum, p2, m.dropFF.forward(m.partFF.forward(p2, B*P)), N)
	parts := m.partNorm2.forward(sum, B*P)

	scores := m.decoder.forward(trg.batchMajor(), B, trg.T, parts, P, nil)
	return Output{
		Scores: scores,
		T:      trg.T,
		B:      B,
		V:      m.decoder.v,
		Attention: []AttentionMap{
			m.parse.weights("parse"),
			m.decoder.lastCrossAttention(),
		},
	}
}

func (m *LanguageParser) Backward(dscores []float32) {
	B, P, C := m.b, m.cfg.NumParts, m.cfg.DModel
	N := B * P * C
	dparts := m.decoder.backward(dscores)
	dsum := m.partNorm2.backward(dparts)
	dp2 := make([]float32, N)
	dff := make([]float32, N)
	residualBackward(dp2, dff, dsum, N)
	addInto(dp2, m.partFF.backward(m.dropFF.backward(dff)))
	dp1 := m.partNorm1.backward(dp2)
	dq := make([]float32, N)
	dparse := make([]float32, N)
	residualBackward(dq, dparse, dp1, N)
	dqa, dtokens := m.parse.backward(m.dropParse.backward(dparse))
	addInto(dq, dqa)
	grad := m.parts.Grad.data
	for b := 0; b < B; b++ {
		addInto(grad, dq[b*P*C:(b+1)*P*C])
	}
	m.tokens.backward(dtokens)
}

func (m *LanguageParser) Parameters() *ParameterTensors { return &m.params }

func (m *LanguageParser) SetTraining(training bool) { m.mode.training = training }

func (m *LanguageParser) Architecture() Architecture { return ArchLanguageParser }

func (m *LanguageParser) String() string {
	var s string
	s += "[language_parser]\n"
	s += fmt.Sprintf("d_model: %d\n", m.cfg.DModel)
	s += fmt.Sprintf("nhead: %d\n", m.cfg.NHead)
	s += fmt.Sprintf("num_enc_heads: %d\n", m.cfg.NumEncHeads)
	s += fmt.Sprintf("patch_size: %d\n", m.cfg.PatchSize)
	s += fmt.Sprintf("ffn_exp: %d\n", m.cfg.FFNExp)
	s += fmt.Sprintf("num_parts: %d\n", m.cfg.NumParts)
	s += fmt.Sprintf("num_decoder_layers: %d\n", m.cfg.NumDecoderLayers)
	s += fmt.Sprintf("num_parameters: %d\n", m.params.Len())
	return s
}
