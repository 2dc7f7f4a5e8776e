package compgen

import (
	"fmt"
	"math/rand"
)

// Each layer caches what its forward pass saw so that the following backward
// call can reuse it. Layers are used once per forward pass.

// mode is shared by every layer of one model.
type mode struct {
	training bool
	rng      *rand.Rand
}

type activation int

const (
	actReLU activation = iota
	actGELU
)

func parseActivation(name string) (activation, error) {
	switch name {
	case "relu":
		return actReLU, nil
	case "gelu":
		return actGELU, nil
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

type linear struct {
	w, b    *param
	in, out int
	x       []float32
	n       int
}

func newLinear(p *ParameterTensors, name string, in, out int) *linear {
	return &linear{
		w:   p.add(name+".weight", initXavier, out, in),
		b:   p.add(name+".bias", initZeros, out),
		in:  in,
		out: out,
	}
}

func (l *linear) forward(x []float32, n int) []float32 {
	l.x, l.n = x, n
	out := make([]float32, n*l.out)
	matmulForward(out, x, l.w.Value.data, l.b.Value.data, n, 1, l.in, l.out)
	return out
}

func (l *linear) backward(dout []float32) []float32 {
	dx := make([]float32, l.n*l.in)
	matmulBackward(dx, l.w.Grad.data, l.b.Grad.data, dout, l.x, l.w.Value.data, l.n, 1, l.in, l.out)
	return dx
}

type layerNorm struct {
	w, b       *param
	c          int
	x          []float32
	mean, rstd []float32
	n          int
}

func newLayerNorm(p *ParameterTensors, name string, c int) *layerNorm {
	return &layerNorm{
		w: p.add(name+".weight", initOnes, c),
		b: p.add(name+".bias", initZeros, c),
		c: c,
	}
}

func (l *layerNorm) forward(x []float32, n int) []float32 {
	l.x, l.n = x, n
	l.mean = make([]float32, n)
	l.rstd = make([]float32, n)
	out := make([]float32, n*l.c)
	layernormForward(out, l.mean, l.rstd, x, l.w.Value.data, l.b.Value.data, n, 1, l.c)
	return out
}

func (l *layerNorm) backward(dout []float32) []float32 {
	dx := make([]float32, l.n*l.c)
	layernormBackward(dx, l.w.Grad.data, l.b.Grad.data, dout, l.x, l.w.Value.data, l.mean, l.rstd, l.n, 1, l.c)
	return dx
}

type dropout struct {
	p    float32
	m    *mode
	mask []float32
}

// forward returns x itself when dropout is inactive, so callers must treat
// the result as read-only.
func (d *dropout) forward(x []float32) []float32 {
	if !d.m.training || d.p == 0 {
		d.mask = nil
		return x
	}
	d.mask = make([]float32, len(x))
	out := make([]float32, len(x))
	dropoutForward(out, d.mask, x, d.p, d.m.rng, len(x))
	return out
}

func (d *dropout) backward(dout []float32) []float32 {
	if d.mask == nil {
		return dout
	}
	dx := make([]float32, len(dout))
	dropoutBackward(dx, dout, d.mask, len(dout))
	return dx
}

type feedForward struct {
	fc1, fc2 *linear
	act      activation
	drop     *dropout
	h        []float32
}

func newFeedForward(p *ParameterTensors, m *mode, name string, c, hidden int, act activation, pdrop float32) *feedForward {
	return &feedForward{
		fc1:  newLinear(p, name+".fc1", c, hidden),
		fc2:  newLinear(p, name+".fc2", hidden, c),
		act:  act,
		drop: &dropout{p: pdrop, m: m},
	}
}

func (f *feedForward) forward(x []float32, n int) []float32 {
	f.h = f.fc1.forward(x, n)
	a := make([]float32, len(f.h))
	switch f.act {
	case actReLU:
		reluForward(a, f.h, len(a))
	case actGELU:
		geluForward(a, f.h, len(a))
	}
	return f.fc2.forward(f.drop.forward(a), n)
}

func (f *feedForward) backward(dout []float32) []float32 {
	da := f.drop.backward(f.fc2.backward(dout))
	dh := make([]float32, len(f.h))
	switch f.act {
	case actReLU:
		reluBackward(dh, f.h, da, len(dh))
	case actGELU:
		geluBackward(dh, f.h, da, len(dh))
	}
	return f.fc1.backward(dh)
}

type multiHeadAttention struct {
	q, k, v, o *linear
	c, nh      int
	causal     bool
	relBias    *param // nil unless relative positions are used
	window     int

	qa, ka, va, att []float32
	b, tq, tk       int
}

func newMultiHeadAttention(p *ParameterTensors, name string, c, nh int, causal bool) *multiHeadAttention {
	if c%nh != 0 {
		panic(fmt.Sprintf("%s: d_model %d not divisible by %d heads", name, c, nh))
	}
	return &multiHeadAttention{
		q:      newLinear(p, name+".q", c, c),
		k:      newLinear(p, name+".k", c, c),
		v:      newLinear(p, name+".v", c, c),
		o:      newLinear(p, name+".out", c, c),
		c:      c,
		nh:     nh,
		causal: causal,
	}
}

// withRelativePositions adds a learned per-head bias over key-query offsets
// clipped to [-window, window].
func (a *multiHeadAttention) withRelativePositions(p *ParameterTensors, name string, window int) *multiHeadAttention {
	a.window = window
	a.relBias = p.add(name+".rel_bias", initZeros, a.nh, 2*window+1)
	return a
}

// forward attends from xq (b, tq, C) over xkv (b, tk, C).
func (a *multiHeadAttention) forward(xq, xkv []float32, b, tq, tk int, keyPad []bool) []float32 {
	a.b, a.tq, a.tk = b, tq, tk
	a.qa = a.q.forward(xq, b*tq)
	a.ka = a.k.forward(xkv, b*tk)
	a.va = a.v.forward(xkv, b*tk)
	y := make([]float32, b*tq*a.c)
	a.att = make([]float32, b*a.nh*tq*tk)
	var rel []float32
	if a.relBias != nil {
		rel = a.relBias.Value.data
	}
	attentionForward(y, a.att, a.qa, a.ka, a.va, keyPad, rel, a.window, a.causal, b, tq, tk, a.c, a.nh)
	return a.o.forward(y, b*tq)
}

// backward returns the gradients for the query input and the key/value input.
func (a *multiHeadAttention) backward(dout []float32) ([]float32, []float32) {
	dy := a.o.backward(dout)
	dqa := make([]float32, len(a.qa))
	dka := make([]float32, len(a.ka))
	dva := make([]float32, len(a.va))
	var drel []float32
	if a.relBias != nil {
		drel = a.relBias.Grad.data
	}
	attentionBackward(dqa, dka, dva, drel, dy, a.qa, a.ka, a.va, a.att, a.window, a.b, a.tq, a.tk, a.c, a.nh)
	dxq := a.q.backward(dqa)
	dxkv := a.k.backward(dka)
	addInto(dxkv, a.v.backward(dva))
	return dxq, dxkv
}

// weights returns the attention map of the last forward pass.
func (a *multiHeadAttention) weights(name string) AttentionMap {
	w := make([]float32, len(a.att))
	copy(w, a.att)
	return AttentionMap{Name: name, Dims: []int{a.b, a.nh, a.tq, a.tk}, Weights: w}
}

type encoderLayer struct {
	attn         *multiHeadAttention
	ff           *feedForward
	ln1, ln2     *layerNorm
	drop1, drop2 *dropout
	normFirst    bool
	n, c         int
}

func newEncoderLayer(p *ParameterTensors, m *mode, name string, c, nh, hidden int, act activation, pdrop float32, normFirst bool) *encoderLayer {
	return &encoderLayer{
		attn:      newMultiHeadAttention(p, name+".self_attn", c, nh, false),
		ff:        newFeedForward(p, m, name+".ffn", c, hidden, act, pdrop),
		ln1:       newLayerNorm(p, name+".norm1", c),
		ln2:       newLayerNorm(p, name+".norm2", c),
		drop1:     &dropout{p: pdrop, m: m},
		drop2:     &dropout{p: pdrop, m: m},
		normFirst: normFirst,
		c:         c,
	}
}

func (l *encoderLayer) forward(x []float32, b, t int, pad []bool) []float32 {
	n := b * t
	l.n = n
	N := n * l.c
	x1 := make([]float32, N)
	out := make([]float32, N)
	if l.normFirst {
		h := l.ln1.forward(x, n)
		residualForward(x1, x, l.drop1.forward(l.attn.forward(h, h, b, t, t, pad)), N)
		f := l.ff.forward(l.ln2.forward(x1, n), n)
		residualForward(out, x1, l.drop2.forward(f), N)
		return out
	}
	residualForward(x1, x, l.drop1.forward(l.attn.forward(x, x, b, t, t, pad)), N)
	s1 := l.ln1.forward(x1, n)
	residualForward(out, s1, l.drop2.forward(l.ff.forward(s1, n)), N)
	return l.ln2.forward(out, n)
}

func (l *encoderLayer) backward(dout []float32) []float32 {
	N := l.n * l.c
	if l.normFirst {
		dx1 := make([]float32, N)
		df := make([]float32, N)
		residualBackward(dx1, df, dout, N)
		addInto(dx1, l.ln2.backward(l.ff.backward(l.drop2.backward(df))))
		dx := make([]float32, N)
		da := make([]float32, N)
		residualBackward(dx, da, dx1, N)
		dq, dkv := l.attn.backward(l.drop1.backward(da))
		addInto(dq, dkv)
		addInto(dx, l.ln1.backward(dq))
		return dx
	}
	dsum2 := l.ln2.backward(dout)
	ds1 := make([]float32, N)
	df := make([]float32, N)
	residualBackward(ds1, df, dsum2, N)
	addInto(ds1, l.ff.backward(l.drop2.backward(df)))
	dsum1 := l.ln1.backward(ds1)
	dx := make([]float32, N)
	da := make([]float32, N)
	residualBackward(dx, da, dsum1, N)
	dq, dkv := l.attn.backward(l.drop1.backward(da))
	addInto(dx, dq)
	addInto(dx, dkv)
	return dx
}

type decoderLayer struct {
	self, cross         *multiHeadAttention
	ff                  *feedForward
	ln1, ln2, ln3       *layerNorm
	drop1, drop2, drop3 *dropout
	normFirst           bool
	n, c                int
}

func newDecoderLayer(p *ParameterTensors, m *mode, name string, c, nh, hidden int, act activation, pdrop float32, normFirst bool) *decoderLayer {
	return &decoderLayer{
		self:      newMultiHeadAttention(p, name+".self_attn", c, nh, true),
		cross:     newMultiHeadAttention(p, name+".cross_attn", c, nh, false),
		ff:        newFeedForward(p, m, name+".ffn", c, hidden, act, pdrop),
		ln1:       newLayerNorm(p, name+".norm1", c),
		ln2:       newLayerNorm(p, name+".norm2", c),
		ln3:       newLayerNorm(p, name+".norm3", c),
		drop1:     &dropout{p: pdrop, m: m},
		drop2:     &dropout{p: pdrop, m: m},
		drop3:     &dropout{p: pdrop, m: m},
		normFirst: normFirst,
		c:         c,
	}
}

// forward runs x (b, t, C) against memory mem (b, tm, C). Target padding
// needs no mask: pads trail the sequence, so causal masking already hides
// them from every real position.
func (l *decoderLayer) forward(x, mem []float32, b, t, tm int, memPad []bool) []float32 {
	n := b * t
	l.n = n
	N := n * l.c
	x1 := make([]float32, N)
	x2 := make([]float32, N)
	out := make([]float32, N)
	if l.normFirst {
		h1 := l.ln1.forward(x, n)
		residualForward(x1, x, l.drop1.forward(l.self.forward(h1, h1, b, t, t, nil)), N)
		h2 := l.ln2.forward(x1, n)
		residualForward(x2, x1, l.drop2.forward(l.cross.forward(h2, mem, b, t, tm, memPad)), N)
		residualForward(out, x2, l.drop3.forward(l.ff.forward(l.ln3.forward(x2, n), n)), N)
		return out
	}
	residualForward(x1, x, l.drop1.forward(l.self.forward(x, x, b, t, t, nil)), N)
	s1 := l.ln1.forward(x1, n)
	residualForward(x2, s1, l.drop2.forward(l.cross.forward(s1, mem, b, t, tm, memPad)), N)
	s2 := l.ln2.forward(x2, n)
	residualForward(out, s2, l.drop3.forward(l.ff.forward(s2, n)), N)
	return l.ln3.forward(out, n)
}

// backward returns the gradients for x and for the memory.
func (l *decoderLayer) backward(dout []float32) ([]float32, []float32) {
	N := l.n * l.c
	if l.normFirst {
		dx2 := make([]float32, N)
		df := make([]float32, N)
		residualBackward(dx2, df, dout, N)
		addInto(dx2, l.ln3.backward(l.ff.backward(l.drop3.backward(df))))

		dx1 := make([]float32, N)
		dc := make([]float32, N)
		residualBackward(dx1, dc, dx2, N)
		dh2, dmem := l.cross.backward(l.drop2.backward(dc))
		addInto(dx1, l.ln2.backward(dh2))

		dx := make([]float32, N)
		ds := make([]float32, N)
		residualBackward(dx, ds, dx1, N)
		dq, dkv := l.self.backward(l.drop1.backward(ds))
		addInto(dq, dkv)
		addInto(dx, l.ln1.backward(dq))
		return dx, dmem
	}
	dsum3 := l.ln3.backward(dout)
	ds2 := make([]float32, N)
	df := make([]float32, N)
	residualBackward(ds2, df, dsum3, N)
	addInto(ds2, l.ff.backward(l.drop3.backward(df)))

	dsum2 := l.ln2.backward(ds2)
	ds1 := make([]float32, N)
	dc := make([]float32, N)
	residualBackward(ds1, dc, dsum2, N)
	dq2, dmem := l.cross.backward(l.drop2.backward(dc))
	addInto(ds1, dq2)

	dsum1 := l.ln1.backward(ds1)
	dx := make([]float32, N)
	ds := make([]float32, N)
	residualBackward(dx, ds, dsum1, N)
	dq, dkv := l.self.backward(l.drop1.backward(ds))
	addInto(dx, dq)
	addInto(dx, dkv)
	return dx, dmem
}

// embedding adds token and position embeddings. A nil wpe selects the fixed
// sinusoid table.
type embedding struct {
	wte, wpe *param
	table    []float32
	c, maxT  int
	drop     *dropout
	ids      []int32
	b, t     int
}

func newEmbedding(p *ParameterTensors, m *mode, name string, vocab, c, maxT int, learnedPositions bool, pdrop float32) *embedding {
	e := &embedding{
		wte:  p.add(name+".tok", initXavier, vocab, c),
		c:    c,
		maxT: maxT,
		drop: &dropout{p: pdrop, m: m},
	}
	if learnedPositions {
		e.wpe = p.add(name+".pos", initXavier, maxT, c)
	} else {
		e.table = sinusoidTable(maxT, c)
	}
	return e
}

func (e *embedding) forward(ids []int32, b, t int) []float32 {
	if t > e.maxT {
		panic(fmt.Sprintf("sequence length %d exceeds max_len %d", t, e.maxT))
	}
	e.ids, e.b, e.t = ids, b, t
	pos := e.table
	if e.wpe != nil {
		pos = e.wpe.Value.data
	}
	out := make([]float32, b*t*e.c)
	encoderForward(out, ids, e.wte.Value.data, pos, b, t, e.c)
	return e.drop.forward(out)
}

func (e *embedding) backward(dout []float32) {
	var dwpe []float32
	if e.wpe != nil {
		dwpe = e.wpe.Grad.data
	}
	encoderBackward(e.wte.Grad.data, dwpe, e.drop.backward(dout), e.ids, e.b, e.t, e.c)
}

// padMask flags the pad positions of a (B, T) id block.
func padMask(ids []int32, pad int32) []bool {
	mask := make([]bool, len(ids))
	for i, id := range ids {
		mask[i] = id == pad
	}
	return mask
}
