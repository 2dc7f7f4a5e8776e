package compgen

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delta = 1e-5

func TestEncoderForward(t *testing.T) {
	type args struct {
		inp []int32
		wte []float32
		wpe []float32
		B   int
		T   int
		C   int
	}
	tests := []struct {
		name    string
		args    args
		wantOut []float32
	}{
		{
			name: "",
			args: args{
				inp: []int32{1, 0}, // [1 -> wte (2, 3), wpe(4, 5)]
				wte: []float32{0, 1, 2, 3},
				wpe: []float32{4, 5, 6, 7},
				B:   1, // Batch size
				T:   1, // Sequence Len
				C:   2, // Dimensions
			},
			wantOut: []float32{6, 8},
		},
		{
			name: "two positions",
			args: args{
				inp: []int32{1, 0},
				wte: []float32{0, 1, 2, 3},
				wpe: []float32{4, 5, 6, 7},
				B:   1,
				T:   2,
				C:   2,
			},
			wantOut: []float32{6, 8, 6, 8},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]float32, tt.args.B*tt.args.T*tt.args.C)
			encoderForward(out, tt.args.inp, tt.args.wte, tt.args.wpe, tt.args.B, tt.args.T, tt.args.C)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

func TestEncoderBackward(t *testing.T) {
	type args struct {
		inp  []int32
		dwte []float32
		dwpe []float32
		dout []float32
		B    int
		T    int
		C    int
	}
	tests := []struct {
		name     string
		args     args
		wantdwte []float32
		wantdwpe []float32
	}{
		{
			name: "",
			args: args{
				inp:  []int32{1},
				dwte: []float32{1, 2, 3, 4},
				dwpe: []float32{6, 7, 8, 9},
				dout: []float32{1, 2, 3, 4},
				B:    1, // Batch size
				T:    1, // Sequence Len
				C:    2, // Dimensions
			},
			wantdwte: []float32{1, 2, 4, 6}, // 3, 4 (wte[inp[0]]) + dout[0]
			wantdwpe: []float32{7, 9, 8, 9},
		},
		{
			name: "fixed positions",
			args: args{
				inp:  []int32{0},
				dwte: []float32{1, 2, 3, 4},
				dout: []float32{1, 1},
				B:    1,
				T:    1,
				C:    2,
			},
			wantdwte: []float32{2, 3, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoderBackward(tt.args.dwte, tt.args.dwpe, tt.args.dout, tt.args.inp, tt.args.B, tt.args.T, tt.args.C)
			assert.Equal(t, tt.wantdwpe, tt.args.dwpe)
			assert.Equal(t, tt.wantdwte, tt.args.dwte)
		})
	}
}

func TestSinusoidTable(t *testing.T) {
	table := sinusoidTable(3, 4)
	// position 0 is sin(0), cos(0) in every pair
	assert.Equal(t, []float32{0, 1, 0, 1}, table[:4])
	require.InDelta(t, math.Sin(1), table[4], delta)
	require.InDelta(t, math.Cos(1), table[5], delta)
	require.InDelta(t, math.Sin(0.01), table[6], delta)
}

func TestLayernormForward(t *testing.T) {
	type args struct {
		inp    []float32
		weight []float32
		bias   []float32
		B      int
		T      int
		C      int
	}
	tests := []struct {
		name     string
		args     args
		wantOut  []float32
		wantMean []float32
		wantRstd []float32
	}{
		{
			name: "",
			args: args{
				inp:    []float32{0.2, 0.1, 0.3, 0.5, 0.1, 0.1},
				weight: []float32{1, 1, 1, 1, 1, 1},
				bias:   []float32{0, 0, 0, 0, 0, 0},
				B:      2,
				T:      1,
				C:      3,
			},
			wantOut:  []float32{0, -1.2238272, 1.2238274, 1.4140146, -0.70700747, -0.70700747},
			wantMean: []float32{0.2, 0.23333335},
			wantRstd: []float32{12.238273, 5.302555},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, mean, rstd := make([]float32, len(tt.args.inp)), make([]float32, tt.args.B*tt.args.T), make([]float32, tt.args.B*tt.args.T)
			layernormForward(out, mean, rstd, tt.args.inp, tt.args.weight, tt.args.bias, tt.args.B, tt.args.T, tt.args.C)
			require.InDeltaSlice(t, tt.wantOut, out, delta)
			require.InDeltaSlice(t, tt.wantMean, mean, delta)
			require.InDeltaSlice(t, tt.wantRstd, rstd, delta)
		})
	}
}

func TestMatmulForward(t *testing.T) {
	type args struct {
		inp    []float32
		weight []float32
		bias   []float32
		B      int
		T      int
		C      int
		OC     int
	}
	tests := []struct {
		name    string
		args    args
		wantOut []float32
	}{
		{
			name: "simple",
			args: args{
				weight: []float32{ // OC (3) * C(2)
					1, 2,
					3, 4,
					5, 6,
				},
				inp: []float32{ // B(1) * T(1) * C(2)
					1,
					2,
				},
				bias: []float32{1, 2, 3}, // OC
				// INP * WEIGHT^T + BIAS
				B:  1,
				T:  1,
				C:  2,
				OC: 3,
			},
			wantOut: []float32{
				6,
				13,
				20,
			},
		},
		{
			name: "no bias, two rows",
			args: args{
				weight: []float32{
					1, 0,
					0, 1,
				},
				inp: []float32{
					3, 4,
					5, 6,
				},
				B:  2,
				T:  1,
				C:  2,
				OC: 2,
			},
			wantOut: []float32{3, 4, 5, 6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]float32, tt.args.B*tt.args.T*tt.args.OC)
			matmulForward(out, tt.args.inp, tt.args.weight, tt.args.bias, tt.args.B, tt.args.T, tt.args.C, tt.args.OC)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

func TestMatmulBackward(t *testing.T) {
	inp := []float32{1, 2}
	weight := []float32{
		1, 2,
		3, 4,
		5, 6,
	}
	dout := []float32{1, 0, 2}
	dinp := make([]float32, 2)
	dweight := make([]float32, 6)
	dbias := []float32{1, 1, 1}
	matmulBackward(dinp, dweight, dbias, dout, inp, weight, 1, 1, 2, 3)
	assert.Equal(t, []float32{11, 14}, dinp)
	assert.Equal(t, []float32{1, 2, 0, 0, 2, 4}, dweight)
	assert.Equal(t, []float32{2, 1, 3}, dbias) // accumulates
}

func TestAttentionForward(t *testing.T) {
	type args struct {
		q, k, v []float32
		keyPad  []bool
		relBias []float32
		window  int
		causal  bool
		B       int
		Tq, Tk  int
		C, NH   int
	}
	tests := []struct {
		name    string
		args    args
		wantOut []float32
		wantAtt []float32
	}{
		{
			name: "single key",
			args: args{
				q: []float32{1, 2}, k: []float32{3, 4}, v: []float32{5, 6},
				B: 1, Tq: 1, Tk: 1, C: 2, NH: 1,
			},
			wantOut: []float32{5, 6},
			wantAtt: []float32{1},
		},
		{
			name: "causal",
			args: args{
				q: []float32{1, 1}, k: []float32{0, 0}, v: []float32{2, 4},
				causal: true,
				B:      1, Tq: 2, Tk: 2, C: 1, NH: 1,
			},
			wantOut: []float32{2, 3},
			wantAtt: []float32{1, 0, 0.5, 0.5},
		},
		{
			name: "not causal",
			args: args{
				q: []float32{1, 1}, k: []float32{0, 0}, v: []float32{2, 4},
				B: 1, Tq: 2, Tk: 2, C: 1, NH: 1,
			},
			wantOut: []float32{3, 3},
			wantAtt: []float32{0.5, 0.5, 0.5, 0.5},
		},
		{
			name: "padded key",
			args: args{
				q: []float32{1}, k: []float32{0, 0}, v: []float32{2, 4},
				keyPad: []bool{false, true},
				B:      1, Tq: 1, Tk: 2, C: 1, NH: 1,
			},
			wantOut: []float32{2},
			wantAtt: []float32{1, 0},
		},
		{
			name: "every key padded",
			args: args{
				q: []float32{1}, k: []float32{0, 0}, v: []float32{2, 4},
				keyPad: []bool{true, true},
				B:      1, Tq: 1, Tk: 2, C: 1, NH: 1,
			},
			wantOut: []float32{0},
			wantAtt: []float32{0, 0},
		},
		{
			name: "relative bias",
			args: args{
				q: []float32{0}, k: []float32{0, 0}, v: []float32{0, 1},
				relBias: []float32{0, 0, float32(math.Log(3))}, // offsets -1, 0, +1
				window:  1,
				B:       1, Tq: 1, Tk: 2, C: 1, NH: 1,
			},
			wantOut: []float32{0.75},
			wantAtt: []float32{0.25, 0.75},
		},
		{
			name: "two heads",
			args: args{
				// head 0 sees channel 0, head 1 channel 1
				q: []float32{1, 1}, k: []float32{0, 0, 0, 0}, v: []float32{2, 10, 4, 20},
				B: 1, Tq: 1, Tk: 2, C: 2, NH: 2,
			},
			wantOut: []float32{3, 15},
			wantAtt: []float32{0.5, 0.5, 0.5, 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.args
			out := make([]float32, a.B*a.Tq*a.C)
			att := make([]float32, a.B*a.NH*a.Tq*a.Tk)
			attentionForward(out, att, a.q, a.k, a.v, a.keyPad, a.relBias, a.window, a.causal, a.B, a.Tq, a.Tk, a.C, a.NH)
			assert.InDeltaSlice(t, tt.wantOut, out, 1e-4, fmt.Sprintf("want: %v got: %v", tt.wantOut, out))
			assert.InDeltaSlice(t, tt.wantAtt, att, 1e-4, fmt.Sprintf("want: %v got: %v", tt.wantAtt, att))
		})
	}
}

// checkGradient compares analytic gradients against central differences of
// loss with respect to every element of x.
func checkGradient(t *testing.T, name string, x, analytic []float32, loss func() float64) {
	t.Helper()
	const eps = 1e-2
	for i := range x {
		orig := x[i]
		x[i] = orig + eps
		plus := loss()
		x[i] = orig - eps
		minus := loss()
		x[i] = orig
		numeric := (plus - minus) / (2 * eps)
		tol := 2e-2 * math.Max(1, math.Abs(numeric))
		require.InDelta(t, numeric, analytic[i], tol, "%s[%d]", name, i)
	}
}

func randomSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64())
	}
	return s
}

// weightedSum is a scalar loss whose gradient with respect to out is w.
func weightedSum(out, w []float32) float64 {
	var s float64
	for i := range out {
		s += float64(out[i]) * float64(w[i])
	}
	return s
}

func TestAttentionBackward(t *testing.T) {
	tests := []struct {
		name      string
		causal    bool
		keyPad    []bool
		window    int
		useRel    bool
		B, Tq, Tk int
		C, NH     int
	}{
		{name: "self causal", causal: true, B: 2, Tq: 3, Tk: 3, C: 4, NH: 2},
		{name: "cross padded", keyPad: []bool{false, false, true, false, true, true}, B: 2, Tq: 2, Tk: 3, C: 4, NH: 2},
		{name: "relative", useRel: true, window: 1, B: 1, Tq: 3, Tk: 3, C: 2, NH: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			q := randomSlice(rng, tt.B*tt.Tq*tt.C)
			k := randomSlice(rng, tt.B*tt.Tk*tt.C)
			v := randomSlice(rng, tt.B*tt.Tk*tt.C)
			w := randomSlice(rng, tt.B*tt.Tq*tt.C)
			var rel, drel []float32
			if tt.useRel {
				rel = randomSlice(rng, tt.NH*(2*tt.window+1))
				drel = make([]float32, len(rel))
			}
			att := make([]float32, tt.B*tt.NH*tt.Tq*tt.Tk)
			loss := func() float64 {
				out := make([]float32, tt.B*tt.Tq*tt.C)
				attentionForward(out, att, q, k, v, tt.keyPad, rel, tt.window, tt.causal, tt.B, tt.Tq, tt.Tk, tt.C, tt.NH)
				return weightedSum(out, w)
			}
			loss()
			dq, dk, dv := make([]float32, len(q)), make([]float32, len(k)), make([]float32, len(v))
			attentionBackward(dq, dk, dv, drel, w, q, k, v, att, tt.window, tt.B, tt.Tq, tt.Tk, tt.C, tt.NH)
			checkGradient(t, "q", q, dq, loss)
			checkGradient(t, "k", k, dk, loss)
			checkGradient(t, "v", v, dv, loss)
			if tt.useRel {
				checkGradient(t, "rel", rel, drel, loss)
			}
		})
	}
}

func TestLayernormBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	B, C := 3, 4
	inp := randomSlice(rng, B*C)
	weight := randomSlice(rng, C)
	bias := randomSlice(rng, C)
	w := randomSlice(rng, B*C)
	mean, rstd := make([]float32, B), make([]float32, B)
	loss := func() float64 {
		out := make([]float32, B*C)
		layernormForward(out, mean, rstd, inp, weight, bias, B, 1, C)
		return weightedSum(out, w)
	}
	loss()
	dinp, dweight, dbias := make([]float32, B*C), make([]float32, C), make([]float32, C)
	layernormBackward(dinp, dweight, dbias, w, inp, weight, mean, rstd, B, 1, C)
	checkGradient(t, "inp", inp, dinp, loss)
	checkGradient(t, "weight", weight, dweight, loss)
	checkGradient(t, "bias", bias, dbias, loss)
}

func TestActivationBackward(t *testing.T) {
	tests := []struct {
		name     string
		forward  func(out, inp []float32, n int)
		backward func(dinp, inp, dout []float32, n int)
	}{
		{name: "gelu", forward: geluForward, backward: geluBackward},
		// keep inputs away from the kink at zero
		{name: "relu", forward: reluForward, backward: reluBackward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inp := []float32{-2, -0.5, 0.3, 1.5}
			w := []float32{1, -2, 0.5, 3}
			loss := func() float64 {
				out := make([]float32, len(inp))
				tt.forward(out, inp, len(inp))
				return weightedSum(out, w)
			}
			dinp := make([]float32, len(inp))
			tt.backward(dinp, inp, w, len(inp))
			checkGradient(t, "inp", inp, dinp, loss)
		})
	}
}

func TestReluForward(t *testing.T) {
	out := make([]float32, 3)
	reluForward(out, []float32{-1, 0, 2}, 3)
	assert.Equal(t, []float32{0, 0, 2}, out)
}

func TestDropoutForward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	inp := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	out, mask := make([]float32, len(inp)), make([]float32, len(inp))
	dropoutForward(out, mask, inp, 0.5, rng, len(inp))
	for i := range inp {
		assert.Contains(t, []float32{0, 2}, mask[i])
		assert.Equal(t, inp[i]*mask[i], out[i])
	}
	dinp := make([]float32, len(inp))
	dropoutBackward(dinp, inp, mask, len(inp))
	assert.Equal(t, out, dinp)
}

func TestCrossEntropy(t *testing.T) {
	logits := []float32{0, 0, 5, -5}
	targets := []int32{0, 1}
	probs := make([]float32, 4)
	softmaxForward(probs, logits, 1, 2, 2)
	require.InDeltaSlice(t, []float32{0.5, 0.5}, probs[:2], delta)

	losses := make([]float32, 2)
	crossEntropyForward(losses, probs, targets, 1, 1, 2, 2)
	require.InDelta(t, math.Ln2, losses[0], delta)
	assert.Equal(t, float32(0), losses[1], "ignored position")

	dlogits := make([]float32, 4)
	crossentropySoftmaxBackward(dlogits, []float32{1, 0}, probs, targets, 1, 2, 2)
	require.InDeltaSlice(t, []float32{-0.5, 0.5, 0, 0}, dlogits, delta)
}

func TestArgmaxForward(t *testing.T) {
	out := make([]int32, 2)
	argmaxForward(out, []float32{0.1, 0.7, 0.2, 3, 1, 2}, 2, 3)
	assert.Equal(t, []int32{1, 0}, out)
}
