package compgen

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// encoderForward combines the token embeddings with the position embeddings.
// inp is (B, T) token ids, wte is (V, C), wpe is (maxT, C) and out is (B, T, C).
func encoderForward(out []float32, inp []int32, wte []float32, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			startOutIndex := b*T*C + t*C
			ix := int(inp[b*T+t])
			startWteIndex := ix * C
			startWpeIndex := t * C
			for i := 0; i < C; i++ {
				out[startOutIndex+i] = wte[startWteIndex+i] + wpe[startWpeIndex+i]
			}
		}
	}
}

// encoderBackward scatters dout back into the embedding tables. dwpe may be
// nil when the position table is fixed.
func encoderBackward(dwte, dwpe []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBTOffset := b*T*C + t*C
			ix := int(inp[b*T+t])
			dwteIxOffset := ix * C
			dwpeTOffset := t * C
			for i := 0; i < C; i++ {
				d := dout[doutBTOffset+i]
				dwte[dwteIxOffset+i] += d
				if dwpe != nil {
					dwpe[dwpeTOffset+i] += d
				}
			}
		}
	}
}

// sinusoidTable returns the fixed (maxT, C) sine/cosine position table.
func sinusoidTable(maxT, C int) []float32 {
	table := make([]float32, maxT*C)
	for t := 0; t < maxT; t++ {
		for i := 0; i < C; i += 2 {
			freq := math.Exp(-math.Log(10000.0) * float64(i) / float64(C))
			table[t*C+i] = float32(math.Sin(float64(t) * freq))
			if i+1 < C {
				table[t*C+i+1] = float32(math.Cos(float64(t) * freq))
			}
		}
	}
	return table
}

// layernormForward normalises every C-dimensional row of inp, then scales
// and shifts it. mean and rstd are (B, T) buffers kept for the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	var eps float64 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				xshift := float64(x[i]) - m
				v += xshift * xshift
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI
				dval -= dnormMean
				dval -= normBTI * dnormNormMean
				dval *= rstdBT
				dinpBT[i] += dval
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias.
// inp is (B, T, C), weight is (OC, C), bias is (OC) or nil, out is (B, T, OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: N, Cols: C, Stride: C, Data: inp},
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight},
		0,
		blas32.General{Rows: N, Cols: OC, Stride: OC, Data: out})
	if bias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := out[n*OC : n*OC+OC]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

// matmulBackward accumulates the gradients of matmulForward into dinp,
// dweight and dbias (dbias may be nil).
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	gout := blas32.General{Rows: N, Cols: OC, Stride: OC, Data: dout}
	// dinp += dout @ weight
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		gout,
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight},
		1,
		blas32.General{Rows: N, Cols: C, Stride: C, Data: dinp})
	// dweight += dout^T @ inp
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		gout,
		blas32.General{Rows: N, Cols: C, Stride: C, Data: inp},
		1,
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: dweight})
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := dout[n*OC : n*OC+OC]
		for o, d := range row {
			dbias[o] += d
		}
	}
}

// relOffset maps the key/query distance onto a bias column, clipped to window.
func relOffset(t, t2, window int) int {
	d := t2 - t
	if d > window {
		d = window
	} else if d < -window {
		d = -window
	}
	return d + window
}

// attentionForward is multi-head scaled dot-product attention.
//
// q is (B, Tq, C) and k, v are (B, Tk, C); head h owns channels [h*hs, (h+1)*hs).
// att is (B, NH, Tq, Tk) and receives the normalised weights, out is (B, Tq, C).
// keyPad (B, Tk) marks keys nobody may attend to, causal hides keys after the
// query position, and relBias (NH, 2*window+1) adds a learned bias indexed by
// the clipped key-query offset. keyPad and relBias may be nil.
func attentionForward(out, att, q, k, v []float32, keyPad []bool, relBias []float32, window int, causal bool, B, Tq, Tk, C, NH int) {
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	nrel := 2*window + 1
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for h := 0; h < NH; h++ {
				for t := 0; t < Tq; t++ {
					queryT := q[b*Tq*C+t*C+h*hs:]
					attBTH := att[b*NH*Tq*Tk+h*Tq*Tk+t*Tk:][:Tk]
					maxval := math.Inf(-1)
					visible := 0
					for t2 := 0; t2 < Tk; t2++ {
						if (causal && t2 > t) || (keyPad != nil && keyPad[b*Tk+t2]) {
							continue
						}
						keyT2 := k[b*Tk*C+t2*C+h*hs:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if relBias != nil {
							val += float64(relBias[h*nrel+relOffset(t, t2, window)])
						}
						if val > maxval {
							maxval = val
						}
						attBTH[t2] = float32(val)
						visible++
					}
					outBTH := out[b*Tq*C+t*C+h*hs:][:hs]
					for i := range outBTH {
						outBTH[i] = 0
					}
					if visible == 0 {
						for t2 := range attBTH {
							attBTH[t2] = 0
						}
						continue
					}
					expsum := 0.0
					for t2 := 0; t2 < Tk; t2++ {
						if (causal && t2 > t) || (keyPad != nil && keyPad[b*Tk+t2]) {
							attBTH[t2] = 0
							continue
						}
						expv := math.Exp(float64(attBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					expsumInv := float32(1.0 / expsum)
					for t2 := 0; t2 < Tk; t2++ {
						attBTH[t2] *= expsumInv
					}
					for t2 := 0; t2 < Tk; t2++ {
						a := attBTH[t2]
						if a == 0 {
							continue
						}
						valueT2 := v[b*Tk*C+t2*C+h*hs:]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}
			}
		}(b)
	}
	wg.Wait()
}

// attentionBackward accumulates the gradients of attentionForward into dq,
// dk, dv and, when relBias was used, dRelBias.
func attentionBackward(dq, dk, dv, dRelBias, dout, q, k, v, att []float32, window int, B, Tq, Tk, C, NH int) {
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	nrel := 2*window + 1
	// each batch row gets its own bias accumulator so goroutines never share one
	var relPerBatch [][]float32
	if dRelBias != nil {
		relPerBatch = make([][]float32, B)
	}
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			var drel []float32
			if dRelBias != nil {
				drel = make([]float32, len(dRelBias))
				relPerBatch[b] = drel
			}
			datt := make([]float32, Tk)
			for h := 0; h < NH; h++ {
				for t := 0; t < Tq; t++ {
					attBTH := att[b*NH*Tq*Tk+h*Tq*Tk+t*Tk:][:Tk]
					doutBTH := dout[b*Tq*C+t*C+h*hs:][:hs]
					queryT := q[b*Tq*C+t*C+h*hs:][:hs]
					dqueryT := dq[b*Tq*C+t*C+h*hs:][:hs]

					var dot float32
					for t2 := 0; t2 < Tk; t2++ {
						a := attBTH[t2]
						if a == 0 {
							datt[t2] = 0
							continue
						}
						valueT2 := v[b*Tk*C+t2*C+h*hs:][:hs]
						dvalueT2 := dv[b*Tk*C+t2*C+h*hs:][:hs]
						var d float32
						for i := 0; i < hs; i++ {
							d += valueT2[i] * doutBTH[i]
							dvalueT2[i] += a * doutBTH[i]
						}
						datt[t2] = d
						dot += a * d
					}
					for t2 := 0; t2 < Tk; t2++ {
						a := attBTH[t2]
						if a == 0 {
							continue
						}
						dpre := a * (datt[t2] - dot)
						if drel != nil {
							drel[h*nrel+relOffset(t, t2, window)] += dpre
						}
						keyT2 := k[b*Tk*C+t2*C+h*hs:][:hs]
						dkeyT2 := dk[b*Tk*C+t2*C+h*hs:][:hs]
						for i := 0; i < hs; i++ {
							dqueryT[i] += keyT2[i] * dpre * scale
							dkeyT2[i] += queryT[i] * dpre * scale
						}
					}
				}
			}
		}(b)
	}
	wg.Wait()
	for _, drel := range relPerBatch {
		for i, d := range drel {
			dRelBias[i] += d
		}
	}
}

func reluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			out[i] = inp[i]
		} else {
			out[i] = 0
		}
	}
}

func reluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			dinp[i] += dout[i]
		}
	}
}

var GELU_SCALING_FACTOR = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(GELU_SCALING_FACTOR*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := GELU_SCALING_FACTOR * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshfOut := math.Cosh(tanhArg)
		sechOut := 1.0 / (coshfOut * coshfOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*GELU_SCALING_FACTOR*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// dropoutForward zeroes each element with probability p and rescales the
// survivors by 1/(1-p). mask keeps the per-element factor for the backward pass.
func dropoutForward(out, mask, inp []float32, p float32, rng *rand.Rand, n int) {
	keep := 1 / (1 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
		out[i] = inp[i] * mask[i]
	}
}

func dropoutBackward(dinp, dout, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]

			maxval := logitsBT[0]
			for i := 1; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			sum := 0.0
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

// crossEntropyForward writes -log(p[target]) for every position. Positions
// whose target equals ignore get a loss of zero.
func crossEntropyForward(losses []float32, probs []float32, targets []int32, ignore int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := targets[b*T+t]
			if ix == ignore {
				losses[b*T+t] = 0
				continue
			}
			prob := probs[b*T*V+t*V+int(ix)]
			losses[b*T+t] = float32(-math.Log(float64(prob)))
		}
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dloss := dlosses[b*T+t]
			if dloss == 0 {
				continue
			}
			baseIndex := b*T*V + t*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			ix := int(targets[b*T+t])
			for i := 0; i < V; i++ {
				var indicator float32
				if i == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (probsBT[i] - indicator) * dloss
			}
		}
	}
}

// argmaxForward picks the highest scoring entry of every V-sized row.
func argmaxForward(out []int32, scores []float32, N, V int) {
	for n := 0; n < N; n++ {
		row := scores[n*V : n*V+V]
		best := 0
		for i := 1; i < V; i++ {
			if row[i] > row[best] {
				best = i
			}
		}
		out[n] = int32(best)
	}
}
