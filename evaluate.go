package compgen

import (
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Transducer is the part of a model accuracy measurement needs.
type Transducer interface {
	Forward(src, trg TokenMatrix) Output
	SetTraining(training bool)
}

// Accuracy is the share of sequences the model reproduces exactly under
// teacher forcing: it is fed trg[:-1] and must predict trg[1:] at every
// non-pad position. The model is in evaluation mode for the pass and back in
// training mode afterwards. An empty source yields NaN.
func Accuracy(data BatchSource, model Transducer, pad int32) float64 {
	model.SetTraining(false)
	defer model.SetTraining(true)
	var correct []float64
	for _, batch := range data.Batches() {
		for _, ok := range batchCorrect(batch, model, pad) {
			if ok {
				correct = append(correct, 1)
			} else {
				correct = append(correct, 0)
			}
		}
	}
	return stat.Mean(correct, nil)
}

// batchCorrect reports for every sequence of the batch whether it was
// predicted exactly.
func batchCorrect(batch Batch, model Transducer, pad int32) []bool {
	trg := batch.Trg
	if trg.T < 2 {
		// nothing to predict
		all := make([]bool, trg.B)
		for i := range all {
			all[i] = true
		}
		return all
	}
	preds, trgOut := predict(batch, model)
	return sequenceCorrect(positionCorrect(preds.Data, trgOut, pad), trgOut.T, trgOut.B)
}

// predict runs the teacher-forced pass and returns the argmax tokens next to
// the targets they are scored against.
func predict(batch Batch, model Transducer) (preds, trgOut TokenMatrix) {
	trg := batch.Trg
	out := model.Forward(batch.Src, trg.Rows(0, trg.T-1))
	trgOut = trg.Rows(1, trg.T)
	preds = TokenMatrix{Data: make([]int32, trgOut.T*trgOut.B), T: trgOut.T, B: trgOut.B}
	argmaxForward(preds.Data, out.Scores, len(preds.Data), out.V)
	return preds, trgOut
}

// Miss is a sequence the model did not reproduce.
type Miss struct {
	Src, Want, Got []int32
}

// FirstMiss returns the first mispredicted sequence of data, in batch order.
func FirstMiss(data BatchSource, model Transducer, pad int32) (Miss, bool) {
	model.SetTraining(false)
	defer model.SetTraining(true)
	for _, batch := range data.Batches() {
		if batch.Trg.T < 2 {
			continue
		}
		preds, trgOut := predict(batch, model)
		for b, ok := range sequenceCorrect(positionCorrect(preds.Data, trgOut, pad), trgOut.T, trgOut.B) {
			if !ok {
				return Miss{Src: batch.Src.Column(b), Want: trgOut.Column(b), Got: preds.Column(b)}, true
			}
		}
	}
	return Miss{}, false
}

// Strings decodes the miss. Padding is dropped from the source, and the
// prediction is cut wherever the target pads.
func (m Miss) Strings(src, trg *Vocab) (string, string, string, error) {
	var s, w, g []int32
	for _, id := range m.Src {
		if id != src.Pad() {
			s = append(s, id)
		}
	}
	for i, id := range m.Want {
		if id != trg.Pad() {
			w = append(w, id)
			g = append(g, m.Got[i])
		}
	}
	out := make([]string, 3)
	for i, c := range []struct {
		v   *Vocab
		ids []int32
	}{{src, s}, {trg, w}, {trg, g}} {
		toks, err := c.v.Decode(c.ids)
		if err != nil {
			return "", "", "", err
		}
		out[i] = strings.Join(toks, " ")
	}
	return out[0], out[1], out[2], nil
}

// positionCorrect marks a position correct when the prediction matches the
// target or the target is padding.
func positionCorrect(preds []int32, trg TokenMatrix, pad int32) []bool {
	ok := make([]bool, len(trg.Data))
	for i, want := range trg.Data {
		ok[i] = preds[i] == want || want == pad
	}
	return ok
}

// sequenceCorrect folds time-major position marks into one mark per column.
func sequenceCorrect(positions []bool, T, B int) []bool {
	seq := make([]bool, B)
	for b := range seq {
		seq[b] = true
		for t := 0; t < T; t++ {
			if !positions[t*B+b] {
				seq[b] = false
				break
			}
		}
	}
	return seq
}
