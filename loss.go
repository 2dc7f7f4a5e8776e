package compgen

import "math"

// CrossEntropyLoss is the mean token cross entropy of time-major (T, B, V)
// scores against (T, B) targets, skipping positions whose target is ignore.
// It returns the loss and its gradient with respect to the scores. With no
// counted position the loss is NaN and the gradient zero.
func CrossEntropyLoss(scores []float32, targets []int32, V int, ignore int32) (float32, []float32) {
	N := len(targets)
	probs := make([]float32, len(scores))
	softmaxForward(probs, scores, 1, N, V)
	losses := make([]float32, N)
	crossEntropyForward(losses, probs, targets, ignore, 1, N, V)
	count := 0
	var sum float64
	for i, target := range targets {
		if target == ignore {
			continue
		}
		count++
		sum += float64(losses[i])
	}
	dscores := make([]float32, len(scores))
	if count == 0 {
		return float32(math.NaN()), dscores
	}
	dlosses := make([]float32, N)
	for i, target := range targets {
		if target != ignore {
			dlosses[i] = 1.0 / float32(count)
		}
	}
	crossentropySoftmaxBackward(dscores, dlosses, probs, targets, 1, N, V)
	return float32(sum / float64(count)), dscores
}
