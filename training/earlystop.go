package training

import "math"

// earlyStopper tracks the best validation score and the run of epochs
// without improvement. The best score starts at negative infinity so the
// first observed epoch always becomes the current best.
type earlyStopper struct {
	patience int
	best     float64
	bestIdx  int
	run      int
}

func newEarlyStopper(patience int) *earlyStopper {
	return &earlyStopper{patience: patience, best: math.Inf(-1), bestIdx: -1}
}

// observe records one epoch's validation score. improved reports whether
// this epoch is the new best; stop reports whether patience is exhausted.
func (e *earlyStopper) observe(epoch int, score float64) (improved, stop bool) {
	if score > e.best {
		e.best = score
		e.bestIdx = epoch
		e.run = 0
		return true, false
	}
	e.run++
	return false, e.run >= e.patience
}
