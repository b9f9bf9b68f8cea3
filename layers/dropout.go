package layers

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout applies inverted dropout to each step of a sequence: kept entries
// are scaled by 1/(1-p) during training so evaluation needs no rescaling.
// Outside training, or with p == 0, inputs pass through untouched.
type Dropout struct {
	P   float64
	rng *rand.Rand

	masks []*mat.Dense // one per step, nil when the pass was identity
}

// NewDropout creates a dropout layer with drop probability p.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

// ForwardSeq samples a fresh mask per step and applies it. The masks are
// kept for BackwardSeq.
func (d *Dropout) ForwardSeq(xs []*mat.Dense, train bool) []*mat.Dense {
	if !train || d.P <= 0 {
		d.masks = nil
		return xs
	}
	keep := 1 - d.P
	d.masks = make([]*mat.Dense, len(xs))
	out := make([]*mat.Dense, len(xs))
	for t, x := range xs {
		rows, cols := x.Dims()
		mask := mat.NewDense(rows, cols, nil)
		dropped := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			mr := mask.RawRowView(i)
			dr := dropped.RawRowView(i)
			xr := x.RawRowView(i)
			for j := 0; j < cols; j++ {
				if d.rng.Float64() < keep {
					mr[j] = 1 / keep
				}
				dr[j] = xr[j] * mr[j]
			}
		}
		d.masks[t] = mask
		out[t] = dropped
	}
	return out
}

// BackwardSeq applies the masks from the matching ForwardSeq to the per-step
// output gradients. Nil gradient entries stay nil.
func (d *Dropout) BackwardSeq(grads []*mat.Dense) []*mat.Dense {
	if d.masks == nil {
		return grads
	}
	out := make([]*mat.Dense, len(grads))
	for t, g := range grads {
		if g == nil {
			continue
		}
		var masked mat.Dense
		masked.MulElem(g, d.masks[t])
		out[t] = &masked
	}
	return out
}
