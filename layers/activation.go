package layers

import (
	"gonum.org/v1/gonum/mat"
)

// LeakyReLU applies max(x, slope*x) elementwise.
type LeakyReLU struct {
	Slope float64

	x *mat.Dense // cached input
}

// NewLeakyReLU creates a LeakyReLU with the conventional 0.01 negative slope.
func NewLeakyReLU() *LeakyReLU {
	return &LeakyReLU{Slope: 0.01}
}

func (a *LeakyReLU) Forward(x *mat.Dense, train bool) *mat.Dense {
	a.x = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		if v >= 0 {
			return v
		}
		return a.Slope * v
	}, x)
	return &y
}

func (a *LeakyReLU) Backward(grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		g := grad.RawRowView(i)
		in := a.x.RawRowView(i)
		out := dx.RawRowView(i)
		for j := 0; j < c; j++ {
			if in[j] >= 0 {
				out[j] = g[j]
			} else {
				out[j] = a.Slope * g[j]
			}
		}
	}
	return dx
}

func (a *LeakyReLU) Params() []*Param { return nil }
