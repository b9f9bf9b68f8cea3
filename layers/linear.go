package layers

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer computing y = x*W + b.
type Linear struct {
	In  int
	Out int
	W   *Param // [In, Out]
	B   *Param // [Out, 1]

	x *mat.Dense // cached input for the backward pass
}

// NewLinear creates a Linear layer with weights drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   NewParam(name+".weight", in, out),
		B:   NewParam(name+".bias", out, 1),
	}
	bound := 1.0 / math.Sqrt(float64(in))
	l.W.InitUniform(bound, rng)
	l.B.InitUniform(bound, rng)
	return l
}

func (l *Linear) Forward(x *mat.Dense, train bool) *mat.Dense {
	checkDims("linear", x, l.In)
	l.x = x
	n, _ := x.Dims()
	y := mat.NewDense(n, l.Out, nil)
	y.Mul(x, l.W.Matrix())
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		for j := 0; j < l.Out; j++ {
			row[j] += l.B.Data[j]
		}
	}
	return y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	n, _ := grad.Dims()

	var dw mat.Dense
	dw.Mul(l.x.T(), grad)
	wg := l.W.GradMatrix()
	wg.Add(wg, &dw)

	colSumsInto(l.B.Grad, grad)

	dx := mat.NewDense(n, l.In, nil)
	dx.Mul(grad, l.W.Matrix().T())
	return dx
}

func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }
