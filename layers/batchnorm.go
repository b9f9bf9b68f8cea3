package layers

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BatchNorm normalizes each feature over the batch dimension and applies a
// learnable affine transform. It keeps no running statistics: the batch
// statistics are used in both training and evaluation, so the output for one
// sample depends on which other samples share its batch. That coupling is
// load-bearing for the covariance gate downstream and must not be "fixed"
// by switching to running statistics.
type BatchNorm struct {
	Features int
	Eps      float64
	Gamma    *Param // [Features, 1], scale, initialized to 1
	Beta     *Param // [Features, 1], shift, initialized to 0

	xhat   *mat.Dense // cached normalized input
	invStd []float64  // cached 1/sqrt(var+eps) per feature
}

// NewBatchNorm creates a BatchNorm layer over the given feature count.
func NewBatchNorm(name string, features int) *BatchNorm {
	bn := &BatchNorm{
		Features: features,
		Eps:      1e-5,
		Gamma:    NewParam(name+".weight", features, 1),
		Beta:     NewParam(name+".bias", features, 1),
	}
	for i := range bn.Gamma.Data {
		bn.Gamma.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm) Forward(x *mat.Dense, train bool) *mat.Dense {
	checkDims("batchnorm", x, bn.Features)
	n, _ := x.Dims()

	mean := make([]float64, bn.Features)
	colSumsInto(mean, x)
	for j := range mean {
		mean[j] /= float64(n)
	}

	variance := make([]float64, bn.Features)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		for j := 0; j < bn.Features; j++ {
			d := row[j] - mean[j]
			variance[j] += d * d
		}
	}
	bn.invStd = make([]float64, bn.Features)
	for j := range variance {
		variance[j] /= float64(n)
		bn.invStd[j] = 1.0 / math.Sqrt(variance[j]+bn.Eps)
	}

	bn.xhat = mat.NewDense(n, bn.Features, nil)
	y := mat.NewDense(n, bn.Features, nil)
	for i := 0; i < n; i++ {
		in := x.RawRowView(i)
		xh := bn.xhat.RawRowView(i)
		out := y.RawRowView(i)
		for j := 0; j < bn.Features; j++ {
			xh[j] = (in[j] - mean[j]) * bn.invStd[j]
			out[j] = bn.Gamma.Data[j]*xh[j] + bn.Beta.Data[j]
		}
	}
	return y
}

func (bn *BatchNorm) Backward(grad *mat.Dense) *mat.Dense {
	n, _ := grad.Dims()

	// Per-feature sums of grad and grad*xhat feed both the parameter
	// gradients and the input gradient.
	sumG := make([]float64, bn.Features)
	sumGX := make([]float64, bn.Features)
	for i := 0; i < n; i++ {
		g := grad.RawRowView(i)
		xh := bn.xhat.RawRowView(i)
		for j := 0; j < bn.Features; j++ {
			sumG[j] += g[j]
			sumGX[j] += g[j] * xh[j]
		}
	}
	for j := 0; j < bn.Features; j++ {
		bn.Gamma.Grad[j] += sumGX[j]
		bn.Beta.Grad[j] += sumG[j]
	}

	dx := mat.NewDense(n, bn.Features, nil)
	inv := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		g := grad.RawRowView(i)
		xh := bn.xhat.RawRowView(i)
		out := dx.RawRowView(i)
		for j := 0; j < bn.Features; j++ {
			out[j] = bn.Gamma.Data[j] * bn.invStd[j] *
				(g[j] - sumG[j]*inv - xh[j]*sumGX[j]*inv)
		}
	}
	return dx
}

func (bn *BatchNorm) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }
