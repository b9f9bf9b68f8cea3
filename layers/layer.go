// Package layers provides the differentiable building blocks of the scoring
// network: dense, batch-normalization and activation layers plus the recurrent
// cells and the cross-instrument covariance gate. Layers run on the CPU with
// gonum; each layer caches what its backward pass needs during Forward.
package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a learnable tensor together with its accumulated gradient.
// Data and Grad are flat row-major slices; Matrix and GradMatrix return
// gonum views that share the same backing storage, so writes through the
// views are visible to optimizers stepping over the flat slices.
type Param struct {
	Name string
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

// NewParam creates a zero-valued parameter of the given shape.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// Matrix returns a dense view over the parameter values.
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Data)
}

// GradMatrix returns a dense view over the accumulated gradient.
func (p *Param) GradMatrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Grad)
}

// InitUniform fills the parameter with samples from U(-bound, bound).
func (p *Param) InitUniform(bound float64, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// NumElems returns the number of scalar values in the parameter.
func (p *Param) NumElems() int { return p.Rows * p.Cols }

// Layer is a feed-forward layer operating on a [batch, features] matrix.
// Backward consumes the gradient w.r.t. the layer output, accumulates
// parameter gradients and returns the gradient w.r.t. the layer input.
// Backward must be called after Forward on the same input.
type Layer interface {
	Forward(x *mat.Dense, train bool) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*Param
}

// Recurrent is a recurrent layer operating on a sequence of [batch, features]
// matrices, one per time step. Backward takes per-step output gradients
// (nil entries mean zero) and returns per-step input gradients.
type Recurrent interface {
	Forward(xs []*mat.Dense, train bool) []*mat.Dense
	Backward(dhs []*mat.Dense) []*mat.Dense
	Params() []*Param
}

// checkDims panics with a descriptive message when a layer is fed a matrix
// of unexpected width. A shape mismatch here is a programmer error, matching
// gonum's own panic-on-mismatch convention.
func checkDims(name string, x *mat.Dense, want int) {
	_, c := x.Dims()
	if c != want {
		panic(fmt.Sprintf("%s: input has %d features, want %d", name, c, want))
	}
}

// colSumsInto adds the column sums of m into dst (len(dst) == cols of m).
func colSumsInto(dst []float64, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			dst[j] += row[j]
		}
	}
}
