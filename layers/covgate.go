package layers

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CovGate re-weights each sample's hidden state by its covariance with every
// other sample in the batch. For hidden states H of shape [N, d] it forms the
// dense similarity matrix
//
//	G[i,j] = mean_k(H[i,k]*H[j,k]) - mean(H[i])*mean(H[j])
//
// and returns G*H. The gate is symmetric, includes the diagonal, and is
// quadratic in the batch size. Every output row mixes all rows of the same
// batch, so batch composition is part of the model's semantics.
type CovGate struct {
	h    *mat.Dense // cached input H [N, d]
	mu   []float64  // cached row means of H
	gram *mat.Dense // cached H*H^T [N, N]
}

// NewCovGate creates a covariance gate. The gate has no parameters.
func NewCovGate() *CovGate { return &CovGate{} }

// Similarity returns the [N, N] covariance matrix for the given hidden
// states without applying the aggregation.
func (cg *CovGate) Similarity(h *mat.Dense) *mat.Dense {
	n, d := h.Dims()

	mu := make([]float64, n)
	for i := 0; i < n; i++ {
		mu[i] = floats.Sum(h.RawRowView(i)) / float64(d)
	}

	gram := mat.NewDense(n, n, nil)
	gram.Mul(h, h.T())

	g := mat.NewDense(n, n, nil)
	invD := 1.0 / float64(d)
	for i := 0; i < n; i++ {
		gr := gram.RawRowView(i)
		out := g.RawRowView(i)
		for j := 0; j < n; j++ {
			out[j] = gr[j]*invD - mu[i]*mu[j]
		}
	}

	cg.h = h
	cg.mu = mu
	cg.gram = gram
	return g
}

func (cg *CovGate) Forward(h *mat.Dense, train bool) *mat.Dense {
	n, d := h.Dims()
	g := cg.Similarity(h)
	out := mat.NewDense(n, d, nil)
	out.Mul(g, h)
	return out
}

// Backward propagates the gradient through out = G(H)*H, accounting for the
// dependence of G on H. With row-mean vector mu = (1/d)*H*1:
//
//	dH = (1/d)*(grad*H^T*H + H*grad^T*H + H*H^T*grad)
//	   - (1/d)*((grad*H^T*mu)*1^T + (H*grad^T*mu)*1^T)
//	   - mu*mu^T*grad
func (cg *CovGate) Backward(grad *mat.Dense) *mat.Dense {
	n, d := cg.h.Dims()
	invD := 1.0 / float64(d)

	var hth mat.Dense // H^T*H [d, d]
	hth.Mul(cg.h.T(), cg.h)

	dx := mat.NewDense(n, d, nil)
	dx.Mul(grad, &hth) // grad * (H^T H)

	var gth mat.Dense // grad^T*H [d, d]
	gth.Mul(grad.T(), cg.h)
	var t2 mat.Dense
	t2.Mul(cg.h, &gth)
	dx.Add(dx, &t2)

	var t3 mat.Dense
	t3.Mul(cg.gram, grad) // (H H^T) * grad
	dx.Add(dx, &t3)
	dx.Scale(invD, dx)

	// Column vectors v1 = grad*H^T*mu and v2 = H*grad^T*mu; each contributes
	// an outer product with the all-ones row vector.
	muVec := mat.NewVecDense(n, cg.mu)
	var hmu mat.VecDense // H^T*mu [d]
	hmu.MulVec(cg.h.T(), muVec)
	var v1 mat.VecDense // grad*(H^T*mu) [n]
	v1.MulVec(grad, &hmu)
	var gmu mat.VecDense // grad^T*mu [d]
	gmu.MulVec(grad.T(), muVec)
	var v2 mat.VecDense // H*(grad^T*mu) [n]
	v2.MulVec(cg.h, &gmu)

	for i := 0; i < n; i++ {
		shift := (v1.AtVec(i) + v2.AtVec(i)) * invD
		row := dx.RawRowView(i)
		for j := 0; j < d; j++ {
			row[j] -= shift
		}
	}

	// mu*mu^T*grad: scale each grad row by mu, sum, then redistribute by mu.
	acc := make([]float64, d)
	for i := 0; i < n; i++ {
		g := grad.RawRowView(i)
		for j := 0; j < d; j++ {
			acc[j] += cg.mu[i] * g[j]
		}
	}
	for i := 0; i < n; i++ {
		row := dx.RawRowView(i)
		for j := 0; j < d; j++ {
			row[j] -= cg.mu[i] * acc[j]
		}
	}
	return dx
}

func (cg *CovGate) Params() []*Param { return nil }
