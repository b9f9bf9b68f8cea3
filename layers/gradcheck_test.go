package layers

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// weightedSum is the scalar probe used by the finite-difference checks:
// loss = sum(w .* out) so the output gradient fed to Backward is simply w.
func weightedSum(out *mat.Dense, w []float64) float64 {
	r, c := out.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := 0; j < c; j++ {
			s += w[i*c+j] * row[j]
		}
	}
	return s
}

func randSlice(n int, rng *rand.Rand) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.NormFloat64()
	}
	return s
}

// checkParamGrads compares every parameter gradient of a layer against a
// central finite difference of the forward pass.
func checkParamGrads(t *testing.T, params []*Param, forward func() float64, tol float64) {
	t.Helper()
	const eps = 1e-6
	for _, p := range params {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := forward()
			p.Data[i] = orig - eps
			down := forward()
			p.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			got := p.Grad[i]
			if math.Abs(got-numeric) > tol*(1+math.Abs(numeric)) {
				t.Fatalf("%s grad[%d] = %g, finite difference %g", p.Name, i, got, numeric)
			}
		}
	}
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n, in, out := 4, 3, 2
	l := NewLinear("fc", in, out, rng)
	x := mat.NewDense(n, in, randSlice(n*in, rng))
	w := randSlice(n*out, rng)

	forward := func() float64 { return weightedSum(l.Forward(x, true), w) }
	forward()
	dx := l.Backward(mat.NewDense(n, out, w))

	checkParamGrads(t, l.Params(), forward, 1e-6)

	const eps = 1e-6
	for i := 0; i < n; i++ {
		for j := 0; j < in; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			up := forward()
			x.Set(i, j, orig-eps)
			down := forward()
			x.Set(i, j, orig)
			numeric := (up - down) / (2 * eps)
			if math.Abs(dx.At(i, j)-numeric) > 1e-6*(1+math.Abs(numeric)) {
				t.Fatalf("input grad (%d,%d) = %g, finite difference %g", i, j, dx.At(i, j), numeric)
			}
		}
	}
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	n, features := 6, 3
	bn := NewBatchNorm("bn", features)
	// non-trivial affine parameters so both branches are exercised
	for i := range bn.Gamma.Data {
		bn.Gamma.Data[i] = 0.5 + rng.Float64()
		bn.Beta.Data[i] = rng.NormFloat64()
	}
	x := mat.NewDense(n, features, randSlice(n*features, rng))
	w := randSlice(n*features, rng)

	forward := func() float64 { return weightedSum(bn.Forward(x, true), w) }
	forward()
	dx := bn.Backward(mat.NewDense(n, features, w))

	checkParamGrads(t, bn.Params(), forward, 1e-5)

	const eps = 1e-6
	for i := 0; i < n; i++ {
		for j := 0; j < features; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			up := forward()
			x.Set(i, j, orig-eps)
			down := forward()
			x.Set(i, j, orig)
			numeric := (up - down) / (2 * eps)
			if math.Abs(dx.At(i, j)-numeric) > 1e-4*(1+math.Abs(numeric)) {
				t.Fatalf("input grad (%d,%d) = %g, finite difference %g", i, j, dx.At(i, j), numeric)
			}
		}
	}
}

func TestBatchNormUsesBatchStatisticsInEval(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	bn := NewBatchNorm("bn", 2)
	x := mat.NewDense(4, 2, randSlice(8, rng))

	trainOut := bn.Forward(x, true)
	evalOut := bn.Forward(x, false)
	if !mat.EqualApprox(trainOut, evalOut, 1e-12) {
		t.Fatal("evaluation output differs from training output; batch statistics must be used in both modes")
	}
	// every column normalized to mean ~0 under batch statistics
	for j := 0; j < 2; j++ {
		s := 0.0
		for i := 0; i < 4; i++ {
			s += evalOut.At(i, j)
		}
		if math.Abs(s/4) > 1e-10 {
			t.Fatalf("column %d mean = %g after normalization, want 0", j, s/4)
		}
	}
}

func TestLeakyReLU(t *testing.T) {
	a := NewLeakyReLU()
	x := mat.NewDense(1, 4, []float64{-2, -0.5, 0, 3})
	y := a.Forward(x, true)
	want := []float64{-0.02, -0.005, 0, 3}
	for j, w := range want {
		if math.Abs(y.At(0, j)-w) > 1e-12 {
			t.Fatalf("leaky relu output[%d] = %g, want %g", j, y.At(0, j), w)
		}
	}
	dx := a.Backward(mat.NewDense(1, 4, []float64{1, 1, 1, 1}))
	wantGrad := []float64{0.01, 0.01, 1, 1}
	for j, w := range wantGrad {
		if math.Abs(dx.At(0, j)-w) > 1e-12 {
			t.Fatalf("leaky relu grad[%d] = %g, want %g", j, dx.At(0, j), w)
		}
	}
}

func recurrentLastStepLoss(cell Recurrent, xs []*mat.Dense, w []float64) float64 {
	hs := cell.Forward(xs, false)
	return weightedSum(hs[len(hs)-1], w)
}

func checkRecurrentGradients(t *testing.T, mk func() Recurrent, in, hidden int) {
	t.Helper()
	rng := rand.New(rand.NewSource(9))
	n, steps := 3, 4
	xs := make([]*mat.Dense, steps)
	for tt := range xs {
		xs[tt] = mat.NewDense(n, in, randSlice(n*in, rng))
	}
	w := randSlice(n*hidden, rng)

	cell := mk()
	forward := func() float64 { return recurrentLastStepLoss(cell, xs, w) }
	forward()

	dhs := make([]*mat.Dense, steps)
	dhs[steps-1] = mat.NewDense(n, hidden, w)
	dxs := cell.Backward(dhs)

	checkParamGrads(t, cell.Params(), forward, 1e-4)

	const eps = 1e-6
	for tt := 0; tt < steps; tt++ {
		for i := 0; i < n; i++ {
			for j := 0; j < in; j++ {
				orig := xs[tt].At(i, j)
				xs[tt].Set(i, j, orig+eps)
				up := forward()
				xs[tt].Set(i, j, orig-eps)
				down := forward()
				xs[tt].Set(i, j, orig)
				numeric := (up - down) / (2 * eps)
				got := dxs[tt].At(i, j)
				if math.Abs(got-numeric) > 1e-4*(1+math.Abs(numeric)) {
					t.Fatalf("step %d input grad (%d,%d) = %g, finite difference %g", tt, i, j, got, numeric)
				}
			}
		}
	}
}

func TestGRUGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	checkRecurrentGradients(t, func() Recurrent { return NewGRU("gru", 3, 5, rng) }, 3, 5)
}

func TestLSTMGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	checkRecurrentGradients(t, func() Recurrent { return NewLSTM("lstm", 3, 5, rng) }, 3, 5)
}

func TestParseCellType(t *testing.T) {
	if ct, err := ParseCellType("GRU"); err != nil || ct != GRUCell {
		t.Fatalf("ParseCellType(GRU) = %v, %v", ct, err)
	}
	if ct, err := ParseCellType("LSTM"); err != nil || ct != LSTMCell {
		t.Fatalf("ParseCellType(LSTM) = %v, %v", ct, err)
	}
	if _, err := ParseCellType("Transformer"); err == nil {
		t.Fatal("ParseCellType accepted an unsupported cell type")
	}
}
