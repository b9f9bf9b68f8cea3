package layers

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// CellType selects a recurrent cell variant. The set is closed: anything not
// listed here must be rejected when the network is constructed.
type CellType int

const (
	GRUCell CellType = iota
	LSTMCell
)

func (ct CellType) String() string {
	switch ct {
	case GRUCell:
		return "GRU"
	case LSTMCell:
		return "LSTM"
	default:
		return "Unknown"
	}
}

// ParseCellType resolves a cell-type tag to its enum value. Unknown tags are
// an error, never a silent default.
func ParseCellType(s string) (CellType, error) {
	switch s {
	case "GRU":
		return GRUCell, nil
	case "LSTM":
		return LSTMCell, nil
	default:
		return 0, fmt.Errorf("unknown base model name `%s`", s)
	}
}

// NewCell constructs a single recurrent layer of the given type.
func NewCell(ct CellType, name string, in, hidden int, rng *rand.Rand) (Recurrent, error) {
	switch ct {
	case GRUCell:
		return NewGRU(name, in, hidden, rng), nil
	case LSTMCell:
		return NewLSTM(name, in, hidden, rng), nil
	default:
		return nil, fmt.Errorf("unknown cell type %d", ct)
	}
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

// GRU is a single gated-recurrent-unit layer. Weights follow the usual
// convention with separate input and hidden biases:
//
//	r = sigmoid(x*Wir + bir + h*Whr + bhr)
//	z = sigmoid(x*Wiz + biz + h*Whz + bhz)
//	n = tanh(x*Win + bin + r .* (h*Whn + bhn))
//	h' = (1-z) .* n + z .* h
type GRU struct {
	In     int
	Hidden int

	Wir, Whr *Param
	Wiz, Whz *Param
	Win, Whn *Param
	Bir, Bhr *Param
	Biz, Bhz *Param
	Bin, Bhn *Param

	// per-step caches for backpropagation through time
	xs       []*mat.Dense
	hPrev    []*mat.Dense
	r, z, nn []*mat.Dense
	hn       []*mat.Dense // h*Whn + bhn before the reset gate is applied
}

// NewGRU creates a GRU layer with all weights drawn from
// U(-1/sqrt(hidden), 1/sqrt(hidden)).
func NewGRU(name string, in, hidden int, rng *rand.Rand) *GRU {
	g := &GRU{In: in, Hidden: hidden}
	bound := 1.0 / math.Sqrt(float64(hidden))
	mk := func(suffix string, rows, cols int) *Param {
		p := NewParam(name+"."+suffix, rows, cols)
		p.InitUniform(bound, rng)
		return p
	}
	g.Wir = mk("weight_ir", in, hidden)
	g.Wiz = mk("weight_iz", in, hidden)
	g.Win = mk("weight_in", in, hidden)
	g.Whr = mk("weight_hr", hidden, hidden)
	g.Whz = mk("weight_hz", hidden, hidden)
	g.Whn = mk("weight_hn", hidden, hidden)
	g.Bir = mk("bias_ir", hidden, 1)
	g.Biz = mk("bias_iz", hidden, 1)
	g.Bin = mk("bias_in", hidden, 1)
	g.Bhr = mk("bias_hr", hidden, 1)
	g.Bhz = mk("bias_hz", hidden, 1)
	g.Bhn = mk("bias_hn", hidden, 1)
	return g
}

// gatePre computes x*Wi + bi + h*Wh + bh for one gate.
func gatePre(x, h *mat.Dense, wi, wh, bi, bh *Param) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, wi.Cols, nil)
	out.Mul(x, wi.Matrix())
	var hp mat.Dense
	hp.Mul(h, wh.Matrix())
	out.Add(out, &hp)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += bi.Data[j] + bh.Data[j]
		}
	}
	return out
}

func (g *GRU) Forward(xs []*mat.Dense, train bool) []*mat.Dense {
	steps := len(xs)
	n, _ := xs[0].Dims()
	checkDims("gru", xs[0], g.In)

	g.xs = xs
	g.hPrev = make([]*mat.Dense, steps)
	g.r = make([]*mat.Dense, steps)
	g.z = make([]*mat.Dense, steps)
	g.nn = make([]*mat.Dense, steps)
	g.hn = make([]*mat.Dense, steps)

	h := mat.NewDense(n, g.Hidden, nil)
	hs := make([]*mat.Dense, steps)
	for t := 0; t < steps; t++ {
		x := xs[t]
		g.hPrev[t] = h

		r := gatePre(x, h, g.Wir, g.Whr, g.Bir, g.Bhr)
		r.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, r)

		z := gatePre(x, h, g.Wiz, g.Whz, g.Biz, g.Bhz)
		z.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, z)

		// hn = h*Whn + bhn is cached before the reset gate so the backward
		// pass can recover the gradient path into r.
		hn := mat.NewDense(n, g.Hidden, nil)
		hn.Mul(h, g.Whn.Matrix())
		for i := 0; i < n; i++ {
			row := hn.RawRowView(i)
			for j := range row {
				row[j] += g.Bhn.Data[j]
			}
		}

		cand := mat.NewDense(n, g.Hidden, nil)
		cand.Mul(x, g.Win.Matrix())
		for i := 0; i < n; i++ {
			row := cand.RawRowView(i)
			rRow := r.RawRowView(i)
			hnRow := hn.RawRowView(i)
			for j := range row {
				row[j] = math.Tanh(row[j] + g.Bin.Data[j] + rRow[j]*hnRow[j])
			}
		}

		next := mat.NewDense(n, g.Hidden, nil)
		for i := 0; i < n; i++ {
			out := next.RawRowView(i)
			zr := z.RawRowView(i)
			nr := cand.RawRowView(i)
			hr := h.RawRowView(i)
			for j := range out {
				out[j] = (1-zr[j])*nr[j] + zr[j]*hr[j]
			}
		}

		g.r[t], g.z[t], g.nn[t], g.hn[t] = r, z, cand, hn
		h = next
		hs[t] = h
	}
	return hs
}

func (g *GRU) Backward(dhs []*mat.Dense) []*mat.Dense {
	steps := len(g.xs)
	n, _ := g.xs[0].Dims()
	dxs := make([]*mat.Dense, steps)
	dh := mat.NewDense(n, g.Hidden, nil)

	for t := steps - 1; t >= 0; t-- {
		if dhs[t] != nil {
			dh.Add(dh, dhs[t])
		}

		r, z, cand, hn := g.r[t], g.z[t], g.nn[t], g.hn[t]
		hPrev := g.hPrev[t]

		dzPre := mat.NewDense(n, g.Hidden, nil)
		dnPre := mat.NewDense(n, g.Hidden, nil)
		drPre := mat.NewDense(n, g.Hidden, nil)
		da := mat.NewDense(n, g.Hidden, nil)
		dhPrevDirect := mat.NewDense(n, g.Hidden, nil)

		for i := 0; i < n; i++ {
			dhr := dh.RawRowView(i)
			rr := r.RawRowView(i)
			zr := z.RawRowView(i)
			nr := cand.RawRowView(i)
			hnr := hn.RawRowView(i)
			hpr := hPrev.RawRowView(i)
			dz := dzPre.RawRowView(i)
			dn := dnPre.RawRowView(i)
			dr := drPre.RawRowView(i)
			dar := da.RawRowView(i)
			dhp := dhPrevDirect.RawRowView(i)
			for j := 0; j < g.Hidden; j++ {
				dz[j] = dhr[j] * (hpr[j] - nr[j]) * zr[j] * (1 - zr[j])
				dn[j] = dhr[j] * (1 - zr[j]) * (1 - nr[j]*nr[j])
				dar[j] = dn[j] * rr[j]
				dr[j] = dn[j] * hnr[j] * rr[j] * (1 - rr[j])
				dhp[j] = dhr[j] * zr[j]
			}
		}

		x := g.xs[t]
		accumulate := func(wi, wh, bi, bh *Param, delta *mat.Dense, hSide *mat.Dense) {
			var dw mat.Dense
			dw.Mul(x.T(), delta)
			wg := wi.GradMatrix()
			wg.Add(wg, &dw)
			var dwh mat.Dense
			dwh.Mul(hSide.T(), delta)
			whg := wh.GradMatrix()
			whg.Add(whg, &dwh)
			colSumsInto(bi.Grad, delta)
			colSumsInto(bh.Grad, delta)
		}
		accumulate(g.Wir, g.Whr, g.Bir, g.Bhr, drPre, hPrev)
		accumulate(g.Wiz, g.Whz, g.Biz, g.Bhz, dzPre, hPrev)

		// The candidate gate splits: the input path carries dnPre while the
		// hidden path carries da = dnPre .* r.
		var dwin mat.Dense
		dwin.Mul(x.T(), dnPre)
		wing := g.Win.GradMatrix()
		wing.Add(wing, &dwin)
		colSumsInto(g.Bin.Grad, dnPre)
		var dwhn mat.Dense
		dwhn.Mul(hPrev.T(), da)
		whng := g.Whn.GradMatrix()
		whng.Add(whng, &dwhn)
		colSumsInto(g.Bhn.Grad, da)

		dx := mat.NewDense(n, g.In, nil)
		var tmp mat.Dense
		tmp.Mul(drPre, g.Wir.Matrix().T())
		dx.Add(dx, &tmp)
		tmp.Reset()
		tmp.Mul(dzPre, g.Wiz.Matrix().T())
		dx.Add(dx, &tmp)
		tmp.Reset()
		tmp.Mul(dnPre, g.Win.Matrix().T())
		dx.Add(dx, &tmp)
		dxs[t] = dx

		next := dhPrevDirect
		tmp.Reset()
		tmp.Mul(drPre, g.Whr.Matrix().T())
		next.Add(next, &tmp)
		tmp.Reset()
		tmp.Mul(dzPre, g.Whz.Matrix().T())
		next.Add(next, &tmp)
		tmp.Reset()
		tmp.Mul(da, g.Whn.Matrix().T())
		next.Add(next, &tmp)
		dh = next
	}
	return dxs
}

func (g *GRU) Params() []*Param {
	return []*Param{
		g.Wir, g.Whr, g.Wiz, g.Whz, g.Win, g.Whn,
		g.Bir, g.Bhr, g.Biz, g.Bhz, g.Bin, g.Bhn,
	}
}

// LSTM is a single long-short-term-memory layer:
//
//	i = sigmoid(x*Wii + bii + h*Whi + bhi)
//	f = sigmoid(x*Wif + bif + h*Whf + bhf)
//	g = tanh(x*Wig + big + h*Whg + bhg)
//	o = sigmoid(x*Wio + bio + h*Who + bho)
//	c' = f .* c + i .* g
//	h' = o .* tanh(c')
type LSTM struct {
	In     int
	Hidden int

	Wii, Whi *Param
	Wif, Whf *Param
	Wig, Whg *Param
	Wio, Who *Param
	Bii, Bhi *Param
	Bif, Bhf *Param
	Big, Bhg *Param
	Bio, Bho *Param

	xs         []*mat.Dense
	hPrev      []*mat.Dense
	cPrev      []*mat.Dense
	i, f, g, o []*mat.Dense
	c          []*mat.Dense
}

// NewLSTM creates an LSTM layer with all weights drawn from
// U(-1/sqrt(hidden), 1/sqrt(hidden)).
func NewLSTM(name string, in, hidden int, rng *rand.Rand) *LSTM {
	l := &LSTM{In: in, Hidden: hidden}
	bound := 1.0 / math.Sqrt(float64(hidden))
	mk := func(suffix string, rows, cols int) *Param {
		p := NewParam(name+"."+suffix, rows, cols)
		p.InitUniform(bound, rng)
		return p
	}
	l.Wii = mk("weight_ii", in, hidden)
	l.Wif = mk("weight_if", in, hidden)
	l.Wig = mk("weight_ig", in, hidden)
	l.Wio = mk("weight_io", in, hidden)
	l.Whi = mk("weight_hi", hidden, hidden)
	l.Whf = mk("weight_hf", hidden, hidden)
	l.Whg = mk("weight_hg", hidden, hidden)
	l.Who = mk("weight_ho", hidden, hidden)
	l.Bii = mk("bias_ii", hidden, 1)
	l.Bif = mk("bias_if", hidden, 1)
	l.Big = mk("bias_ig", hidden, 1)
	l.Bio = mk("bias_io", hidden, 1)
	l.Bhi = mk("bias_hi", hidden, 1)
	l.Bhf = mk("bias_hf", hidden, 1)
	l.Bhg = mk("bias_hg", hidden, 1)
	l.Bho = mk("bias_ho", hidden, 1)
	return l
}

func (l *LSTM) Forward(xs []*mat.Dense, train bool) []*mat.Dense {
	steps := len(xs)
	n, _ := xs[0].Dims()
	checkDims("lstm", xs[0], l.In)

	l.xs = xs
	l.hPrev = make([]*mat.Dense, steps)
	l.cPrev = make([]*mat.Dense, steps)
	l.i = make([]*mat.Dense, steps)
	l.f = make([]*mat.Dense, steps)
	l.g = make([]*mat.Dense, steps)
	l.o = make([]*mat.Dense, steps)
	l.c = make([]*mat.Dense, steps)

	h := mat.NewDense(n, l.Hidden, nil)
	c := mat.NewDense(n, l.Hidden, nil)
	hs := make([]*mat.Dense, steps)
	for t := 0; t < steps; t++ {
		x := xs[t]
		l.hPrev[t] = h
		l.cPrev[t] = c

		ig := gatePre(x, h, l.Wii, l.Whi, l.Bii, l.Bhi)
		ig.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, ig)
		fg := gatePre(x, h, l.Wif, l.Whf, l.Bif, l.Bhf)
		fg.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, fg)
		gg := gatePre(x, h, l.Wig, l.Whg, l.Big, l.Bhg)
		gg.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, gg)
		og := gatePre(x, h, l.Wio, l.Who, l.Bio, l.Bho)
		og.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, og)

		cNext := mat.NewDense(n, l.Hidden, nil)
		hNext := mat.NewDense(n, l.Hidden, nil)
		for i := 0; i < n; i++ {
			ir := ig.RawRowView(i)
			fr := fg.RawRowView(i)
			gr := gg.RawRowView(i)
			or := og.RawRowView(i)
			cr := c.RawRowView(i)
			cn := cNext.RawRowView(i)
			hn := hNext.RawRowView(i)
			for j := 0; j < l.Hidden; j++ {
				cn[j] = fr[j]*cr[j] + ir[j]*gr[j]
				hn[j] = or[j] * math.Tanh(cn[j])
			}
		}

		l.i[t], l.f[t], l.g[t], l.o[t], l.c[t] = ig, fg, gg, og, cNext
		h, c = hNext, cNext
		hs[t] = h
	}
	return hs
}

func (l *LSTM) Backward(dhs []*mat.Dense) []*mat.Dense {
	steps := len(l.xs)
	n, _ := l.xs[0].Dims()
	dxs := make([]*mat.Dense, steps)
	dh := mat.NewDense(n, l.Hidden, nil)
	dc := mat.NewDense(n, l.Hidden, nil)

	for t := steps - 1; t >= 0; t-- {
		if dhs[t] != nil {
			dh.Add(dh, dhs[t])
		}

		ig, fg, gg, og, c := l.i[t], l.f[t], l.g[t], l.o[t], l.c[t]
		cPrev := l.cPrev[t]
		hPrev := l.hPrev[t]

		diPre := mat.NewDense(n, l.Hidden, nil)
		dfPre := mat.NewDense(n, l.Hidden, nil)
		dgPre := mat.NewDense(n, l.Hidden, nil)
		doPre := mat.NewDense(n, l.Hidden, nil)
		dcPrev := mat.NewDense(n, l.Hidden, nil)

		for i := 0; i < n; i++ {
			dhr := dh.RawRowView(i)
			dcr := dc.RawRowView(i)
			ir := ig.RawRowView(i)
			fr := fg.RawRowView(i)
			gr := gg.RawRowView(i)
			or := og.RawRowView(i)
			cr := c.RawRowView(i)
			cpr := cPrev.RawRowView(i)
			di := diPre.RawRowView(i)
			df := dfPre.RawRowView(i)
			dg := dgPre.RawRowView(i)
			do := doPre.RawRowView(i)
			dcp := dcPrev.RawRowView(i)
			for j := 0; j < l.Hidden; j++ {
				tc := math.Tanh(cr[j])
				dcTotal := dcr[j] + dhr[j]*or[j]*(1-tc*tc)
				do[j] = dhr[j] * tc * or[j] * (1 - or[j])
				di[j] = dcTotal * gr[j] * ir[j] * (1 - ir[j])
				df[j] = dcTotal * cpr[j] * fr[j] * (1 - fr[j])
				dg[j] = dcTotal * ir[j] * (1 - gr[j]*gr[j])
				dcp[j] = dcTotal * fr[j]
			}
		}

		x := l.xs[t]
		accumulate := func(wi, wh, bi, bh *Param, delta *mat.Dense) {
			var dw mat.Dense
			dw.Mul(x.T(), delta)
			wg := wi.GradMatrix()
			wg.Add(wg, &dw)
			var dwh mat.Dense
			dwh.Mul(hPrev.T(), delta)
			whg := wh.GradMatrix()
			whg.Add(whg, &dwh)
			colSumsInto(bi.Grad, delta)
			colSumsInto(bh.Grad, delta)
		}
		accumulate(l.Wii, l.Whi, l.Bii, l.Bhi, diPre)
		accumulate(l.Wif, l.Whf, l.Bif, l.Bhf, dfPre)
		accumulate(l.Wig, l.Whg, l.Big, l.Bhg, dgPre)
		accumulate(l.Wio, l.Who, l.Bio, l.Bho, doPre)

		dx := mat.NewDense(n, l.In, nil)
		dhNext := mat.NewDense(n, l.Hidden, nil)
		var tmp mat.Dense
		for _, pair := range []struct {
			delta  *mat.Dense
			wi, wh *Param
		}{
			{diPre, l.Wii, l.Whi},
			{dfPre, l.Wif, l.Whf},
			{dgPre, l.Wig, l.Whg},
			{doPre, l.Wio, l.Who},
		} {
			tmp.Reset()
			tmp.Mul(pair.delta, pair.wi.Matrix().T())
			dx.Add(dx, &tmp)
			tmp.Reset()
			tmp.Mul(pair.delta, pair.wh.Matrix().T())
			dhNext.Add(dhNext, &tmp)
		}
		dxs[t] = dx
		dh = dhNext
		dc = dcPrev
	}
	return dxs
}

func (l *LSTM) Params() []*Param {
	return []*Param{
		l.Wii, l.Whi, l.Wif, l.Whf, l.Wig, l.Whg, l.Wio, l.Who,
		l.Bii, l.Bhi, l.Bif, l.Bhf, l.Big, l.Bhg, l.Bio, l.Bho,
	}
}
