// Package model assembles the stock scoring network: a recurrent encoder over
// per-instrument feature windows, a cross-instrument covariance gate, and a
// linear scoring head. The network exposes explicit Forward/Backward passes
// over gonum matrices; training policy lives in the training package.
package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/quantmill/stocknet/layers"
)

// Network scores a batch of instruments from flattened feature windows.
//
// The input is [N, dFeat*T] with channel-major flattening: row i holds
// dFeat channels of T time steps each. Forward recovers the [N, T, dFeat]
// view, encodes it with a stacked recurrent network, batch-normalizes the
// final hidden states, mixes them through the covariance gate, and maps the
// result to one score per instrument.
type Network struct {
	DFeat      int
	HiddenSize int
	NumLayers  int
	Dropout    float64
	Cell       layers.CellType

	cells []layers.Recurrent
	drops []*layers.Dropout // one per inter-layer gap
	bn1   *layers.BatchNorm
	gate  *layers.CovGate
	fc    *layers.Linear
	bn2   *layers.BatchNorm
	act   *layers.LeakyReLU
	fcOut *layers.Linear

	steps int // retained for the backward pass
}

// NewNetwork constructs the network. The cell type is a closed choice;
// an unsupported value fails here rather than defaulting.
func NewNetwork(dFeat, hiddenSize, numLayers int, dropout float64, cell layers.CellType, rng *rand.Rand) (*Network, error) {
	if dFeat <= 0 || hiddenSize <= 0 || numLayers <= 0 {
		return nil, fmt.Errorf("invalid network dimensions: d_feat=%d hidden_size=%d num_layers=%d", dFeat, hiddenSize, numLayers)
	}
	n := &Network{
		DFeat:      dFeat,
		HiddenSize: hiddenSize,
		NumLayers:  numLayers,
		Dropout:    dropout,
		Cell:       cell,
	}
	for i := 0; i < numLayers; i++ {
		in := dFeat
		if i > 0 {
			in = hiddenSize
		}
		c, err := layers.NewCell(cell, fmt.Sprintf("rnn.l%d", i), in, hiddenSize, rng)
		if err != nil {
			return nil, err
		}
		n.cells = append(n.cells, c)
	}
	// dropout between stacked layers only, never after the last
	for i := 0; i < numLayers-1; i++ {
		n.drops = append(n.drops, layers.NewDropout(dropout, rng))
	}
	n.bn1 = layers.NewBatchNorm("bn1", hiddenSize)
	n.gate = layers.NewCovGate()
	n.fc = layers.NewLinear("fc", hiddenSize, hiddenSize, rng)
	n.bn2 = layers.NewBatchNorm("bn2", hiddenSize)
	n.act = layers.NewLeakyReLU()
	n.fcOut = layers.NewLinear("fc_out", hiddenSize, 1, rng)
	return n, nil
}

// splitWindow turns the flat [N, dFeat*T] matrix into T step matrices of
// shape [N, dFeat]. Flattening is channel-major: element (c, t) of sample i
// lives at column c*T+t.
func (n *Network) splitWindow(x *mat.Dense) ([]*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols%n.DFeat != 0 {
		return nil, fmt.Errorf("feature width %d is not a multiple of d_feat %d", cols, n.DFeat)
	}
	steps := cols / n.DFeat
	xs := make([]*mat.Dense, steps)
	for t := 0; t < steps; t++ {
		m := mat.NewDense(rows, n.DFeat, nil)
		for i := 0; i < rows; i++ {
			src := x.RawRowView(i)
			dst := m.RawRowView(i)
			for c := 0; c < n.DFeat; c++ {
				dst[c] = src[c*steps+t]
			}
		}
		xs[t] = m
	}
	return xs, nil
}

// Forward computes one score per input row. When train is true, inter-layer
// dropout is sampled and the caches needed by Backward are retained.
func (n *Network) Forward(x *mat.Dense, train bool) ([]float64, error) {
	xs, err := n.splitWindow(x)
	if err != nil {
		return nil, err
	}
	n.steps = len(xs)

	hs := xs
	for li, cell := range n.cells {
		hs = cell.Forward(hs, train)
		if li < len(n.drops) {
			hs = n.drops[li].ForwardSeq(hs, train)
		}
	}

	hidden := hs[len(hs)-1]
	normed := n.bn1.Forward(hidden, train)
	mixed := n.gate.Forward(normed, train)
	out := n.fc.Forward(mixed, train)
	out = n.bn2.Forward(out, train)
	out = n.act.Forward(out, train)
	out = n.fcOut.Forward(out, train)

	rows, _ := out.Dims()
	scores := make([]float64, rows)
	for i := 0; i < rows; i++ {
		scores[i] = out.At(i, 0)
	}
	return scores, nil
}

// Backward accumulates parameter gradients for the most recent training
// Forward, given the gradient of the loss w.r.t. each score.
func (n *Network) Backward(dScores []float64) {
	rows := len(dScores)
	grad := mat.NewDense(rows, 1, nil)
	for i, v := range dScores {
		grad.Set(i, 0, v)
	}

	g := n.fcOut.Backward(grad)
	g = n.act.Backward(g)
	g = n.bn2.Backward(g)
	g = n.fc.Backward(g)
	g = n.gate.Backward(g)
	g = n.bn1.Backward(g)

	// the encoder only feeds its final step forward
	dhs := make([]*mat.Dense, n.steps)
	dhs[n.steps-1] = g
	for li := n.NumLayers - 1; li >= 0; li-- {
		if li < len(n.drops) {
			dhs = n.drops[li].BackwardSeq(dhs)
		}
		dhs = n.cells[li].Backward(dhs)
	}
}

// Params returns every learnable parameter in a stable order.
func (n *Network) Params() []*layers.Param {
	var ps []*layers.Param
	for _, c := range n.cells {
		ps = append(ps, c.Params()...)
	}
	ps = append(ps, n.bn1.Params()...)
	ps = append(ps, n.fc.Params()...)
	ps = append(ps, n.bn2.Params()...)
	ps = append(ps, n.fcOut.Params()...)
	return ps
}

// ZeroGrad clears all accumulated gradients.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}

// Snapshot deep-copies the current parameter values.
func (n *Network) Snapshot() [][]float64 {
	params := n.Params()
	snap := make([][]float64, len(params))
	for i, p := range params {
		snap[i] = make([]float64, len(p.Data))
		copy(snap[i], p.Data)
	}
	return snap
}

// Restore overwrites the parameter values with a snapshot taken earlier.
func (n *Network) Restore(snap [][]float64) error {
	params := n.Params()
	if len(snap) != len(params) {
		return fmt.Errorf("snapshot has %d tensors, model has %d", len(snap), len(params))
	}
	for i, p := range params {
		if len(snap[i]) != len(p.Data) {
			return fmt.Errorf("snapshot tensor %d has %d values, parameter %s has %d", i, len(snap[i]), p.Name, len(p.Data))
		}
		copy(p.Data, snap[i])
	}
	return nil
}
