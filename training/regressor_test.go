package training

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/quantmill/stocknet/dataset"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// memDataset serves fixed in-memory tables.
type memDataset struct {
	tables map[dataset.Segment]*dataset.Table
}

func (d *memDataset) Prepare(segments []dataset.Segment, cols []dataset.ColSet, key dataset.DataKey) ([]*dataset.Table, error) {
	var out []*dataset.Table
	for _, seg := range segments {
		tbl, ok := d.tables[seg]
		if !ok {
			return nil, fmt.Errorf("segment %q is not configured", seg)
		}
		out = append(out, tbl)
	}
	return out, nil
}

// syntheticTable builds n samples of dFeat channels over steps time steps
// whose label is a linear function of the first channel's last value.
func syntheticTable(rng *rand.Rand, n, dFeat, steps int) *dataset.Table {
	tbl := &dataset.Table{
		Index:    make([]dataset.Index, n),
		Features: mat.NewDense(n, dFeat*steps, nil),
		Labels:   make([]float64, n),
	}
	for i := 0; i < n; i++ {
		tbl.Index[i] = dataset.Index{Time: fmt.Sprintf("2020-01-%02d", i%28+1), Instrument: fmt.Sprintf("s%03d", i)}
		row := tbl.Features.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		tbl.Labels[i] = 0.01 * row[steps-1]
	}
	return tbl
}

func testConfig(batch int) Config {
	return Config{
		DFeat:      2,
		HiddenSize: 4,
		NumLayers:  1,
		NEpochs:    2,
		LR:         0.001,
		BatchSize:  batch,
		EarlyStop:  2,
		Seed:       1,
	}
}

func TestNewRejectsBadSelectors(t *testing.T) {
	base := testConfig(8)

	bad := base
	bad.BaseModel = "Transformer"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Error("expected error for unknown base model")
	}

	bad = base
	bad.Optimizer = "rmsprop"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Error("expected error for unknown optimizer")
	}

	bad = base
	bad.Metric = "sharpe"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Error("expected error for unknown metric")
	}

	bad = base
	bad.Loss = "binary"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Error("expected error for unimplemented binary loss")
	}

	bad = base
	bad.Loss = "hinge"
	if _, err := New(bad, quietLogger()); err == nil {
		t.Error("expected error for unknown loss")
	}
}

// A training set of 2*batch+1 samples must yield exactly 2 batches; the
// trailing sample is dropped, never padded into a third batch.
func TestTrainingDropsPartialBatch(t *testing.T) {
	r, err := New(testConfig(8), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches := r.trainBatches(2*8 + 1)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	for i, b := range batches {
		if len(b) != 8 {
			t.Errorf("batch %d has %d rows, want 8", i, len(b))
		}
	}
}

// Inference must score every sample: with 2*batch+1 rows the tail batch is
// processed rather than dropped, and index order is preserved.
func TestPredictScoresAllSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const batch = 8
	test := syntheticTable(rng, 2*batch+1, 2, 3)
	ds := &memDataset{tables: map[dataset.Segment]*dataset.Table{dataset.Test: test}}

	r, err := New(testConfig(batch), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.fitted = true

	preds, err := r.Predict(ds)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 2*batch+1 {
		t.Fatalf("scored %d samples, want %d", len(preds), 2*batch+1)
	}
	for i, p := range preds {
		if p.Index != test.Index[i] {
			t.Fatalf("prediction %d carries index %v, want %v", i, p.Index, test.Index[i])
		}
	}
}

func TestPredictRejectsUnfitted(t *testing.T) {
	r, err := New(testConfig(8), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds := &memDataset{tables: map[dataset.Segment]*dataset.Table{}}
	if _, err := r.Predict(ds); err == nil {
		t.Fatal("expected not-fitted error")
	}
}

// With scores [0.1, 0.2, 0.15, 0.1, 0.05] and patience 2, training halts
// after the 4th epoch and the best epoch is the 2nd.
func TestEarlyStopperSequence(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.15, 0.1, 0.05}
	s := newEarlyStopper(2)
	stoppedAt := -1
	for i, v := range scores {
		if _, stop := s.observe(i, v); stop {
			stoppedAt = i
			break
		}
	}
	if stoppedAt != 3 {
		t.Errorf("stopped after epoch index %d, want 3", stoppedAt)
	}
	if s.bestIdx != 1 {
		t.Errorf("best epoch index = %d, want 1", s.bestIdx)
	}
	if s.best != 0.2 {
		t.Errorf("best score = %g, want 0.2", s.best)
	}
}

func TestEarlyStopperFirstEpochAlwaysBest(t *testing.T) {
	s := newEarlyStopper(3)
	improved, stop := s.observe(0, -123.0)
	if !improved || stop {
		t.Errorf("first epoch: improved=%v stop=%v, want true/false", improved, stop)
	}
}

// A NaN label must be excluded from both the loss value and the gradient.
func TestMaskedLossIgnoresNaN(t *testing.T) {
	pred := []float64{1.5, 9.9, 1.5}
	label := []float64{1.0, math.NaN(), 2.0}
	loss, grad, n := maskedMSE(pred, label)
	if n != 2 {
		t.Fatalf("counted %d finite labels, want 2", n)
	}
	if math.Abs(loss-0.25) > 1e-12 {
		t.Errorf("loss = %g, want 0.25", loss)
	}
	if grad[1] != 0 {
		t.Errorf("masked entry has gradient %g, want 0", grad[1])
	}
	if math.Abs(grad[0]-0.5) > 1e-12 || math.Abs(grad[2]+0.5) > 1e-12 {
		t.Errorf("grad = %v, want [0.5, 0, -0.5]", grad)
	}
}

func TestMaskedLossAllMissing(t *testing.T) {
	loss, _, n := maskedMSE([]float64{1, 2}, []float64{math.NaN(), math.Inf(1)})
	if n != 0 || !math.IsNaN(loss) {
		t.Errorf("loss=%g n=%d, want NaN/0", loss, n)
	}
}

func TestParseMetricKind(t *testing.T) {
	for tag, want := range map[string]MetricKind{
		"":     NegLossMetric,
		"loss": NegLossMetric,
		"ic":   ICMetric,
		"IC":   ICMetric,
	} {
		got, err := ParseMetricKind(tag)
		if err != nil {
			t.Errorf("ParseMetricKind(%q): %v", tag, err)
		} else if got != want {
			t.Errorf("ParseMetricKind(%q) = %v, want %v", tag, got, want)
		}
	}
	if _, err := ParseMetricKind("sharpe"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestMetricScores(t *testing.T) {
	pred := []float64{2, 3, 4}
	label := []float64{1, math.NaN(), 2}
	if got := ICMetric.score(pred, label); math.Abs(got-5) > 1e-12 {
		t.Errorf("IC = %g, want 5", got)
	}
	// neg loss: ((2-1)^2 + (4-2)^2)/2 = 2.5, negated
	if got := NegLossMetric.score(pred, label); math.Abs(got+2.5) > 1e-12 {
		t.Errorf("negated loss = %g, want -2.5", got)
	}
}

func TestFitEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	const batch = 16
	ds := &memDataset{tables: map[dataset.Segment]*dataset.Table{
		dataset.Train: syntheticTable(rng, 4*batch, 2, 3),
		dataset.Valid: syntheticTable(rng, 2*batch, 2, 3),
		dataset.Test:  syntheticTable(rng, batch+3, 2, 3),
	}}

	cfg := testConfig(batch)
	cfg.NEpochs = 3
	r, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	savePath := filepath.Join(t.TempDir(), "model.json")
	res, err := r.Fit(ds, savePath)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !r.Fitted() {
		t.Error("model not marked fitted")
	}
	if len(res.TrainScores) != len(res.ValidScores) {
		t.Errorf("history lengths differ: %d vs %d", len(res.TrainScores), len(res.ValidScores))
	}
	if len(res.TrainScores) == 0 || len(res.TrainScores) > cfg.NEpochs {
		t.Errorf("trained %d epochs, want 1..%d", len(res.TrainScores), cfg.NEpochs)
	}
	if res.BestEpoch < 0 || res.BestScore == math.Inf(-1) {
		t.Errorf("best epoch/score not recorded: %d %g", res.BestEpoch, res.BestScore)
	}
	if res.CheckpointPath != savePath {
		t.Errorf("checkpoint path = %q, want %q", res.CheckpointPath, savePath)
	}
	if _, err := os.Stat(savePath); err != nil {
		t.Errorf("checkpoint not written: %v", err)
	}

	preds, err := r.Predict(ds)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != batch+3 {
		t.Errorf("scored %d samples, want %d", len(preds), batch+3)
	}

	// a fresh regressor can serve predictions from the saved checkpoint
	fresh, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fresh.LoadCheckpoint(savePath); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	reload, err := fresh.Predict(ds)
	if err != nil {
		t.Fatalf("Predict after load: %v", err)
	}
	if len(reload) != len(preds) {
		t.Fatalf("reloaded model scored %d samples, want %d", len(reload), len(preds))
	}
}

func TestFitRejectsTinyTrainingSet(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	ds := &memDataset{tables: map[dataset.Segment]*dataset.Table{
		dataset.Train: syntheticTable(rng, 4, 2, 3),
		dataset.Valid: syntheticTable(rng, 4, 2, 3),
	}}
	r, err := New(testConfig(16), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Fit(ds, ""); err == nil {
		t.Fatal("expected error for training set smaller than one batch")
	}
}
