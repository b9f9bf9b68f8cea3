// Package training wires the network, optimizer, and dataset together into
// the fit/predict lifecycle: epoch-wise mini-batch optimization with masked
// losses, early stopping on a validation metric, best-checkpoint selection,
// and index-preserving batch inference.
package training

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantmill/stocknet/checkpoints"
	"github.com/quantmill/stocknet/dataset"
	"github.com/quantmill/stocknet/layers"
	"github.com/quantmill/stocknet/model"
	"github.com/quantmill/stocknet/optimizer"
)

// labelScale rescales training targets so typical daily returns produce
// gradients of workable magnitude. Applied during trainEpoch only; reported
// scores use raw labels.
const labelScale = 100.0

// clipValue bounds every gradient element before the optimizer step.
const clipValue = 3.0

// Config collects the regressor's hyperparameters. Zero values fall back to
// the defaults set in New.
type Config struct {
	DFeat      int
	HiddenSize int
	NumLayers  int
	Dropout    float64
	NEpochs    int
	LR         float64
	Metric     string
	BatchSize  int
	EarlyStop  int
	Loss       string
	BaseModel  string
	Optimizer  string
	Seed       int64
}

// FitResult reports one completed fit.
type FitResult struct {
	TrainScores    []float64
	ValidScores    []float64
	BestScore      float64
	BestEpoch      int
	CheckpointPath string
}

// Prediction is one scored sample.
type Prediction struct {
	Index dataset.Index
	Score float64
}

// Regressor trains the scoring network on a dataset and produces per-sample
// scores. Not safe for concurrent use: Fit and Predict must not run at the
// same time on one instance.
type Regressor struct {
	cfg    Config
	metric MetricKind
	loss   LossKind
	net    *model.Network
	opt    optimizer.Optimizer
	rng    *rand.Rand
	log    *logrus.Logger
	fitted bool
}

// New builds a regressor, resolving every string selector up front. An
// unsupported cell type, optimizer, loss, or metric fails here.
func New(cfg Config, log *logrus.Logger) (*Regressor, error) {
	if cfg.DFeat == 0 {
		cfg.DFeat = 6
	}
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = 64
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 2
	}
	if cfg.NEpochs == 0 {
		cfg.NEpochs = 200
	}
	if cfg.LR == 0 {
		cfg.LR = 0.0002
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 800
	}
	if cfg.EarlyStop == 0 {
		cfg.EarlyStop = 20
	}
	if cfg.BaseModel == "" {
		cfg.BaseModel = "GRU"
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = "adam"
	}
	if log == nil {
		log = logrus.New()
	}

	cell, err := layers.ParseCellType(cfg.BaseModel)
	if err != nil {
		return nil, err
	}
	metric, err := ParseMetricKind(cfg.Metric)
	if err != nil {
		return nil, err
	}
	loss, err := ParseLossKind(cfg.Loss)
	if err != nil {
		return nil, err
	}
	if loss != MSELoss {
		return nil, fmt.Errorf("loss %s is declared but not implemented", loss)
	}
	opt, err := optimizer.New(cfg.Optimizer, cfg.LR)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net, err := model.NewNetwork(cfg.DFeat, cfg.HiddenSize, cfg.NumLayers, cfg.Dropout, cell, rng)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"d_feat":      cfg.DFeat,
		"hidden_size": cfg.HiddenSize,
		"num_layers":  cfg.NumLayers,
		"dropout":     cfg.Dropout,
		"n_epochs":    cfg.NEpochs,
		"lr":          cfg.LR,
		"metric":      metric.String(),
		"batch_size":  cfg.BatchSize,
		"early_stop":  cfg.EarlyStop,
		"loss":        loss.String(),
		"base_model":  cfg.BaseModel,
		"optimizer":   opt.Name(),
		"seed":        cfg.Seed,
	}).Info("regressor configured")

	return &Regressor{
		cfg:    cfg,
		metric: metric,
		loss:   loss,
		net:    net,
		opt:    opt,
		rng:    rng,
		log:    log,
	}, nil
}

// Fitted reports whether at least one Fit completed.
func (r *Regressor) Fitted() bool { return r.fitted }

// trainBatches shuffles the row index and yields full-size chunks only; a
// trailing partial chunk is dropped.
func (r *Regressor) trainBatches(n int) [][]int {
	idx := r.rng.Perm(n)
	var batches [][]int
	for begin := 0; begin+r.cfg.BatchSize <= n; begin += r.cfg.BatchSize {
		batches = append(batches, idx[begin:begin+r.cfg.BatchSize])
	}
	return batches
}

func (r *Regressor) trainEpoch(tbl *dataset.Table) error {
	for _, rows := range r.trainBatches(tbl.Len()) {
		batch := tbl.SliceRows(rows)
		labels := make([]float64, len(batch.Labels))
		for i, l := range batch.Labels {
			labels[i] = l * labelScale
		}
		pred, err := r.net.Forward(batch.Features, true)
		if err != nil {
			return err
		}
		_, grad, n := maskedMSE(pred, labels)
		if n == 0 {
			continue
		}
		r.net.ZeroGrad()
		r.net.Backward(grad)
		optimizer.ClipGradValue(r.net.Params(), clipValue)
		r.opt.Step(r.net.Params())
	}
	return nil
}

// testEpoch scores a segment with the configured metric, averaging over
// shuffled full-size batches. Batches whose labels are all missing are
// skipped.
func (r *Regressor) testEpoch(tbl *dataset.Table) (float64, error) {
	var sum float64
	var count int
	for _, rows := range r.trainBatches(tbl.Len()) {
		batch := tbl.SliceRows(rows)
		pred, err := r.net.Forward(batch.Features, false)
		if err != nil {
			return 0, err
		}
		s := r.metric.score(pred, batch.Labels)
		if math.IsNaN(s) {
			continue
		}
		sum += s
		count++
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return sum / float64(count), nil
}

// Fit trains until the epoch limit is reached or the validation metric stops
// improving, restores the best-scoring parameters, and persists them as a
// checkpoint. savePath may be empty, in which case a generated file under
// the OS temp directory is used.
func (r *Regressor) Fit(ds dataset.Dataset, savePath string) (*FitResult, error) {
	tables, err := ds.Prepare(
		[]dataset.Segment{dataset.Train, dataset.Valid},
		[]dataset.ColSet{dataset.Feature, dataset.Label},
		dataset.Learn,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare training data: %w", err)
	}
	trainTbl, validTbl := tables[0], tables[1]
	if trainTbl.Len() < r.cfg.BatchSize {
		return nil, fmt.Errorf("training segment has %d samples, need at least one full batch of %d",
			trainTbl.Len(), r.cfg.BatchSize)
	}

	r.fitted = true

	stopper := newEarlyStopper(r.cfg.EarlyStop)
	result := &FitResult{}
	var bestParams [][]float64

	for epoch := 0; epoch < r.cfg.NEpochs; epoch++ {
		r.log.WithField("epoch", epoch).Info("training")
		if err := r.trainEpoch(trainTbl); err != nil {
			return nil, fmt.Errorf("epoch %d failed: %w", epoch, err)
		}

		trainScore, err := r.testEpoch(trainTbl)
		if err != nil {
			return nil, fmt.Errorf("epoch %d train evaluation failed: %w", epoch, err)
		}
		validScore, err := r.testEpoch(validTbl)
		if err != nil {
			return nil, fmt.Errorf("epoch %d valid evaluation failed: %w", epoch, err)
		}
		result.TrainScores = append(result.TrainScores, trainScore)
		result.ValidScores = append(result.ValidScores, validScore)
		r.log.WithFields(logrus.Fields{
			"epoch": epoch,
			"train": trainScore,
			"valid": validScore,
		}).Info("epoch scores")

		improved, stop := stopper.observe(epoch, validScore)
		if improved {
			bestParams = r.net.Snapshot()
		}
		if stop {
			r.log.WithField("epoch", epoch).Info("early stop")
			break
		}
	}

	if bestParams != nil {
		if err := r.net.Restore(bestParams); err != nil {
			return nil, fmt.Errorf("failed to restore best parameters: %w", err)
		}
	}
	result.BestScore = stopper.best
	result.BestEpoch = stopper.bestIdx
	r.log.WithFields(logrus.Fields{
		"best_score": result.BestScore,
		"best_epoch": result.BestEpoch,
	}).Info("fit complete")

	if savePath == "" {
		savePath = filepath.Join(os.TempDir(), fmt.Sprintf("stocknet_%s.json", uuid.NewString()))
	}
	cp := checkpoints.FromParams(r.net.Params(), checkpoints.TrainingState{
		BestEpoch: result.BestEpoch,
		BestScore: result.BestScore,
		Metric:    r.metric.String(),
	})
	if err := cp.Save(savePath); err != nil {
		return nil, err
	}
	result.CheckpointPath = savePath
	return result, nil
}

// Predict scores the test segment. Unlike training, the final batch is
// extended to cover the remaining samples so every input row is scored, in
// the segment's index order.
func (r *Regressor) Predict(ds dataset.Dataset) ([]Prediction, error) {
	if !r.fitted {
		return nil, fmt.Errorf("model is not fitted yet!")
	}
	tables, err := ds.Prepare(
		[]dataset.Segment{dataset.Test},
		[]dataset.ColSet{dataset.Feature},
		dataset.Infer,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare test data: %w", err)
	}
	tbl := tables[0]
	n := tbl.Len()

	preds := make([]Prediction, 0, n)
	for begin := 0; begin < n; begin += r.cfg.BatchSize {
		end := begin + r.cfg.BatchSize
		if n-begin < r.cfg.BatchSize {
			end = n
		}
		rows := make([]int, end-begin)
		for i := range rows {
			rows[i] = begin + i
		}
		batch := tbl.SliceRows(rows)
		scores, err := r.net.Forward(batch.Features, false)
		if err != nil {
			return nil, err
		}
		for i, s := range scores {
			preds = append(preds, Prediction{Index: batch.Index[i], Score: s})
		}
	}
	return preds, nil
}

// LoadCheckpoint restores persisted weights into the model and marks it
// fitted, enabling Predict without a fresh Fit.
func (r *Regressor) LoadCheckpoint(path string) error {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	if err := cp.ApplyTo(r.net.Params()); err != nil {
		return err
	}
	r.fitted = true
	return nil
}
