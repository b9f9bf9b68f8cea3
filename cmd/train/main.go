// Command train fits the stock scoring model on a prepared CSV dataset,
// reports per-epoch scores, and writes predictions for the test segment.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/quantmill/stocknet/dataset"
	"github.com/quantmill/stocknet/training"
)

func main() {
	var (
		dataPath   = flag.String("data", "", "prepared dataset CSV (datetime,instrument,features...,label)")
		trainStart = flag.String("train-start", "2008-01-01", "training segment start date")
		trainEnd   = flag.String("train-end", "2014-12-31", "training segment end date")
		validStart = flag.String("valid-start", "2015-01-01", "validation segment start date")
		validEnd   = flag.String("valid-end", "2016-12-31", "validation segment end date")
		testStart  = flag.String("test-start", "2017-01-01", "test segment start date")
		testEnd    = flag.String("test-end", "2020-08-01", "test segment end date")

		dFeat     = flag.Int("d-feat", 6, "feature channels per time step")
		hidden    = flag.Int("hidden-size", 64, "recurrent hidden size")
		numLayers = flag.Int("num-layers", 2, "stacked recurrent layers")
		dropout   = flag.Float64("dropout", 0.7, "dropout between recurrent layers")
		nEpochs   = flag.Int("epochs", 200, "maximum training epochs")
		lr        = flag.Float64("lr", 0.0002, "learning rate")
		batchSize = flag.Int("batch-size", 800, "mini-batch size")
		earlyStop = flag.Int("early-stop", 20, "epochs without improvement before stopping")
		metric    = flag.String("metric", "loss", "early-stopping metric (loss or ic)")
		lossName  = flag.String("loss", "mse", "training loss")
		baseModel = flag.String("base-model", "GRU", "recurrent cell (GRU or LSTM)")
		optName   = flag.String("optimizer", "adam", "optimizer (adam or gd)")
		seed      = flag.Int64("seed", 0, "random seed")

		savePath = flag.String("save", "", "checkpoint output path (default: generated temp file)")
		predPath = flag.String("pred", "", "optional CSV path for test-segment predictions")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *dataPath == "" {
		log.Fatal("missing required -data flag")
	}

	segments := map[dataset.Segment]dataset.TimeRange{
		dataset.Train: {Start: *trainStart, End: *trainEnd},
		dataset.Valid: {Start: *validStart, End: *validEnd},
		dataset.Test:  {Start: *testStart, End: *testEnd},
	}
	ds, err := dataset.OpenCSV(*dataPath, segments)
	if err != nil {
		log.WithError(err).Fatal("failed to open dataset")
	}
	log.WithField("features", ds.FeatureNames()).Info("dataset loaded")

	reg, err := training.New(training.Config{
		DFeat:      *dFeat,
		HiddenSize: *hidden,
		NumLayers:  *numLayers,
		Dropout:    *dropout,
		NEpochs:    *nEpochs,
		LR:         *lr,
		Metric:     *metric,
		BatchSize:  *batchSize,
		EarlyStop:  *earlyStop,
		Loss:       *lossName,
		BaseModel:  *baseModel,
		Optimizer:  *optName,
		Seed:       *seed,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build model")
	}

	result, err := reg.Fit(ds, *savePath)
	if err != nil {
		log.WithError(err).Fatal("training failed")
	}
	printHistory(result)
	log.WithFields(logrus.Fields{
		"best_epoch": result.BestEpoch,
		"best_score": result.BestScore,
		"checkpoint": result.CheckpointPath,
	}).Info("training complete")

	preds, err := reg.Predict(ds)
	if err != nil {
		log.WithError(err).Fatal("prediction failed")
	}
	log.WithField("samples", len(preds)).Info("test segment scored")

	if corr, ok := testCorrelation(ds, preds); ok {
		log.WithField("pearson", fmt.Sprintf("%.4f", corr)).Info("test-segment correlation with labels")
	}

	if *predPath != "" {
		if err := writePredictions(*predPath, preds); err != nil {
			log.WithError(err).Fatal("failed to write predictions")
		}
		log.WithField("path", *predPath).Info("predictions written")
	}
}

func printHistory(result *training.FitResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"epoch", "train", "valid", "best"})
	for i := range result.TrainScores {
		mark := ""
		if i == result.BestEpoch {
			mark = "*"
		}
		t.AppendRow(table.Row{i,
			fmt.Sprintf("%.6f", result.TrainScores[i]),
			fmt.Sprintf("%.6f", result.ValidScores[i]),
			mark,
		})
	}
	t.Render()
}

// testCorrelation computes the Pearson correlation between predictions and
// test-segment labels, skipping missing labels.
func testCorrelation(ds dataset.Dataset, preds []training.Prediction) (float64, bool) {
	tables, err := ds.Prepare([]dataset.Segment{dataset.Test}, []dataset.ColSet{dataset.Label}, dataset.Infer)
	if err != nil || tables[0].Len() != len(preds) {
		return 0, false
	}
	var xs, ys []float64
	for i, l := range tables[0].Labels {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			continue
		}
		xs = append(xs, preds[i].Score)
		ys = append(ys, l)
	}
	if len(xs) < 2 {
		return 0, false
	}
	return stat.Correlation(xs, ys, nil), true
}

func writePredictions(path string, preds []training.Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "datetime,instrument,score"); err != nil {
		return err
	}
	for _, p := range preds {
		if _, err := fmt.Fprintf(f, "%s,%s,%.8f\n", p.Index.Time, p.Index.Instrument, p.Score); err != nil {
			return err
		}
	}
	return nil
}
