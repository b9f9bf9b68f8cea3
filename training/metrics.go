package training

import (
	"fmt"
	"math"
)

// MetricKind selects the score used for early-stopping decisions. Higher is
// always better: the loss metric is reported negated.
type MetricKind int

const (
	// NegLossMetric scores a batch as the negated masked MSE.
	NegLossMetric MetricKind = iota
	// ICMetric scores a batch as the mean elementwise product of prediction
	// and label over finite entries.
	ICMetric
)

// ParseMetricKind resolves a metric name. The empty string and "loss" both
// select the negated loss.
func ParseMetricKind(s string) (MetricKind, error) {
	switch s {
	case "", "loss":
		return NegLossMetric, nil
	case "ic", "IC":
		return ICMetric, nil
	default:
		return 0, fmt.Errorf("unknown metric `%s`", s)
	}
}

func (k MetricKind) String() string {
	switch k {
	case NegLossMetric:
		return "loss"
	case ICMetric:
		return "ic"
	default:
		return "unknown"
	}
}

// score evaluates the metric over one batch with the same finiteness mask
// used by the loss. Returns NaN when no label is finite.
func (k MetricKind) score(pred, label []float64) float64 {
	switch k {
	case ICMetric:
		sum, n := 0.0, 0
		for i, l := range label {
			if math.IsNaN(l) || math.IsInf(l, 0) {
				continue
			}
			sum += pred[i] * l
			n++
		}
		if n == 0 {
			return math.NaN()
		}
		return sum / float64(n)
	default:
		loss, _, n := maskedMSE(pred, label)
		if n == 0 {
			return math.NaN()
		}
		return -loss
	}
}
