package training

import (
	"fmt"
	"math"
)

// LossKind selects the training objective. Selection happens once at
// construction; unknown values are rejected there.
type LossKind int

const (
	// MSELoss is masked mean squared error over label-finite entries.
	MSELoss LossKind = iota
	// BinaryLoss is declared for API parity but not implemented.
	BinaryLoss
)

// ParseLossKind resolves a loss name. "binary" parses but fails later at
// construction, matching the declared-but-unimplemented contract.
func ParseLossKind(s string) (LossKind, error) {
	switch s {
	case "", "mse":
		return MSELoss, nil
	case "binary":
		return BinaryLoss, nil
	default:
		return 0, fmt.Errorf("unknown loss `%s`", s)
	}
}

func (k LossKind) String() string {
	switch k {
	case MSELoss:
		return "mse"
	case BinaryLoss:
		return "binary"
	default:
		return "unknown"
	}
}

// maskedMSE computes mean squared error over the entries where the label is
// finite, together with the gradient w.r.t. each prediction. Masked entries
// get a zero gradient. The returned count is the number of entries that
// contributed; a zero count means the batch carried no usable label and the
// loss is NaN.
func maskedMSE(pred, label []float64) (loss float64, grad []float64, n int) {
	grad = make([]float64, len(pred))
	for i, l := range label {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			continue
		}
		d := pred[i] - l
		loss += d * d
		n++
	}
	if n == 0 {
		return math.NaN(), grad, 0
	}
	loss /= float64(n)
	for i, l := range label {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			continue
		}
		grad[i] = 2 * (pred[i] - l) / float64(n)
	}
	return loss, grad, n
}
