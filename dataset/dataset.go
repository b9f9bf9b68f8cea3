// Package dataset supplies feature/label tables to the training and
// inference paths. The core contract is Dataset.Prepare: given segment
// names, column set selectors, and a data key, return one Table per segment
// indexed by (datetime, instrument).
package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Segment names a time slice of the data, e.g. "train", "valid", "test".
type Segment string

const (
	Train Segment = "train"
	Valid Segment = "valid"
	Test  Segment = "test"
)

// ColSet selects a column group from the underlying table.
type ColSet string

const (
	Feature ColSet = "feature"
	Label   ColSet = "label"
)

// DataKey selects which processing stage of the data to read.
type DataKey string

const (
	// Learn is the fully processed view used for fitting.
	Learn DataKey = "learn"
	// Infer is the view used for prediction.
	Infer DataKey = "infer"
)

// TimeRange bounds a segment. Timestamps are ISO-8601 strings so that
// lexicographic comparison matches chronological order.
type TimeRange struct {
	Start string
	End   string
}

// Index identifies one sample.
type Index struct {
	Time       string
	Instrument string
}

// Table is one prepared segment: a feature row and a label per sample, in
// index order.
type Table struct {
	Index    []Index
	Features *mat.Dense
	Labels   []float64
}

// Len returns the number of samples in the table.
func (t *Table) Len() int { return len(t.Index) }

// SliceRows copies a row range into a new table view. Used by the batching
// helpers in the training package.
func (t *Table) SliceRows(rows []int) *Table {
	_, cols := t.Features.Dims()
	out := &Table{
		Index:    make([]Index, len(rows)),
		Features: mat.NewDense(len(rows), cols, nil),
		Labels:   make([]float64, len(rows)),
	}
	for i, r := range rows {
		out.Index[i] = t.Index[r]
		out.Features.SetRow(i, t.Features.RawRowView(r))
		out.Labels[i] = t.Labels[r]
	}
	return out
}

// Dataset hands out prepared segments.
type Dataset interface {
	// Prepare returns one table per requested segment, in order. The
	// column sets select which groups are populated; a missing segment is
	// an error.
	Prepare(segments []Segment, cols []ColSet, key DataKey) ([]*Table, error)
}

// ErrEmptySegment is wrapped by Prepare when a segment's time range matches
// no rows.
var ErrEmptySegment = fmt.Errorf("segment contains no samples")
