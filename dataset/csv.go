package dataset

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"gonum.org/v1/gonum/mat"
)

// CSVDataset reads a single flat CSV holding every sample and serves
// segments out of it. Required columns are "datetime", "instrument" and
// "label"; every other column is treated as a feature and returned in the
// file's column order.
type CSVDataset struct {
	df       dataframe.DataFrame
	segments map[Segment]TimeRange
	features []string
}

// OpenCSV loads the file and validates the schema. The segments map bounds
// each servable segment by datetime.
func OpenCSV(path string, segments map[Segment]TimeRange) (*CSVDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, fmt.Errorf("failed to parse dataset file: %w", df.Err)
	}
	return NewCSVDataset(df, segments)
}

// NewCSVDataset wraps an already loaded frame. Exposed separately so tests
// can build frames in memory.
func NewCSVDataset(df dataframe.DataFrame, segments map[Segment]TimeRange) (*CSVDataset, error) {
	names := df.Names()
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, required := range []string{"datetime", "instrument", "label"} {
		if !have[required] {
			return nil, fmt.Errorf("dataset is missing required column %s", required)
		}
	}
	var features []string
	for _, n := range names {
		if n != "datetime" && n != "instrument" && n != "label" {
			features = append(features, n)
		}
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("dataset has no feature columns")
	}
	return &CSVDataset{df: df, segments: segments, features: features}, nil
}

// FeatureNames returns the feature column names in serving order.
func (d *CSVDataset) FeatureNames() []string {
	out := make([]string, len(d.features))
	copy(out, d.features)
	return out
}

// Prepare implements Dataset. The data key does not change what a CSV file
// can serve, so both views return the same rows.
func (d *CSVDataset) Prepare(segments []Segment, cols []ColSet, key DataKey) ([]*Table, error) {
	wantFeature, wantLabel := false, false
	for _, c := range cols {
		switch c {
		case Feature:
			wantFeature = true
		case Label:
			wantLabel = true
		default:
			return nil, fmt.Errorf("unknown column set %q", c)
		}
	}
	switch key {
	case Learn, Infer:
	default:
		return nil, fmt.Errorf("unknown data key %q", key)
	}

	out := make([]*Table, 0, len(segments))
	for _, seg := range segments {
		rng, ok := d.segments[seg]
		if !ok {
			return nil, fmt.Errorf("segment %q is not configured", seg)
		}
		sub := d.df.Filter(
			dataframe.F{Colname: "datetime", Comparator: series.GreaterEq, Comparando: rng.Start},
		).Filter(
			dataframe.F{Colname: "datetime", Comparator: series.LessEq, Comparando: rng.End},
		)
		if sub.Err != nil {
			return nil, fmt.Errorf("failed to filter segment %q: %w", seg, sub.Err)
		}
		if sub.Nrow() == 0 {
			return nil, fmt.Errorf("segment %q [%s, %s]: %w", seg, rng.Start, rng.End, ErrEmptySegment)
		}
		tbl, err := d.buildTable(sub, wantFeature, wantLabel)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", seg, err)
		}
		out = append(out, tbl)
	}
	return out, nil
}

func (d *CSVDataset) buildTable(df dataframe.DataFrame, wantFeature, wantLabel bool) (*Table, error) {
	n := df.Nrow()
	times := df.Col("datetime").Records()
	instruments := df.Col("instrument").Records()

	tbl := &Table{Index: make([]Index, n)}
	for i := 0; i < n; i++ {
		tbl.Index[i] = Index{Time: times[i], Instrument: instruments[i]}
	}
	// stable (time, instrument) ordering regardless of file order
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := tbl.Index[order[a]], tbl.Index[order[b]]
		if ia.Time != ib.Time {
			return ia.Time < ib.Time
		}
		return ia.Instrument < ib.Instrument
	})

	if wantFeature {
		tbl.Features = mat.NewDense(n, len(d.features), nil)
		for j, name := range d.features {
			col := df.Col(name).Float()
			for i := 0; i < n; i++ {
				tbl.Features.Set(i, j, col[order[i]])
			}
		}
	}
	if wantLabel {
		tbl.Labels = make([]float64, n)
		col := df.Col("label").Float()
		for i := 0; i < n; i++ {
			tbl.Labels[i] = col[order[i]]
		}
	}

	sorted := make([]Index, n)
	for i, r := range order {
		sorted[i] = tbl.Index[r]
	}
	tbl.Index = sorted
	return tbl, nil
}
