// Package ingest converts raw per-symbol OHLCV CSV exports into the
// combined per-symbol layout consumed downstream. Failures are isolated per
// unit: a bad symbol (daily) or a bad trading date (minute) is logged and
// skipped, and conversion continues for everything else.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ohlcvColumns = []string{"open", "high", "low", "close", "volume"}

// row is one parsed bar. Prices and volume are kept as decimals so the
// output reproduces the input values exactly, without float formatting
// drift.
type row struct {
	ts     string
	fields [5]decimal.Decimal
}

// readBars parses one raw CSV export. The header must carry a timestamp
// column named by tsName (case-insensitive) plus all five OHLCV columns;
// a missing column fails the whole file.
func readBars(path, tsName string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	tsIdx, ok := col[tsName]
	if !ok {
		return nil, fmt.Errorf("missing required column %s", tsName)
	}
	var idx [5]int
	for i, name := range ohlcvColumns {
		j, ok := col[name]
		if !ok {
			return nil, fmt.Errorf("missing required column %s", name)
		}
		idx[i] = j
	}

	var rows []row
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed record: %w", err)
		}
		line++
		var b row
		b.ts = strings.TrimSpace(rec[tsIdx])
		bad := false
		for i, j := range idx {
			v, err := decimal.NewFromString(strings.TrimSpace(rec[j]))
			if err != nil {
				bad = true
				break
			}
			b.fields[i] = v
		}
		if bad || b.ts == "" {
			return nil, fmt.Errorf("unparseable record on line %d", line)
		}
		rows = append(rows, b)
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].ts < rows[b].ts })
	return rows, nil
}

func writeCombined(path, symbol, tsHeader string, rows []row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{tsHeader, "symbol"}, ohlcvColumns...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, b := range rows {
		rec := []string{b.ts, symbol}
		for _, v := range b.fields {
			rec = append(rec, v.String())
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ConvertDaily reads inDir/<symbol>.csv for each symbol and writes a
// combined file to outDir/<symbol>.csv with columns
// date,symbol,open,high,low,close,volume sorted by date. Returns the number
// of symbols converted; a failed symbol is logged and skipped.
func ConvertDaily(symbols []string, inDir, outDir string, log *logrus.Logger) (int, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	converted := 0
	for _, symbol := range symbols {
		src := filepath.Join(inDir, symbol+".csv")
		rows, err := readBars(src, "date")
		if err != nil {
			log.WithFields(logrus.Fields{"symbol": symbol, "file": src}).WithError(err).Warn("skipping symbol")
			continue
		}
		dst := filepath.Join(outDir, symbol+".csv")
		if err := writeCombined(dst, symbol, "date", rows); err != nil {
			log.WithFields(logrus.Fields{"symbol": symbol, "file": dst}).WithError(err).Warn("skipping symbol")
			continue
		}
		converted++
	}
	return converted, nil
}

// ConvertMinute reads inDir/<date>/<symbol>.csv for every trading date in
// the inclusive [start, end] range and writes one combined minute file per
// symbol. A date whose file is missing or malformed is logged and skipped
// for that symbol only; a symbol with no usable dates at all is skipped.
func ConvertMinute(symbols []string, inDir, outDir string, start, end time.Time, log *logrus.Logger) (int, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	converted := 0
	for _, symbol := range symbols {
		var all []row
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			src := filepath.Join(inDir, d.Format("2006-01-02"), symbol+".csv")
			if _, err := os.Stat(src); err != nil {
				continue
			}
			rows, err := readBars(src, "datetime")
			if err != nil {
				log.WithFields(logrus.Fields{
					"symbol": symbol,
					"date":   d.Format("2006-01-02"),
				}).WithError(err).Warn("skipping date")
				continue
			}
			all = append(all, rows...)
		}
		if len(all) == 0 {
			log.WithField("symbol", symbol).Warn("no minute data in range, skipping symbol")
			continue
		}
		dst := filepath.Join(outDir, symbol+".csv")
		if err := writeCombined(dst, symbol, "datetime", all); err != nil {
			log.WithFields(logrus.Fields{"symbol": symbol, "file": dst}).WithError(err).Warn("skipping symbol")
			continue
		}
		converted++
	}
	return converted, nil
}
