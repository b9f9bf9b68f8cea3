// Command ingest converts raw OHLCV CSV exports into the combined
// per-symbol layout: one file per symbol in daily mode, or one minute-bar
// file per symbol assembled from per-date directories in minute mode.
package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantmill/stocknet/ingest"
)

func main() {
	var (
		mode    = flag.String("mode", "daily", "conversion mode: daily or minute")
		inDir   = flag.String("in", "", "input directory of raw CSV exports")
		outDir  = flag.String("out", "", "output directory for combined files")
		symbols = flag.String("symbols", "", "comma-separated symbols (default: every *.csv under -in for daily mode)")
		start   = flag.String("start", "", "minute mode: first date, inclusive (YYYY-MM-DD)")
		end     = flag.String("end", "", "minute mode: last date, inclusive (YYYY-MM-DD)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *inDir == "" || *outDir == "" {
		log.Fatal("missing required -in/-out flags")
	}

	list := splitSymbols(*symbols)
	if len(list) == 0 && *mode == "daily" {
		var err error
		list, err = discoverSymbols(*inDir)
		if err != nil {
			log.WithError(err).Fatal("failed to list input directory")
		}
	}
	if len(list) == 0 {
		log.Fatal("no symbols to convert")
	}

	switch *mode {
	case "daily":
		n, err := ingest.ConvertDaily(list, *inDir, *outDir, log)
		if err != nil {
			log.WithError(err).Fatal("daily conversion failed")
		}
		log.WithFields(logrus.Fields{"converted": n, "requested": len(list)}).Info("daily conversion done")
	case "minute":
		from, err := time.Parse("2006-01-02", *start)
		if err != nil {
			log.WithError(err).Fatal("invalid -start date")
		}
		to, err := time.Parse("2006-01-02", *end)
		if err != nil {
			log.WithError(err).Fatal("invalid -end date")
		}
		n, err := ingest.ConvertMinute(list, *inDir, *outDir, from, to, log)
		if err != nil {
			log.WithError(err).Fatal("minute conversion failed")
		}
		log.WithFields(logrus.Fields{"converted": n, "requested": len(list)}).Info("minute conversion done")
	default:
		log.WithField("mode", *mode).Fatal("unknown mode")
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func discoverSymbols(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".csv"))
	}
	return out, nil
}
