// Package csvout is the CSV loader of the pipeline. It renders a batch of
// FlatRecords as a single CSV file with a leading 0-based ID column.
package csvout

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"carbonetl/internal/types"
)

// baseColumns are the mandatory columns that follow ID, in output order.
var baseColumns = []string{
	"date", "from", "day_recorded", "month_recorded",
	"dnoregion", "regionid", "intensity_forecast", "intensity_index",
}

// Writer writes record batches to files under a directory.
type Writer struct {
	dir    string
	gzip   bool
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithGzip compresses output files and switches the extension to .csv.gz.
func WithGzip(enabled bool) Option {
	return func(w *Writer) {
		w.gzip = enabled
	}
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = "."
	}
	w := &Writer{dir: dir, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the file Write would produce for stem and runDate.
func (w *Writer) Path(stem, runDate string) string {
	name := stem
	if runDate != "" {
		name = stem + "_" + runDate
	}
	name += ".csv"
	if w.gzip {
		name += ".gz"
	}
	return filepath.Join(w.dir, name)
}

// Write renders records to {dir}/{stem}_{runDate}.csv and returns the path.
// The file is written to a temporary name and renamed into place, so a
// failed write never leaves a partial file at the final path. An existing
// file for the same run is replaced.
func (w *Writer) Write(ctx context.Context, records []types.FlatRecord, stem, runDate string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewLoadError("csv write cancelled", err)
	}

	path := w.Path(stem, runDate)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", types.NewLoadError(fmt.Sprintf("failed to create directory %s", w.dir), err)
	}

	tmp, err := os.CreateTemp(w.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", types.NewLoadError(fmt.Sprintf("failed to create %s", path), err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := w.encode(tmp, records); err != nil {
		return "", types.NewLoadError(fmt.Sprintf("failed to write %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		return "", types.NewLoadError(fmt.Sprintf("failed to close %s", path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", types.NewLoadError(fmt.Sprintf("failed to move %s into place", path), err)
	}
	committed = true

	w.logger.InfoContext(ctx, "csv written",
		"path", path,
		"rows", len(records),
	)
	return path, nil
}

func (w *Writer) encode(dst io.Writer, records []types.FlatRecord) error {
	if !w.gzip {
		return Encode(dst, records)
	}
	zw := gzip.NewWriter(dst)
	if err := Encode(zw, records); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Encode writes the header and one line per record to dst.
func Encode(dst io.Writer, records []types.FlatRecord) error {
	fuels := FuelColumns(records)

	cw := csv.NewWriter(dst)
	header := make([]string, 0, 1+len(baseColumns)+len(fuels))
	header = append(header, "ID")
	header = append(header, baseColumns...)
	header = append(header, fuels...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for i, rec := range records {
		if err := cw.Write(row(i, rec, fuels)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FuelColumns returns the union of fuel keys present in records: canonical
// fuels in schema order, then any other fuel names sorted.
func FuelColumns(records []types.FlatRecord) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for fuel := range rec.Mix {
			seen[fuel] = true
		}
	}

	cols := make([]string, 0, len(seen))
	for _, fuel := range types.Fuels {
		if seen[fuel] {
			cols = append(cols, fuel)
		}
	}
	var extra []string
	for fuel := range seen {
		if !types.IsKnownFuel(fuel) {
			extra = append(extra, fuel)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func row(id int, rec types.FlatRecord, fuels []string) []string {
	out := make([]string, 0, 1+len(baseColumns)+len(fuels))
	out = append(out,
		strconv.Itoa(id),
		rec.Date,
		rec.From,
		rec.DayRecorded,
		rec.MonthRecorded,
		rec.DNORegion,
		strconv.Itoa(rec.RegionID),
		strconv.Itoa(rec.IntensityForecast),
		rec.IntensityIndex,
	)
	for _, fuel := range fuels {
		if perc, ok := rec.Fuel(fuel); ok {
			out = append(out, formatPerc(perc))
		} else {
			out = append(out, "")
		}
	}
	return out
}

// formatPerc renders a percentage with at least one decimal place (40 -> "40.0").
func formatPerc(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
