// Package transform flattens raw API readings into one record per
// (time window, region).
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carbonetl/internal/types"
)

// TimestampLayout is the fixed minute-precision UTC format of a reading's
// "from" field, e.g. 2024-01-01T00:30Z. Month, day and minute must be zero
// padded, so 2024-1-1T0:30Z is rejected; the API always pads.
const TimestampLayout = "2006-01-02T15:04Z"

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Transformer converts RawReadings to FlatRecords.
type Transformer struct {
	logger *slog.Logger
}

// New creates a Transformer.
func New(logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{logger: logger}
}

// Transform expands every reading into one record per region. A reading
// with no regions contributes nothing. A single malformed timestamp fails
// the whole batch and no records are returned.
func (t *Transformer) Transform(ctx context.Context, readings []types.RawReading) ([]types.FlatRecord, error) {
	total := 0
	for _, r := range readings {
		total += len(r.Regions)
	}
	records := make([]types.FlatRecord, 0, total)

	for i, reading := range readings {
		ts, err := time.ParseInLocation(TimestampLayout, reading.From, time.UTC)
		if err != nil {
			return nil, types.NewTransformationError(
				fmt.Sprintf("reading %d has malformed timestamp %q", i, reading.From),
				err,
			)
		}

		date := ts.Format(dateLayout)
		from := ts.Format(timeLayout)
		day := ts.Weekday().String()
		month := ts.Month().String()

		for _, region := range reading.Regions {
			records = append(records, types.FlatRecord{
				Date:              date,
				From:              from,
				DayRecorded:       day,
				MonthRecorded:     month,
				DNORegion:         region.DNORegion,
				RegionID:          region.RegionID,
				IntensityForecast: region.Intensity.Forecast,
				IntensityIndex:    region.Intensity.Index,
				Mix:               mixOf(region.GenerationMix),
			})
		}
	}

	t.logger.InfoContext(ctx, "transformation complete",
		"readings", len(readings),
		"records", len(records),
	)
	return records, nil
}

// mixOf maps fuel name to percentage. A repeated fuel keeps its last value.
func mixOf(shares []types.FuelShare) map[string]float64 {
	mix := make(map[string]float64, len(shares))
	for _, s := range shares {
		mix[s.Fuel] = s.Perc
	}
	return mix
}
