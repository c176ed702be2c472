// Package types holds the data model shared by every stage of the carbon
// intensity pipeline: the raw API payload, the flattened output record, the
// error taxonomy, and small context helpers.
package types

// Canonical fuel names reported in a region's generation mix, in the column
// order of the carbon_intensity table.
const (
	FuelBiomass = "biomass"
	FuelCoal    = "coal"
	FuelImports = "imports"
	FuelGas     = "gas"
	FuelNuclear = "nuclear"
	FuelOther   = "other"
	FuelHydro   = "hydro"
	FuelSolar   = "solar"
	FuelWind    = "wind"
)

// Fuels lists the nine fuel fields a FlatRecord can carry, in schema order.
var Fuels = []string{
	FuelBiomass,
	FuelCoal,
	FuelImports,
	FuelGas,
	FuelNuclear,
	FuelOther,
	FuelHydro,
	FuelSolar,
	FuelWind,
}

// IsKnownFuel reports whether name is one of the nine canonical fuel fields.
func IsKnownFuel(name string) bool {
	for _, f := range Fuels {
		if f == name {
			return true
		}
	}
	return false
}

// Envelope is the top-level JSON document returned by the regional
// intensity endpoints.
type Envelope struct {
	Data *[]RawReading `json:"data"`
}

// RawReading is one half-hour window of the API response, covering every
// region reported for that window.
type RawReading struct {
	From    string        `json:"from"`
	To      string        `json:"to,omitempty"`
	Regions []RegionEntry `json:"regions"`
}

// RegionEntry is a single region's forecast within a RawReading.
type RegionEntry struct {
	RegionID      int         `json:"regionid"`
	DNORegion     string      `json:"dnoregion"`
	ShortName     string      `json:"shortname,omitempty"`
	Intensity     Intensity   `json:"intensity"`
	GenerationMix []FuelShare `json:"generationmix"`
}

// Intensity carries the forecast gCO2/kWh value and its categorical band
// (e.g. "very low", "moderate").
type Intensity struct {
	Forecast int    `json:"forecast"`
	Index    string `json:"index"`
}

// FuelShare is one fuel-type/percentage pair of a generation mix. The
// generation mix is a partial breakdown: percentages need not sum to 100 and
// fuels may be absent.
type FuelShare struct {
	Fuel string  `json:"fuel"`
	Perc float64 `json:"perc"`
}

// FlatRecord is one denormalized output row: the time fields of a reading
// combined with one region's data. Records are immutable once built.
type FlatRecord struct {
	Date              string             `json:"date"`
	From              string             `json:"from"`
	DayRecorded       string             `json:"day_recorded"`
	MonthRecorded     string             `json:"month_recorded"`
	DNORegion         string             `json:"dnoregion"`
	RegionID          int                `json:"regionid"`
	IntensityForecast int                `json:"intensity_forecast"`
	IntensityIndex    string             `json:"intensity_index"`
	Mix               map[string]float64 `json:"mix,omitempty"`
}

// Fuel returns the percentage recorded for the named fuel. ok is false when
// the fuel was absent from the region's generation mix.
func (r FlatRecord) Fuel(name string) (perc float64, ok bool) {
	perc, ok = r.Mix[name]
	return perc, ok
}

// FuelPtr returns a pointer to the named fuel's percentage, or nil when the
// fuel is absent. A nil pointer binds as SQL NULL.
func (r FlatRecord) FuelPtr(name string) *float64 {
	perc, ok := r.Mix[name]
	if !ok {
		return nil
	}
	return &perc
}
