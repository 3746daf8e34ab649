// Package catalog is the canonical indicator catalog (C1): the immutable,
// process-wide table of health indicator identifiers, their standard units,
// their series/summary kind, and the unit-conversion and interval-inference
// rules used throughout ingestion. It is built once at init() from a Go
// literal table, ported from mirobody/pulse/core/units.py,
// indicators_info.py, and constants.py, and is safe for concurrent reads.
package catalog

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Category groups indicators the way the original DataType/ResourceType
// enums did, collapsed into the coarser buckets spec.md names.
type Category string

const (
	CategoryVital        Category = "vital"
	CategoryActivity     Category = "activity"
	CategoryBody         Category = "body"
	CategorySleep        Category = "sleep"
	CategoryMetabolic    Category = "metabolic"
	CategoryPerformance  Category = "performance"
	CategoryNutrition    Category = "nutrition"
	CategoryReproductive Category = "reproductive"
	CategoryOther        Category = "other"
)

// Kind says whether an indicator is stored as series data, summary data, or
// both (e.g. total_sleep is both a nightly summary and, via its synthesized
// record, a series point).
type Kind int

const (
	KindSeries Kind = 1 << iota
	KindSummary
)

func (k Kind) HasSeries() bool  { return k&KindSeries != 0 }
func (k Kind) HasSummary() bool { return k&KindSummary != 0 }

// Indicator is one catalog entry.
type Indicator struct {
	Identifier   string
	Category     Category
	StandardUnit string
	Kind         Kind
}

// conversionKey identifies one (indicator, source unit) -> factor mapping.
type conversionKey struct {
	indicator  string
	sourceUnit string
}

var (
	indicators  = map[string]Indicator{}
	conversions = map[conversionKey]float64{}
)

func register(id string, category Category, unit string, kind Kind) {
	indicators[id] = Indicator{Identifier: id, Category: category, StandardUnit: unit, Kind: kind}
}

func convertsFrom(id, sourceUnit string, factor float64) {
	conversions[conversionKey{indicator: id, sourceUnit: sourceUnit}] = factor
}

func init() {
	// Vitals.
	register("heartRate", CategoryVital, "bpm", KindSeries)
	register("heartRateMax", CategoryVital, "bpm", KindSeries)
	register("restingHeartRate", CategoryVital, "bpm", KindSeries)
	register("maxHeartRateProfile", CategoryVital, "bpm", KindSeries)
	register("hrv", CategoryVital, "ms", KindSeries)
	register("hrvRmssd", CategoryVital, "ms", KindSeries)
	register("respiratoryRate", CategoryVital, "breaths/min", KindSeries)
	register("bloodPressure", CategoryVital, "mmHg", KindSeries)
	register("bloodOxygen", CategoryVital, "%", KindSeries)
	register("glucose", CategoryMetabolic, "mg/dL", KindSeries)
	register("cholesterol", CategoryMetabolic, "mg/dL", KindSeries)
	register("ige", CategoryMetabolic, "IU/mL", KindSeries)
	register("igg", CategoryMetabolic, "mg/dL", KindSeries)
	register("insulinInjection", CategoryMetabolic, "units", KindSeries)
	register("electrocardiogramVoltage", CategoryVital, "mV", KindSeries)

	// Body.
	register("weight", CategoryBody, "kg", KindSeries)
	register("fat", CategoryBody, "%", KindSeries)
	register("height", CategoryBody, "m", KindSeries)
	register("bodyTemperature", CategoryBody, "degC", KindSeries)
	register("bodyTemperatureDelta", CategoryBody, "degC", KindSeries)
	register("skinTemperature", CategoryBody, "degC", KindSeries)

	// Activity.
	register("caloriesActive", CategoryActivity, "kcal", KindSeries)
	register("caloriesBasal", CategoryActivity, "kcal", KindSeries)
	register("distance", CategoryActivity, "m", KindSeries)
	register("cyclingDistance", CategoryActivity, "m", KindSeries)
	register("floorsClimbed", CategoryActivity, "floors", KindSeries)
	register("steps", CategoryActivity, "count", KindSeries)
	register("vo2Max", CategoryPerformance, "mL/kg/min", KindSeries)
	register("altitudeGain", CategoryActivity, "m", KindSeries)
	register("altitudeChange", CategoryActivity, "m", KindSeries)
	register("stepDuration", CategoryActivity, "min", KindSummary)
	register("floorsClimbedDuration", CategoryActivity, "min", KindSummary)
	register("walkingRunningDuration", CategoryActivity, "min", KindSummary)
	register("cyclingDuration", CategoryActivity, "min", KindSummary)

	// Performance / strain / recovery.
	register("strain", CategoryPerformance, "score", KindSeries)
	register("recoveryScore", CategoryPerformance, "score", KindSeries)
	register("workoutDurationLow", CategoryPerformance, "min", KindSummary)
	register("workoutDurationMedium", CategoryPerformance, "min", KindSummary)
	register("workoutDurationHigh", CategoryPerformance, "min", KindSummary)
	register("workoutDuration", CategoryPerformance, "min", KindSummary)

	// Sleep.
	register("sleepInBed", CategorySleep, "ms", KindSeries)
	register("totalSleep", CategorySleep, "ms", KindSummary|KindSeries)
	register("sleepAnalysisAwake", CategorySleep, "ms", KindSeries)
	register("sleepAnalysisAsleepCore", CategorySleep, "ms", KindSeries)
	register("sleepAnalysisAsleepDeep", CategorySleep, "ms", KindSeries)
	register("sleepAnalysisAsleepRem", CategorySleep, "ms", KindSeries)
	register("sleepEfficiency", CategorySleep, "%", KindSeries)
	register("sleepPerformance", CategorySleep, "%", KindSeries)
	register("sleepConsistency", CategorySleep, "%", KindSeries)
	register("sleepDisturbances", CategorySleep, "count", KindSeries)
	register("dailySleep", CategorySleep, "ms", KindSummary)

	// Nutrition.
	register("water", CategoryNutrition, "mL", KindSeries)
	register("caffeine", CategoryNutrition, "mg", KindSeries)
	register("carbohydrates", CategoryNutrition, "g", KindSeries)
	register("dailySteps", CategoryActivity, "count", KindSummary)
	register("dailyCaloriesActive", CategoryActivity, "kcal", KindSummary)

	// Wellness.
	register("stressLevel", CategoryOther, "score", KindSeries)
	register("mindfulnessMinutes", CategoryOther, "min", KindSeries)

	// Reproductive (Apple Health export coverage).
	register("cervicalMucusQuality", CategoryReproductive, "label", KindSeries)
	register("contraceptiveMethod", CategoryReproductive, "label", KindSeries)
	register("menstruationFlow", CategoryReproductive, "label", KindSeries)
	register("ovulationTestResult", CategoryReproductive, "label", KindSeries)
	register("pregnancyTestResult", CategoryReproductive, "label", KindSeries)
	register("progesteroneTestResult", CategoryReproductive, "label", KindSeries)
	register("sexualActivity", CategoryReproductive, "label", KindSeries)
	register("intermenstrualBleeding", CategoryReproductive, "label", KindSeries)
	register("lactation", CategoryReproductive, "label", KindSeries)
	register("pregnancy", CategoryReproductive, "label", KindSeries)

	// Unit conversions, ported from UNIT_CONVERSIONS in core/units.py.
	convertsFrom("caloriesActive", "kJ", 1.0/4.184)
	convertsFrom("caloriesBasal", "kJ", 1.0/4.184)
	convertsFrom("workoutDurationLow", "ms", 1.0/60000.0)
	convertsFrom("workoutDurationMedium", "ms", 1.0/60000.0)
	convertsFrom("workoutDurationHigh", "ms", 1.0/60000.0)
	convertsFrom("distance", "km", 1000)
	convertsFrom("distance", "mi", 1609.344)
	convertsFrom("weight", "lb", 0.45359237)
}

// IsValid reports whether identifier exists in the catalog.
func IsValid(identifier string) bool {
	_, ok := indicators[identifier]
	return ok
}

// StandardUnit returns the catalog's canonical unit for identifier.
func StandardUnit(identifier string) (string, bool) {
	ind, ok := indicators[identifier]
	if !ok {
		return "", false
	}
	return ind.StandardUnit, true
}

// KindOf returns the series/summary classification for identifier.
func KindOf(identifier string) (Kind, bool) {
	ind, ok := indicators[identifier]
	if !ok {
		return 0, false
	}
	return ind.Kind, true
}

// IsSeries reports whether identifier is stored as series data.
func IsSeries(identifier string) bool {
	ind, ok := indicators[identifier]
	return ok && ind.Kind.HasSeries()
}

// IsSummary reports whether identifier is stored as summary data.
func IsSummary(identifier string) bool {
	ind, ok := indicators[identifier]
	return ok && ind.Kind.HasSummary()
}

// Categorize returns the category for identifier.
func Categorize(identifier string) (Category, bool) {
	ind, ok := indicators[identifier]
	if !ok {
		return "", false
	}
	return ind.Category, true
}

// AllIndicators returns every catalog entry. The returned slice is a copy;
// callers may not mutate the catalog.
func AllIndicators() []Indicator {
	out := make([]Indicator, 0, len(indicators))
	for _, ind := range indicators {
		out = append(out, ind)
	}
	return out
}

// Convert applies the catalog's unit-conversion rule for (indicator,
// sourceUnit) to value. Conversion is total: an unmapped pair or unknown
// indicator falls back to identity (the original value and unit) with a
// logged warning rather than an error, matching units.py's
// "best-effort, non-fatal" contract.
func Convert(indicator string, value float64, sourceUnit string) (float64, string) {
	ind, ok := indicators[indicator]
	if !ok {
		log.Warn().Str("indicator", indicator).Msg("catalog: unknown indicator, passing value through unchanged")
		return value, sourceUnit
	}
	if sourceUnit == "" || sourceUnit == ind.StandardUnit {
		return value, ind.StandardUnit
	}

	factor, ok := conversions[conversionKey{indicator: indicator, sourceUnit: sourceUnit}]
	if !ok {
		log.Warn().
			Str("indicator", indicator).
			Str("source_unit", sourceUnit).
			Msg("catalog: no conversion rule for unit pair, passing value through unchanged")
		return value, sourceUnit
	}
	return value * factor, ind.StandardUnit
}

// IntervalKind classifies the implicit aggregation window an indicator
// identifier implies when no explicit start/end is supplied, per spec.md
// §4.9 ("Ordering of start/end times for summary"): this table is the single
// place that inference lives, matching
// _calculate_summary_time_range_from_common in original_source.
type IntervalKind int

const (
	IntervalPoint IntervalKind = iota
	IntervalDaily
	IntervalWeekly
	IntervalHourly
)

// InferInterval returns the interval kind implied by an indicator identifier
// prefix/substring, matching the Python fallback's "daily"/"weekly"/"hourly"
// substring checks.
func InferInterval(identifier string) IntervalKind {
	lower := strings.ToLower(identifier)
	switch {
	case strings.Contains(lower, "daily"):
		return IntervalDaily
	case strings.Contains(lower, "weekly"):
		return IntervalWeekly
	case strings.Contains(lower, "hourly"):
		return IntervalHourly
	default:
		return IntervalPoint
	}
}

// Bounds computes [start, end] in loc for baseTime according to kind; end is
// the last whole second inside the window, and a point-in-time kind returns
// baseTime for both.
func Bounds(kind IntervalKind, baseTime time.Time, loc *time.Location) (time.Time, time.Time) {
	t := baseTime.In(loc)
	switch kind {
	case IntervalDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		end := start.Add(24*time.Hour - time.Second)
		return start, end
	case IntervalWeekly:
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -daysSinceMonday)
		end := start.AddDate(0, 0, 6).Add(24*time.Hour - time.Second)
		return start, end
	case IntervalHourly:
		start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		end := start.Add(time.Hour - time.Second)
		return start, end
	default:
		return t, t
	}
}
