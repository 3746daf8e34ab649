// Package applehealth is the Apple Health export adapter: it maps the
// mobile client's flutter-style record types onto canonical indicators,
// synthesizes total-sleep records from sleep stages, and rewrites sampled
// activity records into duration indicators. Ported from
// AppleHealthProvider in apple/provider.py and FLUTTER_TO_RECORD_TYPE_MAPPING
// in apple/models.py.
package applehealth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Slug identifies this provider on the apple platform.
const Slug = "apple_health"

// flutterToIndicator maps the mobile export's record types to canonical
// indicator identifiers. Records whose type is absent here are logged and
// dropped.
var flutterToIndicator = map[string]string{
	// Vital signs
	"HEART_RATE":                  "heartRate",
	"RESPIRATORY_RATE":            "respiratoryRate",
	"BODY_TEMPERATURE":            "bodyTemperature",
	"BLOOD_GLUCOSE":               "glucose",
	"BLOOD_OXYGEN":                "bloodOxygen",
	"BLOOD_PRESSURE_SYSTOLIC":     "bloodPressure",
	"BLOOD_PRESSURE_DIASTOLIC":    "bloodPressure",
	"RESTING_HEART_RATE":          "restingHeartRate",
	"HEART_RATE_VARIABILITY_SDNN": "hrv",
	// Activity and fitness
	"STEPS":                    "steps",
	"FLIGHTS_CLIMBED":          "floorsClimbed",
	"DISTANCE_WALKING_RUNNING": "distance",
	"DISTANCE_CYCLING":         "cyclingDistance",
	"VO2_MAX":                  "vo2Max",
	// Body measurements
	"HEIGHT":              "height",
	"WEIGHT":              "weight",
	"BODY_FAT_PERCENTAGE": "fat",
	// Nutrition
	"DIETARY_CARBS_CONSUMED": "carbohydrates",
	"DIETARY_WATER":          "water",
	// Sleep
	"SLEEP_IN_BED": "sleepInBed",
	"SLEEP_ASLEEP": "sleepAnalysisAsleepCore",
	"SLEEP_AWAKE":  "sleepAnalysisAwake",
	"SLEEP_DEEP":   "sleepAnalysisAsleepDeep",
	"SLEEP_LIGHT":  "sleepAnalysisAsleepCore",
	"SLEEP_REM":    "sleepAnalysisAsleepRem",
	// Energy
	"BASAL_ENERGY_BURNED":  "caloriesBasal",
	"ACTIVE_ENERGY_BURNED": "caloriesActive",
	// Mindfulness / wellness
	"MINDFULNESS": "mindfulnessMinutes",
	// Reproductive health
	"CERVICAL_MUCUS_QUALITY":   "cervicalMucusQuality",
	"CONTRACEPTIVE":            "contraceptiveMethod",
	"INTERMENTSTRUAL_BLEEDING": "intermenstrualBleeding",
	"LACTATION":                "lactation",
	"MENSTRUATION_FLOW":        "menstruationFlow",
	"OVULATION_TEST_RESULT":    "ovulationTestResult",
	"PREGNANCY":                "pregnancy",
	"PREGNANCY_TEST_RESULT":    "pregnancyTestResult",
	"PROGESTERONE_TEST_RESULT": "progesteroneTestResult",
	"SEXUAL_ACTIVITY":          "sexualActivity",
}

// sleepStageIndicators are the stages whose records additionally synthesize
// a totalSleep record covering the same interval; the summary store then
// accumulates the stages into the night's total.
var sleepStageIndicators = map[string]bool{
	"sleepAnalysisAsleepDeep": true,
	"sleepAnalysisAsleepCore": true,
	"sleepAnalysisAsleepRem":  true,
}

// statisticIndicator rewrites sampled activity records that carry a uuid
// (one sample per device interval) into duration indicators: the value
// becomes the interval length in minutes.
var statisticIndicator = map[string]string{
	"steps":           "stepDuration",
	"floorsClimbed":   "floorsClimbedDuration",
	"distance":        "walkingRunningDuration",
	"cyclingDistance": "cyclingDuration",
}

// labelValues maps Apple's numeric enum encodings to string labels for the
// reproductive indicators, keyed by indicator then numeric value.
var labelValues = map[string]map[int64]string{
	"cervicalMucusQuality": {1: "dry", 2: "sticky", 3: "creamy", 4: "water", 5: "eggWhite"},
	"contraceptiveMethod":  {1: "unspecified", 2: "implant", 3: "injection", 4: "intrauterineDevice", 5: "intravaginalRing", 6: "oral", 7: "patch"},
	"ovulationTestResult":  {1: "negative", 2: "positive", 3: "indeterminate", 4: "estrogenSurge"},
	"pregnancyTestResult":  {1: "negative", 2: "positive", 3: "indeterminate"},
	"progesteroneTestResult": {
		1: "negative", 2: "positive", 3: "indeterminate",
	},
}

var labelDefaults = map[string]string{
	"cervicalMucusQuality":   "unspecified",
	"contraceptiveMethod":    "unspecified",
	"ovulationTestResult":    "indeterminate",
	"pregnancyTestResult":    "indeterminate",
	"progesteroneTestResult": "indeterminate",
}

// Provider is the Apple Health export adapter. It is stateless: the export
// arrives fully formed in the webhook body, needs no stored credential, and
// is never pulled.
type Provider struct{}

// New always succeeds; the provider has no required configuration.
func New(cfg provider.Config) (*Provider, bool) {
	return &Provider{}, true
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		Slug:        Slug,
		DisplayName: "Apple Health",
		Logo:        "https://static.thetahealth.ai/res/applehealth.png",
		Supported:   true,
		AuthKind:    vault.AuthNone,
	}
}

func (p *Provider) RegisterPullTask() bool { return false }

func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	log.Info().Str("user_id", req.UserID).Msg("applehealth: no linking required")
	return provider.LinkResult{}, nil
}

func (p *Provider) Callback(ctx context.Context, params provider.CallbackParams) (provider.CallbackResult, error) {
	return provider.CallbackResult{}, nil
}

func (p *Provider) Unlink(ctx context.Context, userID string) error { return nil }

func (p *Provider) SaveRawData(ctx context.Context, raw provider.RawPayload) (provider.RawPayload, error) {
	// Export payloads are not audited in a raw table; the export file itself
	// is the audit copy.
	return raw, nil
}

func (p *Provider) IsAlreadyProcessed(ctx context.Context, raw provider.RawPayload) (bool, error) {
	return false, nil
}

func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *provider.TimeWindow) ([]provider.RawPayload, error) {
	return nil, nil
}

// FormatData turns one export payload into a canonical batch. Unknown
// record types are logged and dropped; sleep stages additionally synthesize
// totalSleep records; sampled activity records with a uuid become duration
// indicators.
func (p *Provider) FormatData(ctx context.Context, raw provider.RawPayload) ([]provider.FormatResult, error) {
	parsed := gjson.ParseBytes(raw.RawData)

	userID := raw.ThetaUserID
	if userID == "" {
		userID = parsed.Get("user_id").String()
	}

	defaultTimezone := parsed.Get("metaInfo.timezone").String()
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	taskID := parsed.Get("metaInfo.taskId").String()
	fromWatch := parsed.Get("metaInfo.directly_from_watch").Bool()
	source := "apple_health"
	if fromWatch {
		source = "apple_health_watch"
	}

	var records []provider.CanonicalRecord
	dropped := 0
	for _, entry := range parsed.Get("healthData").Array() {
		rec, ok := p.prepareRecord(entry, source, taskID, defaultTimezone)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)

		if sleepStageIndicators[rec.IndicatorID] {
			total := rec
			total.IndicatorID = "totalSleep"
			records = append(records, total)
		}
	}

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Str("user_id", userID).Msg("applehealth: dropped records with unmapped or invalid types")
	}

	result := provider.FormatResult{
		Meta: provider.RecordMeta{
			UserID:    userID,
			Source:    source,
			Timezone:  defaultTimezone,
			RequestID: uuid.NewString(),
			TaskID:    taskID,
		},
		Records: records,
	}
	return []provider.FormatResult{result}, nil
}

// prepareRecord maps one export entry to a canonical record, or ok=false
// when its type is unmapped or it carries no usable timestamps.
func (p *Provider) prepareRecord(entry gjson.Result, source, taskID, defaultTimezone string) (provider.CanonicalRecord, bool) {
	flutterType := entry.Get("type").String()
	if flutterType == "" {
		return provider.CanonicalRecord{}, false
	}

	indicator, ok := flutterToIndicator[flutterType]
	if !ok {
		log.Warn().
			Str("type", flutterType).
			Str("uuid", entry.Get("uuid").String()).
			Msg("applehealth: unmapped record type, discarding")
		return provider.CanonicalRecord{}, false
	}

	timezone := entry.Get("timezone").String()
	if timezone == "" || len(timezone) > 20 {
		timezone = defaultTimezone
	}

	startMs := parseRecordTime(entry.Get("dateFrom"))
	endMs := parseRecordTime(entry.Get("dateTo"))
	if endMs == 0 {
		endMs = startMs
	}
	if startMs == 0 {
		startMs = endMs
	}
	if startMs == 0 && endMs == 0 {
		return provider.CanonicalRecord{}, false
	}

	unit := entry.Get("unitSymbol").String()
	value := extractValue(entry.Get("value"), indicator)

	// Sampled activity records that carry a device uuid represent one
	// measurement interval; rewrite them into the matching duration
	// indicator with the interval length as the value.
	if durIndicator, isStatistic := statisticIndicator[indicator]; isStatistic && entry.Get("uuid").String() != "" {
		indicator = durIndicator
		unit = "min"
		value = float64(endMs-startMs) / 60000.0
	}

	sourceID := entry.Get("sourceId").String()
	if sourceID == "" {
		sourceID = "unknown"
	}

	start := startMs
	end := endMs
	return provider.CanonicalRecord{
		Source:      source,
		IndicatorID: indicator,
		TimestampMs: startMs,
		Value:       value,
		Unit:        unit,
		Timezone:    timezone,
		StartMs:     &start,
		EndMs:       &end,
		SourceID:    sourceID,
		TaskID:      taskID,
	}, true
}

// parseRecordTime accepts either epoch millis or an ISO-8601 string.
func parseRecordTime(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return ts.UnixMilli()
		}
	}
	return 0
}

// extractValue pulls the record's value: label-valued reproductive
// indicators map Apple's numeric enums to strings, everything else reads
// numericValue.
func extractValue(value gjson.Result, indicator string) interface{} {
	if mapping, ok := labelValues[indicator]; ok {
		if label, found := mapping[value.Get("numericValue").Int()]; found {
			return label
		}
		return labelDefaults[indicator]
	}

	switch indicator {
	case "menstruationFlow":
		return value.Get("flow").String()
	case "sexualActivity":
		if value.Get("isProtectionUsed").Bool() {
			return "True, With Protection"
		}
		return "True, Without Protection"
	case "intermenstrualBleeding", "lactation", "pregnancy":
		return "True"
	}

	if nv := value.Get("numericValue"); nv.Exists() {
		return nv.Float()
	}
	return 1.0
}
