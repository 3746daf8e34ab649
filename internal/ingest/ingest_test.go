package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"

	_ "modernc.org/sqlite"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.SeriesStore, *store.SummaryStore) {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = sqlDB.Exec(`CREATE TABLE pulse_series (
		user_id TEXT, indicator TEXT, source TEXT, time TIMESTAMP,
		value TEXT, timezone TEXT, source_id TEXT, task_id TEXT, update_time TIMESTAMP,
		PRIMARY KEY (user_id, indicator, source, time)
	)`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`CREATE TABLE pulse_summary (
		user_id TEXT, indicator TEXT, start_time TIMESTAMP, end_time TIMESTAMP,
		value TEXT, source TEXT, source_table TEXT, source_table_id TEXT,
		comment TEXT, task_id TEXT, deleted INTEGER DEFAULT 0, update_time TIMESTAMP,
		PRIMARY KEY (user_id, indicator, start_time, end_time)
	)`)
	require.NoError(t, err)

	db := store.NewFromSQL(sqlDB)
	series := store.NewSeriesStore(db)
	summary := store.NewSummaryStore(db)
	return New(series, summary), series, summary
}

func TestProcessStandardDataSeriesAndSummary(t *testing.T) {
	ctx := context.Background()
	pipeline, series, summary := newTestPipeline(t)

	ts := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	result := provider.FormatResult{
		Meta: provider.RecordMeta{UserID: "u1", Source: "whoop", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{
			{Source: "theta.whoop", IndicatorID: "heartRate", TimestampMs: ts, Value: 72.0, Unit: "bpm", Timezone: "UTC", SourceID: "msg-1"},
			{Source: "theta.whoop", IndicatorID: "dailySteps", TimestampMs: ts, Value: 9000.0, Unit: "count", Timezone: "UTC", SourceID: "msg-1"},
		},
	}

	require.NoError(t, pipeline.ProcessStandardData(ctx, result))

	seriesRows, err := series.RangeByTime(ctx, "u1", "heartRate", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, seriesRows, 1)
	assert.Equal(t, "72", seriesRows[0].Value)

	summaryRows, err := summary.RangeByStart(ctx, "u1", "dailySteps", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, summaryRows, 1)
	assert.Equal(t, "9000", summaryRows[0].Value)
	assert.Contains(t, summaryRows[0].Comment, "Source: theta.whoop")
}

func TestProcessStandardDataSkipsUnknownIndicator(t *testing.T) {
	ctx := context.Background()
	pipeline, series, _ := newTestPipeline(t)

	result := provider.FormatResult{
		Meta: provider.RecordMeta{UserID: "u1", Source: "whoop", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{
			{Source: "theta.whoop", IndicatorID: "not_a_real_indicator", TimestampMs: time.Now().UnixMilli(), Value: 1.0},
		},
	}

	require.NoError(t, pipeline.ProcessStandardData(ctx, result))

	rows, err := series.RangeByTime(ctx, "u1", "not_a_real_indicator", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNormalizeValuePercentageHandlingOnlyForAppleHealth(t *testing.T) {
	rec := provider.CanonicalRecord{IndicatorID: "bloodOxygen", Value: 0.97, Unit: "ratio"}

	value, unit := normalizeValue(rec, true)
	assert.Equal(t, "97", value)
	assert.Equal(t, "%", unit)

	value, unit = normalizeValue(rec, false)
	assert.Equal(t, "0.97", value)
	assert.Equal(t, "ratio", unit)
}

func TestNormalizeValueStringLabelPassesThrough(t *testing.T) {
	rec := provider.CanonicalRecord{IndicatorID: "menstruationFlow", Value: "medium", Unit: "label"}
	value, unit := normalizeValue(rec, false)
	assert.Equal(t, "medium", value)
	assert.Equal(t, "label", unit)
}

func TestCalculateSummaryTimeRangeInfersDailyBounds(t *testing.T) {
	rec := provider.CanonicalRecord{IndicatorID: "dailySteps"}
	recordTime := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)

	start, end := calculateSummaryTimeRange(rec, recordTime, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC), end)
}

func TestCalculateSummaryTimeRangePrefersExplicitBounds(t *testing.T) {
	startMs := time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC).UnixMilli()
	endMs := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC).UnixMilli()
	rec := provider.CanonicalRecord{IndicatorID: "totalSleep", StartMs: &startMs, EndMs: &endMs}

	start, end := calculateSummaryTimeRange(rec, time.Now(), time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), end)
}

func TestResolveTimezoneFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, resolveTimezone(""))
	assert.Equal(t, time.UTC, resolveTimezone("Not/AZone"))

	loc := resolveTimezone("UTC")
	assert.Equal(t, time.UTC, loc)
}
