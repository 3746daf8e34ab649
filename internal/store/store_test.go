package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	schema := []string{
		`CREATE TABLE pulse_series (
			user_id TEXT, indicator TEXT, source TEXT, time TIMESTAMP,
			value TEXT, timezone TEXT, source_id TEXT, task_id TEXT, update_time TIMESTAMP,
			PRIMARY KEY (user_id, indicator, source, time)
		)`,
		`CREATE TABLE pulse_summary (
			user_id TEXT, indicator TEXT, start_time TIMESTAMP, end_time TIMESTAMP,
			value TEXT, source TEXT, source_table TEXT, source_table_id TEXT,
			comment TEXT, task_id TEXT, deleted INTEGER DEFAULT 0, update_time TIMESTAMP,
			PRIMARY KEY (user_id, indicator, start_time, end_time)
		)`,
	}
	for _, stmt := range schema {
		_, err := sqlDB.Exec(stmt)
		require.NoError(t, err)
	}

	return NewFromSQL(sqlDB)
}

func TestSeriesStoreUpsertAndRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	series := NewSeriesStore(db)

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	rows := []SeriesRow{
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base, Value: "60", Timezone: "UTC", SourceID: "raw-1"},
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base.Add(time.Minute), Value: "61", Timezone: "UTC", SourceID: "raw-1"},
	}
	require.NoError(t, series.UpsertBatch(ctx, rows))

	got, err := series.RangeByTime(ctx, "u1", "heartRate", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "60", got[0].Value)
	assert.Equal(t, "61", got[1].Value)

	// Re-upsert the first key with a new value: conflict update must change it.
	require.NoError(t, series.UpsertBatch(ctx, []SeriesRow{
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base, Value: "65", Timezone: "UTC", SourceID: "raw-1"},
	}))
	got, err = series.RangeByTime(ctx, "u1", "heartRate", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "65", got[0].Value)
}

func TestSeriesStoreDeleteBySourceTableIDHandlesLegacyFormat(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	series := NewSeriesStore(db)

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, series.UpsertBatch(ctx, []SeriesRow{
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base, Value: "60", SourceID: "msg-123"},
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base.Add(time.Minute), Value: "61", SourceID: "msg-123_#_abcd"},
		{UserID: "u1", Indicator: "heartRate", Source: "whoop", Time: base.Add(2 * time.Minute), Value: "62", SourceID: "other"},
	}))

	require.NoError(t, series.DeleteBySourceTableID(ctx, "u1", "msg-123"))

	got, err := series.RangeByTime(ctx, "u1", "heartRate", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].SourceID)
}

func TestSummaryStoreMergeOnSameKeyKeepsLatestValue(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	summary := NewSummaryStore(db)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)

	require.NoError(t, summary.UpsertBatch(ctx, []SummaryRow{
		{UserID: "U", Indicator: "dailySteps", StartTime: start, EndTime: end, Value: "8000", Source: "whoop"},
	}))
	require.NoError(t, summary.UpsertBatch(ctx, []SummaryRow{
		{UserID: "U", Indicator: "dailySteps", StartTime: start, EndTime: end, Value: "9500", Source: "whoop"},
	}))

	got, err := summary.RangeByStart(ctx, "U", "dailySteps", start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1, "same key merges into one row")
	assert.Equal(t, "9500", got[0].Value, "the second write wins")
}

func TestSummaryStoreUpsertAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	summary := NewSummaryStore(db)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)

	require.NoError(t, summary.UpsertBatch(ctx, []SummaryRow{
		{UserID: "u1", Indicator: "dailySteps", StartTime: start, EndTime: end, Value: "1000", Source: "whoop", SourceTable: "raw_whoop", SourceTableID: "msg-9"},
	}))

	got, err := summary.RangeByStart(ctx, "u1", "dailySteps", start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1000", got[0].Value)
	assert.False(t, got[0].Deleted)

	require.NoError(t, summary.SoftDeleteBySourceTableID(ctx, "u1", "raw_whoop", "msg-9"))

	got, err = summary.RangeByStart(ctx, "u1", "dailySteps", start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got, "soft-deleted rows must be excluded from range queries")
}
