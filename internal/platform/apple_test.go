package platform

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/ingest"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/providers/applehealth"
	"github.com/thetahealth/mirobody-sub002/internal/store"

	_ "modernc.org/sqlite"
)

type appleTestConfig map[string]string

func (c appleTestConfig) String(key, fallback string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return fallback
}
func (c appleTestConfig) Bool(key string) bool { return c[key] == "true" }

func newTestApple(t *testing.T) (*Apple, *store.SeriesStore) {
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
	pipeline := ingest.New(series, store.NewSummaryStore(db))

	p, ok := applehealth.New(appleTestConfig{})
	require.True(t, ok)
	return NewApple(p, pipeline), series
}

func TestAppleHeartRateIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	apple, series := newTestApple(t)

	payload, err := json.Marshal(map[string]any{
		"user_id":  "U",
		"metaInfo": map[string]any{"timezone": "UTC"},
		"healthData": []map[string]any{
			{
				"uuid":       "u1",
				"type":       "HEART_RATE",
				"dateFrom":   1700000000000,
				"dateTo":     1700000000000,
				"value":      map[string]any{"numericValue": 72},
				"unitSymbol": "bpm",
			},
		},
	})
	require.NoError(t, err)

	ok, err := apple.PostData(ctx, "apple_health", provider.RawPayload{ThetaUserID: "U", RawData: payload}, "msg-1")
	require.NoError(t, err)
	require.True(t, ok)

	wantTime := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	rows, err := series.RangeByTime(ctx, "U", "heartRate", wantTime.Add(-time.Minute), wantTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "72", rows[0].Value)
	assert.Equal(t, "apple_health", rows[0].Source)
	assert.Equal(t, wantTime, rows[0].Time.UTC())
}

func TestAppleUnknownTypeStoresNothing(t *testing.T) {
	ctx := context.Background()
	apple, series := newTestApple(t)

	payload, err := json.Marshal(map[string]any{
		"user_id":  "U",
		"metaInfo": map[string]any{"timezone": "UTC"},
		"healthData": []map[string]any{
			{
				"uuid":       "u1",
				"type":       "UNKNOWN_METRIC",
				"dateFrom":   1700000000000,
				"dateTo":     1700000000000,
				"value":      map[string]any{"numericValue": 72},
				"unitSymbol": "bpm",
			},
		},
	})
	require.NoError(t, err)

	ok, err := apple.PostData(ctx, "apple_health", provider.RawPayload{ThetaUserID: "U", RawData: payload}, "msg-2")
	require.NoError(t, err)
	assert.True(t, ok, "dropped records are not an ingestion failure")

	rows, err := series.RangeByTime(ctx, "U", "heartRate", time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplePlatformShape(t *testing.T) {
	apple, _ := newTestApple(t)

	assert.Equal(t, "apple", apple.Name())
	assert.True(t, apple.Solo())
	assert.False(t, apple.SupportsRegistration())
	assert.Error(t, apple.RegisterProvider(nil))

	slug, ok := apple.ResolveProviderSlug(provider.RawPayload{RawData: []byte(`{}`)})
	require.True(t, ok)
	assert.Equal(t, "apple_health", slug)

	_, err := apple.PostData(context.Background(), "not-a-provider", provider.RawPayload{}, "")
	assert.Error(t, err)
}
