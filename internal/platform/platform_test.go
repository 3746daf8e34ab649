package platform

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/crypto"
	"github.com/thetahealth/mirobody-sub002/internal/ingest"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"
	"github.com/thetahealth/mirobody-sub002/internal/vault"

	_ "modernc.org/sqlite"
)

type fakeProvider struct {
	slug      string
	formatted []provider.FormatResult
	unlinked  bool
	savedRaw  provider.RawPayload
}

func (f *fakeProvider) Info() provider.Info {
	return provider.Info{Slug: f.slug, DisplayName: f.slug, Supported: true, AuthKind: vault.AuthPassword}
}
func (f *fakeProvider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	return provider.LinkResult{}, nil
}
func (f *fakeProvider) Callback(ctx context.Context, params provider.CallbackParams) (provider.CallbackResult, error) {
	return provider.CallbackResult{}, nil
}
func (f *fakeProvider) Unlink(ctx context.Context, userID string) error {
	f.unlinked = true
	return nil
}
func (f *fakeProvider) FormatData(ctx context.Context, raw provider.RawPayload) ([]provider.FormatResult, error) {
	return f.formatted, nil
}
func (f *fakeProvider) SaveRawData(ctx context.Context, raw provider.RawPayload) (provider.RawPayload, error) {
	f.savedRaw = raw
	return raw, nil
}
func (f *fakeProvider) IsAlreadyProcessed(ctx context.Context, raw provider.RawPayload) (bool, error) {
	return false, nil
}
func (f *fakeProvider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *provider.TimeWindow) ([]provider.RawPayload, error) {
	return nil, nil
}
func (f *fakeProvider) RegisterPullTask() bool { return true }

func newTestTheta(t *testing.T) (*Theta, *vault.Vault) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	_, err = sqlDB.Exec(`CREATE TABLE pulse_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT, provider_slug TEXT, auth_kind TEXT,
		credential_blob TEXT, llm_access INTEGER, reconnect_flag INTEGER,
		deleted_flag INTEGER, expires_at TIMESTAMP, created_at TIMESTAMP, updated_at TIMESTAMP
	)`)
	require.NoError(t, err)

	cm, err := crypto.NewCryptoManagerAt(t.TempDir())
	require.NoError(t, err)
	v, err := vault.New(sqlDB, cm)
	require.NoError(t, err)

	seriesDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = seriesDB.Close() })
	_, err = seriesDB.Exec(`CREATE TABLE pulse_series (
		user_id TEXT, indicator TEXT, source TEXT, time TIMESTAMP,
		value TEXT, timezone TEXT, source_id TEXT, task_id TEXT, update_time TIMESTAMP,
		PRIMARY KEY (user_id, indicator, source, time)
	)`)
	require.NoError(t, err)
	_, err = seriesDB.Exec(`CREATE TABLE pulse_summary (
		user_id TEXT, indicator TEXT, start_time TIMESTAMP, end_time TIMESTAMP,
		value TEXT, source TEXT, source_table TEXT, source_table_id TEXT,
		comment TEXT, task_id TEXT, deleted INTEGER DEFAULT 0, update_time TIMESTAMP,
		PRIMARY KEY (user_id, indicator, start_time, end_time)
	)`)
	require.NoError(t, err)

	db := store.NewFromSQL(seriesDB)
	pipeline := ingest.New(store.NewSeriesStore(db), store.NewSummaryStore(db))

	return NewTheta(v, pipeline), v
}

func TestRegisterProviderAndGetProviders(t *testing.T) {
	theta, _ := newTestTheta(t)
	require.NoError(t, theta.RegisterProvider(&fakeProvider{slug: "whoop"}))

	infos := theta.GetProviders()
	require.Len(t, infos, 1)
	assert.Equal(t, "whoop", infos[0].Slug)
}

func TestGetUserProvidersReflectsLinkStatus(t *testing.T) {
	ctx := context.Background()
	theta, v := newTestTheta(t)
	require.NoError(t, theta.RegisterProvider(&fakeProvider{slug: "whoop"}))

	ups, err := theta.GetUserProviders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, StatusNotConnected, ups[0].Status)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", vault.AuthPassword, vault.Bundle{Username: "a", Password: "b"}))

	ups, err = theta.GetUserProviders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, StatusConnected, ups[0].Status)
}

func TestPostDataRunsFullSequence(t *testing.T) {
	ctx := context.Background()
	theta, _ := newTestTheta(t)

	fp := &fakeProvider{
		slug: "whoop",
		formatted: []provider.FormatResult{
			{
				Meta: provider.RecordMeta{UserID: "u1", Source: "whoop", Timezone: "UTC"},
				Records: []provider.CanonicalRecord{
					{Source: "theta.whoop", IndicatorID: "heartRate", TimestampMs: time.Now().UnixMilli(), Value: 70.0, Unit: "bpm", SourceID: "msg-1"},
				},
			},
		},
	}
	require.NoError(t, theta.RegisterProvider(fp))

	ok, err := theta.PostData(ctx, "whoop", provider.RawPayload{}, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, fp.savedRaw.MsgID, "PostData must inject a msg_id before saving raw data")
}

func TestUnlinkDeletesVaultLinkAndCallsProvider(t *testing.T) {
	ctx := context.Background()
	theta, v := newTestTheta(t)
	fp := &fakeProvider{slug: "whoop"}
	require.NoError(t, theta.RegisterProvider(fp))
	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", vault.AuthPassword, vault.Bundle{Username: "a", Password: "b"}))

	require.NoError(t, theta.Unlink(ctx, "u1", "whoop"))
	assert.True(t, fp.unlinked)

	_, err := v.GetCredentials(ctx, "u1", "whoop", vault.AuthPassword)
	require.ErrorIs(t, err, vault.ErrNoCredential)
}
