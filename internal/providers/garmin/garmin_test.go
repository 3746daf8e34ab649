package garmin

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/crypto"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"
	"github.com/thetahealth/mirobody-sub002/internal/vault"

	_ "modernc.org/sqlite"
)

type fakeConfig map[string]string

func (c fakeConfig) String(key, fallback string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return fallback
}
func (c fakeConfig) Bool(key string) bool { return c[key] == "true" }

type fakeStates struct {
	mu     sync.Mutex
	states map[string][2]string
}

func newFakeStates() *fakeStates { return &fakeStates{states: map[string][2]string{}} }

func (f *fakeStates) SaveOAuthState(ctx context.Context, state, userID, redirectURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state] = [2]string{userID, redirectURI}
	return nil
}

func (f *fakeStates) TakeOAuthState(ctx context.Context, state string) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.states[state]
	if !ok {
		return "", "", false, nil
	}
	delete(f.states, state)
	return v[0], v[1], true, nil
}

func openTestVault(t *testing.T) *vault.Vault {
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
	return v
}

func newTestProvider(t *testing.T, cfg fakeConfig, deps Deps) *Provider {
	t.Helper()
	if cfg == nil {
		cfg = fakeConfig{}
	}
	if cfg["GARMIN_CONSUMER_KEY"] == "" {
		cfg["GARMIN_CONSUMER_KEY"] = "consumer-key"
	}
	if cfg["GARMIN_CONSUMER_SECRET"] == "" {
		cfg["GARMIN_CONSUMER_SECRET"] = "consumer-secret"
	}
	p, ok := New(cfg, deps)
	require.True(t, ok)
	return p
}

func TestNewDeclinesWithoutConsumerCredentials(t *testing.T) {
	_, ok := New(fakeConfig{}, Deps{})
	assert.False(t, ok)
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "abcABC123-._~", percentEncode("abcABC123-._~"))
	assert.Equal(t, "a%20b", percentEncode("a b"))
	assert.Equal(t, "%26%3D%2B", percentEncode("&=+"))
}

func TestSignIsDeterministicForFixedInputs(t *testing.T) {
	p := newTestProvider(t, nil, Deps{})
	params := url.Values{
		"oauth_consumer_key":     {"consumer-key"},
		"oauth_nonce":            {"fixed-nonce"},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {"1700000000"},
		"oauth_version":          {"1.0"},
	}
	sig1 := p.sign("POST", "https://example.com/oauth/request_token", params, "")
	sig2 := p.sign("POST", "https://example.com/oauth/request_token", params, "")
	assert.Equal(t, sig1, sig2)
	assert.NotEqual(t, sig1, p.sign("GET", "https://example.com/oauth/request_token", params, ""))
	assert.NotEqual(t, sig1, p.sign("POST", "https://example.com/oauth/request_token", params, "token-secret"))
}

func TestLinkObtainsRequestTokenAndBuildsAuthorizeURL(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("oauth_token=req-token&oauth_token_secret=req-secret"))
	}))
	defer ts.Close()

	states := newFakeStates()
	p := newTestProvider(t, fakeConfig{
		"GARMIN_REQUEST_TOKEN_URL": ts.URL,
		"GARMIN_AUTHORIZE_URL":     "https://connect.garmin.com/oauthConfirm",
	}, Deps{States: states, HTTP: ts.Client()})

	result, err := p.Link(context.Background(), provider.LinkRequest{UserID: "U"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotAuth, "OAuth "))
	assert.Contains(t, gotAuth, `oauth_signature_method="HMAC-SHA1"`)
	assert.Contains(t, result.RedirectURL, "oauth_token=req-token")

	// The request-token secret is remembered for the callback exchange.
	userID, secret, ok, err := states.TakeOAuthState(context.Background(), "req-token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "U", userID)
	assert.Equal(t, "req-secret", secret)
}

func TestCallbackExchangesAccessTokenAndPersists(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("oauth_token=access-token&oauth_token_secret=access-secret"))
	}))
	defer ts.Close()

	v := openTestVault(t)
	states := newFakeStates()
	require.NoError(t, states.SaveOAuthState(context.Background(), "req-token", "U", "req-secret"))

	p := newTestProvider(t, fakeConfig{"GARMIN_ACCESS_TOKEN_URL": ts.URL}, Deps{Vault: v, States: states, HTTP: ts.Client()})

	_, err := p.Callback(context.Background(), provider.CallbackParams{OAuthToken: "req-token", OAuthVerifier: "verif"})
	require.NoError(t, err)

	bundle, err := v.GetCredentials(context.Background(), "U", Slug, vault.AuthOAuth1)
	require.NoError(t, err)
	assert.Equal(t, "access-token", bundle.OAuth1Token)
	assert.Equal(t, "access-secret", bundle.OAuth1Secret)
}

func TestCallbackRejectsUnknownRequestToken(t *testing.T) {
	p := newTestProvider(t, nil, Deps{States: newFakeStates()})
	_, err := p.Callback(context.Background(), provider.CallbackParams{OAuthToken: "never-issued", OAuthVerifier: "v"})
	require.Error(t, err)
}

func TestPullFromVendorRevokedTokenMarksReconnect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "revoked", http.StatusUnauthorized)
	}))
	defer ts.Close()

	v := openTestVault(t)
	require.NoError(t, v.SaveLink(context.Background(), "U", Slug, vault.AuthOAuth1, vault.Bundle{
		OAuth1Token: "t", OAuth1Secret: "s",
	}))

	p := newTestProvider(t, fakeConfig{"GARMIN_API_BASE_URL": ts.URL}, Deps{Vault: v, HTTP: ts.Client()})

	_, err := p.PullFromVendor(context.Background(), vault.UserCredential{
		UserID: "U",
		Bundle: vault.Bundle{OAuth1Token: "t", OAuth1Secret: "s"},
	}, nil)
	require.Error(t, err)

	creds, err := v.ListCredentialsForProvider(context.Background(), Slug, vault.AuthOAuth1)
	require.NoError(t, err)
	assert.Empty(t, creds, "reconnect-flagged link is excluded from future pulls")
}

func TestPullFromVendorPackagesDailies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "dailies") {
			require.NotEmpty(t, r.URL.Query().Get("uploadStartTimeInSeconds"))
			_, _ = w.Write([]byte(`[{"startTimeInSeconds":1700000000,"steps":8000}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	p := newTestProvider(t, fakeConfig{"GARMIN_API_BASE_URL": ts.URL}, Deps{HTTP: ts.Client()})

	window := provider.TimeWindow{Since: time.Now().Add(-24 * time.Hour), Until: time.Now()}
	raws, err := p.PullFromVendor(context.Background(), vault.UserCredential{
		UserID: "U",
		Bundle: vault.Bundle{OAuth1Token: "t", OAuth1Secret: "s"},
	}, &window)
	require.NoError(t, err)
	require.Len(t, raws, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raws[0].RawData, &payload))
	assert.Equal(t, "dailies", payload["data_type"])
}

func TestFormatDataDailies(t *testing.T) {
	p := newTestProvider(t, nil, Deps{})

	payload, err := json.Marshal(map[string]any{
		"user_id":   "U",
		"data_type": "dailies",
		"data": []map[string]any{
			{
				"startTimeInSeconds":               1700000000,
				"steps":                            8000,
				"distanceInMeters":                 6500.5,
				"restingHeartRateInBeatsPerMinute": 52,
			},
		},
	})
	require.NoError(t, err)

	results, err := p.FormatData(context.Background(), provider.RawPayload{ThetaUserID: "U", MsgID: "m1", RawData: payload})
	require.NoError(t, err)
	require.Len(t, results, 1)

	byIndicator := map[string]provider.CanonicalRecord{}
	for _, rec := range results[0].Records {
		byIndicator[rec.IndicatorID] = rec
	}
	require.Len(t, results[0].Records, 3)
	assert.Equal(t, 8000.0, byIndicator["steps"].Value)
	assert.Equal(t, 6500.5, byIndicator["distance"].Value)
	assert.Equal(t, 52.0, byIndicator["restingHeartRate"].Value)
	assert.Equal(t, int64(1700000000000), byIndicator["steps"].TimestampMs)
	assert.Equal(t, "m1", byIndicator["steps"].SourceID)
}

func TestFormatDataSleepsConvertSecondsToMs(t *testing.T) {
	p := newTestProvider(t, nil, Deps{})

	payload, err := json.Marshal(map[string]any{
		"user_id":   "U",
		"data_type": "sleeps",
		"data": []map[string]any{
			{
				"startTimeInSeconds":         1700000000,
				"durationInSeconds":          28800,
				"deepSleepDurationInSeconds": 7200,
			},
		},
	})
	require.NoError(t, err)

	results, err := p.FormatData(context.Background(), provider.RawPayload{ThetaUserID: "U", RawData: payload})
	require.NoError(t, err)
	require.Len(t, results, 1)

	byIndicator := map[string]provider.CanonicalRecord{}
	for _, rec := range results[0].Records {
		byIndicator[rec.IndicatorID] = rec
	}
	assert.Equal(t, 28800000.0, byIndicator["totalSleep"].Value)
	assert.Equal(t, 7200000.0, byIndicator["sleepAnalysisAsleepDeep"].Value)
	assert.Equal(t, "ms", byIndicator["totalSleep"].Unit)
}

func TestSaveRawDataPersistsRow(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	_, err = sqlDB.Exec(`CREATE TABLE pulse_raw_garmin (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		theta_user_id TEXT, external_user_id TEXT, msg_id TEXT, raw_data TEXT,
		created_at TIMESTAMP, updated_at TIMESTAMP, deleted INTEGER DEFAULT 0
	)`)
	require.NoError(t, err)
	raw := store.NewRawStore(store.NewFromSQL(sqlDB), "garmin")

	p := newTestProvider(t, nil, Deps{Raw: raw})
	saved, err := p.SaveRawData(context.Background(), provider.RawPayload{
		ThetaUserID: "U",
		MsgID:       "m1",
		RawData:     []byte(`{"data_type":"dailies"}`),
	})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)

	got, err := p.GetRawData(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MsgID)
}
