// Package whoop is the Whoop vendor adapter: OAuth2 link/callback/refresh
// against the Whoop developer API, windowed pulls of cycles, sleeps,
// workouts, recoveries, and body measurements, and the field-path mapping
// tables that turn Whoop's nested score JSON into canonical records. Ported
// from ThetaWhoopProvider in theta/mirobody_whoop/provider_whoop.py.
package whoop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Slug identifies this provider across the theta platform.
const Slug = "theta_whoop"

// sourceName is the canonical source the provider stamps on every record.
const sourceName = "theta.whoop"

// OAuthStateStore round-trips the OAuth2 state between Link and Callback.
type OAuthStateStore interface {
	SaveOAuthState(ctx context.Context, state, userID, redirectURI string) error
	TakeOAuthState(ctx context.Context, state string) (userID, redirectURI string, ok bool, err error)
}

// Pusher re-enters a pulled payload into the ingestion path; used for the
// immediate initial pull after a successful callback.
type Pusher interface {
	PushData(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) bool
}

// Deps are the collaborators the provider is wired with at composition time.
type Deps struct {
	Vault  *vault.Vault
	States OAuthStateStore
	Raw    *store.RawStore
	HTTP   *http.Client
	Push   Pusher
}

// fieldRule maps one dotted path in a Whoop score object to a canonical
// indicator, conversion, and unit.
type fieldRule struct {
	Path      string
	Indicator string
	Convert   func(float64) float64
	Unit      string
}

func identity(x float64) float64 { return x }

const kJPerKcal = 4.184

var sleepRules = []fieldRule{
	{"score.stage_summary.total_in_bed_time_milli", "sleepInBed", identity, "ms"},
	{"score.stage_summary.total_awake_time_milli", "sleepAnalysisAwake", identity, "ms"},
	{"score.stage_summary.total_light_sleep_time_milli", "sleepAnalysisAsleepCore", identity, "ms"},
	{"score.stage_summary.total_slow_wave_sleep_time_milli", "sleepAnalysisAsleepDeep", identity, "ms"},
	{"score.stage_summary.total_rem_sleep_time_milli", "sleepAnalysisAsleepRem", identity, "ms"},
	{"score.sleep_efficiency_percentage", "sleepEfficiency", identity, "%"},
	{"score.respiratory_rate", "respiratoryRate", identity, "breaths/min"},
	{"score.sleep_performance_percentage", "sleepPerformance", identity, "%"},
	{"score.sleep_consistency_percentage", "sleepConsistency", identity, "%"},
	{"score.stage_summary.disturbance_count", "sleepDisturbances", identity, "count"},
}

var cycleRules = []fieldRule{
	{"score.average_heart_rate", "heartRate", identity, "bpm"},
	{"score.max_heart_rate", "heartRateMax", identity, "bpm"},
	{"score.kilojoule", "caloriesActive", func(x float64) float64 { return x / kJPerKcal }, "kcal"},
	{"score.strain", "strain", identity, "score"},
}

var recoveryRules = []fieldRule{
	{"score.resting_heart_rate", "restingHeartRate", identity, "bpm"},
	{"score.hrv_rmssd_milli", "hrvRmssd", identity, "ms"},
	{"score.spo2_percentage", "bloodOxygen", identity, "%"},
	{"score.recovery_score", "recoveryScore", identity, "score"},
	{"score.skin_temp_celsius", "skinTemperature", identity, "degC"},
}

var workoutRules = []fieldRule{
	{"score.average_heart_rate", "heartRate", identity, "bpm"},
	{"score.max_heart_rate", "heartRateMax", identity, "bpm"},
	{"score.distance_meter", "distance", identity, "m"},
	{"score.kilojoule", "caloriesActive", func(x float64) float64 { return x / kJPerKcal }, "kcal"},
	{"score.altitude_gain_meter", "altitudeGain", identity, "m"},
	{"score.altitude_change_meter", "altitudeChange", identity, "m"},
}

var bodyRules = []fieldRule{
	{"height_meter", "height", identity, "m"},
	{"weight_kilogram", "weight", identity, "kg"},
	{"max_heart_rate", "maxHeartRateProfile", identity, "bpm"},
}

// workoutZones aggregates heart-rate zone durations into the three
// intensity buckets: zones 0-1 low, 2-3 medium, 4-5 high, in minutes.
var workoutZones = []struct {
	Indicator string
	Paths     []string
}{
	{"workoutDurationLow", []string{"score.zone_durations.zone_zero_milli", "score.zone_durations.zone_one_milli"}},
	{"workoutDurationMedium", []string{"score.zone_durations.zone_two_milli", "score.zone_durations.zone_three_milli"}},
	{"workoutDurationHigh", []string{"score.zone_durations.zone_four_milli", "score.zone_durations.zone_five_milli"}},
}

// Provider is the Whoop adapter.
type Provider struct {
	oauth   oauth2.Config
	apiBase string
	deps    Deps
}

// New builds the provider from configuration, declining (ok=false) when the
// OAuth client credentials are absent.
func New(cfg provider.Config, deps Deps) (*Provider, bool) {
	clientID := cfg.String("WHOOP_CLIENT_ID", "")
	clientSecret := cfg.String("WHOOP_CLIENT_SECRET", "")
	if clientID == "" || clientSecret == "" {
		log.Warn().Msg("whoop: client credentials not configured, provider disabled")
		return nil, false
	}

	scopes := cfg.String("WHOOP_SCOPES",
		"offline read:recovery read:sleep read:cycles read:profile read:workout read:body_measurement")

	p := &Provider{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  cfg.String("WHOOP_REDIRECT_URL", ""),
			Scopes:       strings.Fields(scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.String("WHOOP_AUTH_URL", "https://api.prod.whoop.com/oauth/oauth2/auth"),
				TokenURL:  cfg.String("WHOOP_TOKEN_URL", "https://api.prod.whoop.com/oauth/oauth2/token"),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase: cfg.String("WHOOP_API_BASE_URL", "https://api.prod.whoop.com/developer/v2"),
		deps:    deps,
	}
	return p, true
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		Slug:        Slug,
		DisplayName: "Whoop",
		Logo:        "https://static.thetahealth.ai/res/whoop.png",
		Supported:   true,
		AuthKind:    vault.AuthOAuth2,
	}
}

func (p *Provider) RegisterPullTask() bool { return true }

// Link starts the OAuth2 authorization-code flow: it mints a state embedding
// the caller's return URL, stores the pending flow with a 15-minute TTL, and
// returns the vendor authorization URL.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	if p.oauth.RedirectURL == "" {
		return provider.LinkResult{}, errors.New("whoop: redirect URL not configured")
	}

	state := url.Values{
		"s": {uuid.NewString()},
		"r": {req.Options["return_url"]},
	}.Encode()

	if err := p.deps.States.SaveOAuthState(ctx, state, req.UserID, p.oauth.RedirectURL); err != nil {
		return provider.LinkResult{}, fmt.Errorf("whoop: save oauth state: %w", err)
	}

	log.Info().Str("user_id", req.UserID).Msg("whoop: generated authorization URL")
	return provider.LinkResult{RedirectURL: p.oauth.AuthCodeURL(state)}, nil
}

// Callback redeems the state (first-wins), exchanges the authorization code
// for tokens, persists the encrypted bundle, and kicks off an immediate
// initial pull in the background.
func (p *Provider) Callback(ctx context.Context, params provider.CallbackParams) (provider.CallbackResult, error) {
	userID, _, ok, err := p.deps.States.TakeOAuthState(ctx, params.State)
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("whoop: read oauth state: %w", err)
	}
	if !ok || userID == "" {
		return provider.CallbackResult{}, errors.New("whoop: unknown or expired oauth state")
	}

	token, err := p.oauth.Exchange(p.oauthContext(ctx), params.Code)
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("whoop: token exchange: %w", err)
	}
	if token.AccessToken == "" {
		return provider.CallbackResult{}, errors.New("whoop: token response missing access_token")
	}
	if token.RefreshToken == "" {
		log.Warn().Str("user_id", userID).Msg("whoop: token response missing refresh_token, proceeding without refresh capability")
	}

	if err := p.deps.Vault.UpdateOAuth2Tokens(ctx, userID, Slug, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		return provider.CallbackResult{}, fmt.Errorf("whoop: save tokens: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("whoop: linked")

	go p.initialPull(userID)

	var returnURL string
	if parsed, err := url.ParseQuery(params.State); err == nil {
		returnURL = parsed.Get("r")
	}
	return provider.CallbackResult{ReturnURL: returnURL}, nil
}

// initialPull runs one immediate pull-and-push for a freshly linked user so
// their data appears without waiting for the next scheduled run.
func (p *Provider) initialPull(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	bundle, err := p.deps.Vault.GetCredentials(ctx, userID, Slug, vault.AuthOAuth2)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("whoop: initial pull credentials unavailable")
		return
	}

	window := provider.TimeWindow{Since: time.Now().Add(-48 * time.Hour), Until: time.Now()}
	raws, err := p.PullFromVendor(ctx, vault.UserCredential{UserID: userID, Bundle: bundle}, &window)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("whoop: initial pull failed")
		return
	}
	for _, raw := range raws {
		raw.ThetaUserID = userID
		p.deps.Push.PushData(ctx, "theta", Slug, raw, uuid.NewString())
	}
	log.Info().Str("user_id", userID).Int("payloads", len(raws)).Msg("whoop: initial pull completed")
}

func (p *Provider) Unlink(ctx context.Context, userID string) error {
	log.Info().Str("user_id", userID).Msg("whoop: unlinking")
	return p.deps.Vault.DeleteLink(ctx, userID, Slug)
}

// oauthContext routes the oauth2 package's internal HTTP calls through the
// shared vendor client.
func (p *Provider) oauthContext(ctx context.Context) context.Context {
	if p.deps.HTTP == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.deps.HTTP)
}

// validAccessToken returns a usable access token for cred, refreshing it at
// the vendor token endpoint when expired. A 4xx during refresh is terminal:
// the link is soft-deleted and flagged for relink.
func (p *Provider) validAccessToken(ctx context.Context, cred vault.UserCredential) (string, error) {
	b := cred.Bundle
	if b.AccessToken == "" {
		return "", errors.New("whoop: credential has no access token")
	}
	if !b.ExpiresAt.IsZero() && time.Now().Before(b.ExpiresAt) {
		return b.AccessToken, nil
	}
	if b.RefreshToken == "" {
		return "", errors.New("whoop: access token expired and no refresh token stored")
	}

	src := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{
		RefreshToken: b.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	token, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			log.Error().
				Int("status", retrieveErr.Response.StatusCode).
				Str("user_id", cred.UserID).
				Msg("whoop: refresh rejected, credential requires relink")
			if relinkErr := p.deps.Vault.RequireRelink(ctx, cred.UserID, Slug); relinkErr != nil {
				log.Error().Err(relinkErr).Str("user_id", cred.UserID).Msg("whoop: require relink failed")
			}
		}
		return "", fmt.Errorf("whoop: refresh token: %w", err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = b.RefreshToken
	}
	if err := p.deps.Vault.UpdateOAuth2Tokens(ctx, cred.UserID, Slug, token.AccessToken, refreshToken, token.Expiry); err != nil {
		log.Error().Err(err).Str("user_id", cred.UserID).Msg("whoop: persisting refreshed tokens failed")
	}
	return token.AccessToken, nil
}

// PullFromVendor fetches the user's cycles, sleeps, workouts, recoveries,
// and body measurements inside window, packaged as one raw payload per data
// type.
func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *provider.TimeWindow) ([]provider.RawPayload, error) {
	accessToken, err := p.validAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	params := url.Values{"limit": {"25"}}
	if window != nil {
		params.Set("start", window.Since.UTC().Format(time.RFC3339))
		params.Set("end", window.Until.UTC().Format(time.RFC3339))
	}

	collections := []struct {
		dataType string
		path     string
		windowed bool
	}{
		{"cycles", "/cycle", true},
		{"sleeps", "/activity/sleep", true},
		{"workouts", "/activity/workout", true},
		{"recoveries", "/recovery", true},
		{"body_measurements", "/user/measurement/body", false},
	}

	var out []provider.RawPayload
	now := time.Now().UnixMilli()
	for _, c := range collections {
		reqParams := url.Values{}
		if c.windowed {
			reqParams = params
		}
		records, err := p.fetchPaginated(ctx, accessToken, p.apiBase+c.path, reqParams)
		if err != nil {
			return out, fmt.Errorf("whoop: fetch %s: %w", c.dataType, err)
		}
		if len(records) == 0 {
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"user_id":   cred.UserID,
			"data_type": c.dataType,
			"data":      records,
			"timestamp": now,
		})
		if err != nil {
			return out, fmt.Errorf("whoop: marshal %s payload: %w", c.dataType, err)
		}
		out = append(out, provider.RawPayload{
			ThetaUserID: cred.UserID,
			RawData:     payload,
		})
	}
	return out, nil
}

// fetchPaginated walks a Whoop collection endpoint through its nextToken
// pagination, retrying transient failures. A 401 is an auth error the caller
// surfaces; the token was validated at entry so it indicates revocation.
func (p *Provider) fetchPaginated(ctx context.Context, accessToken, endpoint string, params url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	nextToken := ""

	for {
		resp, err := provider.DoWithRetry(ctx, p.deps.HTTP, func() (*http.Request, error) {
			q := url.Values{}
			for k, vs := range params {
				q[k] = vs
			}
			if nextToken != "" {
				q.Set("nextToken", nextToken)
			}
			reqURL := endpoint
			if len(q) > 0 {
				reqURL += "?" + q.Encode()
			}
			req, err := http.NewRequest(http.MethodGet, reqURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			return all, err
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return all, fmt.Errorf("whoop: read response: %w", readErr)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return all, fmt.Errorf("whoop: authentication failed at %s", endpoint)
		}
		if resp.StatusCode != http.StatusOK {
			return all, fmt.Errorf("whoop: %s returned %d", endpoint, resp.StatusCode)
		}

		parsed := gjson.ParseBytes(body)
		records := parsed.Get("records")
		if !records.Exists() {
			// Non-paginated response (profile, body measurements).
			all = append(all, json.RawMessage(body))
			return all, nil
		}
		for _, rec := range records.Array() {
			all = append(all, json.RawMessage(rec.Raw))
		}

		nextToken = parsed.Get("next_token").String()
		if nextToken == "" {
			return all, nil
		}
	}
}

// SaveRawData persists the payload into the provider's raw table, keyed by
// its msg_id for idempotency.
func (p *Provider) SaveRawData(ctx context.Context, raw provider.RawPayload) (provider.RawPayload, error) {
	userID := raw.ThetaUserID
	if userID == "" {
		userID = gjson.GetBytes(raw.RawData, "user_id").String()
	}

	row, err := p.deps.Raw.Insert(ctx, store.RawRow{
		ThetaUserID:    userID,
		ExternalUserID: userID,
		MsgID:          raw.MsgID,
		RawData:        raw.RawData,
	})
	if err != nil {
		return provider.RawPayload{}, fmt.Errorf("whoop: save raw data: %w", err)
	}

	raw.ID = row.ID
	raw.ThetaUserID = row.ThetaUserID
	raw.CreatedAt = row.CreatedAt
	return raw, nil
}

func (p *Provider) IsAlreadyProcessed(ctx context.Context, raw provider.RawPayload) (bool, error) {
	return false, nil
}

// ListRawData pages through the stored raw payloads for diagnostics.
func (p *Provider) ListRawData(ctx context.Context, filter provider.RawFilter) ([]provider.RawPayload, error) {
	rows, err := p.deps.Raw.List(ctx, store.RawFilter{UserID: filter.UserID, Page: filter.Page, PageSize: filter.PageSize})
	if err != nil {
		return nil, err
	}
	out := make([]provider.RawPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, rawPayloadFromRow(row))
	}
	return out, nil
}

// GetRawData returns one stored raw payload by id.
func (p *Provider) GetRawData(ctx context.Context, id int64) (provider.RawPayload, error) {
	row, err := p.deps.Raw.GetByID(ctx, id)
	if err != nil {
		return provider.RawPayload{}, err
	}
	return rawPayloadFromRow(row), nil
}

// DeleteRawData soft-deletes one stored raw payload and returns it for
// cascade delete of its derived rows.
func (p *Provider) DeleteRawData(ctx context.Context, id int64) (provider.RawPayload, error) {
	row, err := p.deps.Raw.SoftDelete(ctx, id)
	if err != nil {
		return provider.RawPayload{}, err
	}
	return rawPayloadFromRow(row), nil
}

func rawPayloadFromRow(row store.RawRow) provider.RawPayload {
	return provider.RawPayload{
		ID:             row.ID,
		ThetaUserID:    row.ThetaUserID,
		ExternalUserID: row.ExternalUserID,
		MsgID:          row.MsgID,
		RawData:        row.RawData,
		CreatedAt:      row.CreatedAt,
		Deleted:        row.Deleted,
	}
}

// FormatData turns one stored Whoop payload into a canonical-record batch
// for its user. Unscored entries are skipped; unmapped fields are simply
// absent from the rule tables.
func (p *Provider) FormatData(ctx context.Context, raw provider.RawPayload) ([]provider.FormatResult, error) {
	parsed := gjson.ParseBytes(raw.RawData)

	userID := raw.ThetaUserID
	if userID == "" {
		userID = parsed.Get("user_id").String()
	}
	if userID == "" {
		log.Error().Str("msg_id", raw.MsgID).Msg("whoop: payload has no user_id, dropping")
		return nil, nil
	}

	dataType := parsed.Get("data_type").String()
	data := parsed.Get("data")
	if !data.Exists() {
		return nil, nil
	}
	entries := data.Array()
	if !data.IsArray() {
		entries = []gjson.Result{data}
	}

	var records []provider.CanonicalRecord
	switch dataType {
	case "sleeps":
		records = p.processScored(entries, sleepRules, "start", raw.MsgID)
	case "cycles":
		records = p.processScored(entries, cycleRules, "start", raw.MsgID)
	case "recoveries":
		records = p.processScored(entries, recoveryRules, "created_at", raw.MsgID)
	case "workouts":
		records = p.processWorkouts(entries, raw.MsgID)
	case "body_measurements":
		records = p.processBody(entries, raw.MsgID)
	case "user_profile":
		// Informational only, no health records.
	default:
		log.Warn().Str("data_type", dataType).Msg("whoop: unknown data type")
	}

	result := provider.FormatResult{
		Meta: provider.RecordMeta{
			UserID:    userID,
			Source:    "theta",
			Timezone:  "UTC",
			RequestID: uuid.NewString(),
		},
		Records: records,
	}
	log.Info().Str("user_id", userID).Str("data_type", dataType).Int("records", len(records)).Msg("whoop: formatted payload")
	return []provider.FormatResult{result}, nil
}

// entryTimestamp extracts the record timestamp in epoch millis from
// timeField, falling back to created_at, then to now.
func entryTimestamp(entry gjson.Result, timeField string) int64 {
	for _, field := range []string{timeField, "created_at"} {
		if s := entry.Get(field).String(); s != "" {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return time.Now().UnixMilli()
}

func (p *Provider) processScored(entries []gjson.Result, rules []fieldRule, timeField, msgID string) []provider.CanonicalRecord {
	var out []provider.CanonicalRecord
	for _, entry := range entries {
		if entry.Get("score_state").String() != "SCORED" {
			continue
		}
		ts := entryTimestamp(entry, timeField)
		out = append(out, applyRules(entry, rules, ts, msgID)...)
	}
	return out
}

func (p *Provider) processWorkouts(entries []gjson.Result, msgID string) []provider.CanonicalRecord {
	var out []provider.CanonicalRecord
	for _, entry := range entries {
		if entry.Get("score_state").String() != "SCORED" {
			continue
		}
		ts := entryTimestamp(entry, "start")

		// Aggregate heart-rate zones into intensity buckets before the flat
		// rules so zone fields are not double-counted.
		for _, zone := range workoutZones {
			var totalMs float64
			for _, path := range zone.Paths {
				totalMs += entry.Get(path).Float()
			}
			if totalMs > 0 {
				out = append(out, provider.CanonicalRecord{
					Source:      sourceName,
					IndicatorID: zone.Indicator,
					TimestampMs: ts,
					Value:       totalMs / 60000.0,
					Unit:        "min",
					Timezone:    "UTC",
					SourceID:    msgID,
				})
			}
		}

		out = append(out, applyRules(entry, workoutRules, ts, msgID)...)
	}
	return out
}

func (p *Provider) processBody(entries []gjson.Result, msgID string) []provider.CanonicalRecord {
	var out []provider.CanonicalRecord
	ts := time.Now().UnixMilli()
	for _, entry := range entries {
		out = append(out, applyRules(entry, bodyRules, ts, msgID)...)
	}
	return out
}

func applyRules(entry gjson.Result, rules []fieldRule, ts int64, msgID string) []provider.CanonicalRecord {
	var out []provider.CanonicalRecord
	for _, rule := range rules {
		value := entry.Get(rule.Path)
		if !value.Exists() {
			continue
		}
		out = append(out, provider.CanonicalRecord{
			Source:      sourceName,
			IndicatorID: rule.Indicator,
			TimestampMs: ts,
			Value:       rule.Convert(value.Float()),
			Unit:        rule.Unit,
			Timezone:    "UTC",
			SourceID:    msgID,
		})
	}
	return out
}
