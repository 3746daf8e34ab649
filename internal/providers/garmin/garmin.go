// Package garmin is the Garmin Connect vendor adapter: a three-legged
// OAuth1 link flow signed with HMAC-SHA1 and windowed pulls of the Health
// API's dailies and sleeps summaries. The OAuth1 signing is built on the
// standard library; the field mapping follows the same path-table pattern as
// the Whoop adapter.
package garmin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/store"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Slug identifies this provider across the theta platform.
const Slug = "theta_garmin"

const sourceName = "theta.garmin"

// OAuthStateStore keeps the request-token secret between Link and Callback,
// keyed by the request token. The generic state slots carry (user id,
// token secret).
type OAuthStateStore interface {
	SaveOAuthState(ctx context.Context, state, userID, redirectURI string) error
	TakeOAuthState(ctx context.Context, state string) (userID, redirectURI string, ok bool, err error)
}

// Deps are the collaborators the provider is wired with at composition time.
type Deps struct {
	Vault  *vault.Vault
	States OAuthStateStore
	Raw    *store.RawStore
	HTTP   *http.Client
}

type fieldRule struct {
	Path      string
	Indicator string
	Convert   func(float64) float64
	Unit      string
}

func identity(x float64) float64 { return x }
func secondsToMs(x float64) float64 { return x * 1000 }

var dailyRules = []fieldRule{
	{"steps", "steps", identity, "count"},
	{"distanceInMeters", "distance", identity, "m"},
	{"activeKilocalories", "caloriesActive", identity, "kcal"},
	{"bmrKilocalories", "caloriesBasal", identity, "kcal"},
	{"floorsClimbed", "floorsClimbed", identity, "floors"},
	{"restingHeartRateInBeatsPerMinute", "restingHeartRate", identity, "bpm"},
	{"averageStressLevel", "stressLevel", identity, "score"},
}

var sleepRules = []fieldRule{
	{"durationInSeconds", "totalSleep", secondsToMs, "ms"},
	{"deepSleepDurationInSeconds", "sleepAnalysisAsleepDeep", secondsToMs, "ms"},
	{"lightSleepDurationInSeconds", "sleepAnalysisAsleepCore", secondsToMs, "ms"},
	{"remSleepInSeconds", "sleepAnalysisAsleepRem", secondsToMs, "ms"},
	{"awakeDurationInSeconds", "sleepAnalysisAwake", secondsToMs, "ms"},
}

// Provider is the Garmin adapter.
type Provider struct {
	consumerKey    string
	consumerSecret string

	requestTokenURL string
	authorizeURL    string
	accessTokenURL  string
	apiBase         string
	callbackURL     string

	deps Deps
}

// New builds the provider from configuration, declining when the consumer
// key pair is absent.
func New(cfg provider.Config, deps Deps) (*Provider, bool) {
	key := cfg.String("GARMIN_CONSUMER_KEY", "")
	secret := cfg.String("GARMIN_CONSUMER_SECRET", "")
	if key == "" || secret == "" {
		log.Warn().Msg("garmin: consumer credentials not configured, provider disabled")
		return nil, false
	}

	return &Provider{
		consumerKey:     key,
		consumerSecret:  secret,
		requestTokenURL: cfg.String("GARMIN_REQUEST_TOKEN_URL", "https://connectapi.garmin.com/oauth-service/oauth/request_token"),
		authorizeURL:    cfg.String("GARMIN_AUTHORIZE_URL", "https://connect.garmin.com/oauthConfirm"),
		accessTokenURL:  cfg.String("GARMIN_ACCESS_TOKEN_URL", "https://connectapi.garmin.com/oauth-service/oauth/access_token"),
		apiBase:         cfg.String("GARMIN_API_BASE_URL", "https://apis.garmin.com/wellness-api/rest"),
		callbackURL:     cfg.String("GARMIN_CALLBACK_URL", ""),
		deps:            deps,
	}, true
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		Slug:        Slug,
		DisplayName: "Garmin",
		Logo:        "https://static.thetahealth.ai/res/garmin.png",
		Supported:   true,
		AuthKind:    vault.AuthOAuth1,
	}
}

func (p *Provider) RegisterPullTask() bool { return true }

// nonce returns 16 random hex bytes for the oauth_nonce parameter.
func nonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// sign produces the HMAC-SHA1 OAuth1 signature over method, rawURL, and the
// combined query/oauth parameters, per RFC 5849 §3.4.
func (p *Provider) sign(method, rawURL string, params url.Values, tokenSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		for _, v := range params[k] {
			pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
		}
	}

	base := strings.ToUpper(method) + "&" + percentEncode(rawURL) + "&" + percentEncode(strings.Join(pairs, "&"))
	key := percentEncode(p.consumerSecret) + "&" + percentEncode(tokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode is RFC 3986 encoding as OAuth1 requires (space as %20,
// unreserved characters untouched).
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// oauthParams builds the base oauth_* parameter set.
func (p *Provider) oauthParams(token string) url.Values {
	params := url.Values{
		"oauth_consumer_key":     {p.consumerKey},
		"oauth_nonce":            {nonce()},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {strconv.FormatInt(time.Now().Unix(), 10)},
		"oauth_version":          {"1.0"},
	}
	if token != "" {
		params.Set("oauth_token", token)
	}
	return params
}

// signedRequest issues one OAuth1-signed request and returns the body.
func (p *Provider) signedRequest(ctx context.Context, method, rawURL string, query url.Values, oauthExtra url.Values, token, tokenSecret string) ([]byte, int, error) {
	params := p.oauthParams(token)
	for k, vs := range oauthExtra {
		params[k] = vs
	}
	all := url.Values{}
	for k, vs := range params {
		all[k] = vs
	}
	for k, vs := range query {
		all[k] = vs
	}
	params.Set("oauth_signature", p.sign(method, rawURL, all, tokenSecret))

	var header []string
	for k, vs := range params {
		if strings.HasPrefix(k, "oauth_") {
			header = append(header, percentEncode(k)+`="`+percentEncode(vs[0])+`"`)
		}
	}
	sort.Strings(header)

	reqURL := rawURL
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	resp, err := provider.DoWithRetry(ctx, p.deps.HTTP, func() (*http.Request, error) {
		req, err := http.NewRequest(method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "OAuth "+strings.Join(header, ", "))
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("garmin: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Link runs OAuth1 stage 1: obtain a request token, remember its secret
// under the token, and hand back the vendor authorization URL.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	body, status, err := p.signedRequest(ctx, http.MethodPost, p.requestTokenURL, nil,
		url.Values{"oauth_callback": {p.callbackURL}}, "", "")
	if err != nil {
		return provider.LinkResult{}, fmt.Errorf("garmin: request token: %w", err)
	}
	if status != http.StatusOK {
		return provider.LinkResult{}, fmt.Errorf("garmin: request token returned %d", status)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return provider.LinkResult{}, fmt.Errorf("garmin: parse request token response: %w", err)
	}
	token := values.Get("oauth_token")
	secret := values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return provider.LinkResult{}, errors.New("garmin: request token response incomplete")
	}

	if err := p.deps.States.SaveOAuthState(ctx, token, req.UserID, secret); err != nil {
		return provider.LinkResult{}, fmt.Errorf("garmin: save request token: %w", err)
	}

	authURL := p.authorizeURL + "?" + url.Values{"oauth_token": {token}}.Encode()
	log.Info().Str("user_id", req.UserID).Msg("garmin: generated authorization URL")
	return provider.LinkResult{RedirectURL: authURL}, nil
}

// Callback runs OAuth1 stage 3: exchange the verified request token for an
// access token and persist the bundle.
func (p *Provider) Callback(ctx context.Context, params provider.CallbackParams) (provider.CallbackResult, error) {
	userID, requestSecret, ok, err := p.deps.States.TakeOAuthState(ctx, params.OAuthToken)
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("garmin: read request token state: %w", err)
	}
	if !ok || userID == "" {
		return provider.CallbackResult{}, errors.New("garmin: unknown or expired request token")
	}

	body, status, err := p.signedRequest(ctx, http.MethodPost, p.accessTokenURL, nil,
		url.Values{"oauth_verifier": {params.OAuthVerifier}}, params.OAuthToken, requestSecret)
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("garmin: access token: %w", err)
	}
	if status != http.StatusOK {
		return provider.CallbackResult{}, fmt.Errorf("garmin: access token returned %d", status)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("garmin: parse access token response: %w", err)
	}
	accessToken := values.Get("oauth_token")
	accessSecret := values.Get("oauth_token_secret")
	if accessToken == "" || accessSecret == "" {
		return provider.CallbackResult{}, errors.New("garmin: access token response incomplete")
	}

	err = p.deps.Vault.SaveLink(ctx, userID, Slug, vault.AuthOAuth1, vault.Bundle{
		OAuth1Token:  accessToken,
		OAuth1Secret: accessSecret,
	})
	if err != nil {
		return provider.CallbackResult{}, fmt.Errorf("garmin: save tokens: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("garmin: linked")
	return provider.CallbackResult{}, nil
}

func (p *Provider) Unlink(ctx context.Context, userID string) error {
	log.Info().Str("user_id", userID).Msg("garmin: unlinking")
	return p.deps.Vault.DeleteLink(ctx, userID, Slug)
}

// PullFromVendor fetches the user's dailies and sleeps inside window. A 401
// means the access token was revoked on Garmin's side; the link is flagged
// for reconnect.
func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *provider.TimeWindow) ([]provider.RawPayload, error) {
	b := cred.Bundle
	if b.OAuth1Token == "" || b.OAuth1Secret == "" {
		return nil, errors.New("garmin: credential has no oauth1 token")
	}

	since := time.Now().Add(-24 * time.Hour)
	until := time.Now()
	if window != nil {
		since, until = window.Since, window.Until
	}
	query := url.Values{
		"uploadStartTimeInSeconds": {strconv.FormatInt(since.Unix(), 10)},
		"uploadEndTimeInSeconds":   {strconv.FormatInt(until.Unix(), 10)},
	}

	var out []provider.RawPayload
	now := time.Now().UnixMilli()
	for _, c := range []struct{ dataType, path string }{
		{"dailies", "/dailies"},
		{"sleeps", "/sleeps"},
	} {
		body, status, err := p.signedRequest(ctx, http.MethodGet, p.apiBase+c.path, query, nil, b.OAuth1Token, b.OAuth1Secret)
		if err != nil {
			return out, fmt.Errorf("garmin: fetch %s: %w", c.dataType, err)
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			log.Error().Int("status", status).Str("user_id", cred.UserID).Msg("garmin: access token rejected, link requires reconnect")
			if err := p.deps.Vault.MarkReconnect(ctx, cred.UserID, Slug); err != nil {
				log.Error().Err(err).Str("user_id", cred.UserID).Msg("garmin: mark reconnect failed")
			}
			return out, fmt.Errorf("garmin: authentication failed for user %s", cred.UserID)
		}
		if status != http.StatusOK {
			return out, fmt.Errorf("garmin: %s returned %d", c.dataType, status)
		}
		if !gjson.ValidBytes(body) || len(gjson.ParseBytes(body).Array()) == 0 {
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"user_id":   cred.UserID,
			"data_type": c.dataType,
			"data":      json.RawMessage(body),
			"timestamp": now,
		})
		if err != nil {
			return out, fmt.Errorf("garmin: marshal %s payload: %w", c.dataType, err)
		}
		out = append(out, provider.RawPayload{ThetaUserID: cred.UserID, RawData: payload})
	}
	return out, nil
}

// SaveRawData persists the payload into the provider's raw table.
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
		return provider.RawPayload{}, fmt.Errorf("garmin: save raw data: %w", err)
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
		out = append(out, provider.RawPayload{
			ID:             row.ID,
			ThetaUserID:    row.ThetaUserID,
			ExternalUserID: row.ExternalUserID,
			MsgID:          row.MsgID,
			RawData:        row.RawData,
			CreatedAt:      row.CreatedAt,
			Deleted:        row.Deleted,
		})
	}
	return out, nil
}

// GetRawData returns one stored raw payload by id.
func (p *Provider) GetRawData(ctx context.Context, id int64) (provider.RawPayload, error) {
	row, err := p.deps.Raw.GetByID(ctx, id)
	if err != nil {
		return provider.RawPayload{}, err
	}
	return provider.RawPayload{
		ID:             row.ID,
		ThetaUserID:    row.ThetaUserID,
		ExternalUserID: row.ExternalUserID,
		MsgID:          row.MsgID,
		RawData:        row.RawData,
		CreatedAt:      row.CreatedAt,
		Deleted:        row.Deleted,
	}, nil
}

// DeleteRawData soft-deletes one stored raw payload and returns it for
// cascade delete of its derived rows.
func (p *Provider) DeleteRawData(ctx context.Context, id int64) (provider.RawPayload, error) {
	row, err := p.deps.Raw.SoftDelete(ctx, id)
	if err != nil {
		return provider.RawPayload{}, err
	}
	return provider.RawPayload{
		ID:          row.ID,
		ThetaUserID: row.ThetaUserID,
		MsgID:       row.MsgID,
		RawData:     row.RawData,
		CreatedAt:   row.CreatedAt,
		Deleted:     true,
	}, nil
}

// FormatData turns one stored Garmin payload into a canonical batch using
// the daily/sleep rule tables. Timestamps come from each summary's
// startTimeInSeconds.
func (p *Provider) FormatData(ctx context.Context, raw provider.RawPayload) ([]provider.FormatResult, error) {
	parsed := gjson.ParseBytes(raw.RawData)

	userID := raw.ThetaUserID
	if userID == "" {
		userID = parsed.Get("user_id").String()
	}
	if userID == "" {
		log.Error().Str("msg_id", raw.MsgID).Msg("garmin: payload has no user_id, dropping")
		return nil, nil
	}

	var rules []fieldRule
	switch dataType := parsed.Get("data_type").String(); dataType {
	case "dailies":
		rules = dailyRules
	case "sleeps":
		rules = sleepRules
	default:
		log.Warn().Str("data_type", dataType).Msg("garmin: unknown data type")
		return nil, nil
	}

	var records []provider.CanonicalRecord
	for _, entry := range parsed.Get("data").Array() {
		ts := entry.Get("startTimeInSeconds").Int() * 1000
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		for _, rule := range rules {
			value := entry.Get(rule.Path)
			if !value.Exists() {
				continue
			}
			records = append(records, provider.CanonicalRecord{
				Source:      sourceName,
				IndicatorID: rule.Indicator,
				TimestampMs: ts,
				Value:       rule.Convert(value.Float()),
				Unit:        rule.Unit,
				Timezone:    "UTC",
				SourceID:    raw.MsgID,
			})
		}
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
	return []provider.FormatResult{result}, nil
}
