// Package provider defines the vendor adapter contract (C4) and its
// compile-time registry. Ported from BaseThetaProvider (platform/base.py)
// and ThetaPlatform._load_providers_from_directory (platform/platform.py),
// replacing the Python's directory-scan + importlib dynamic loading with an
// explicit Go registry populated once at composition time, preferring
// compile-time registration over discovery-by-directory.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Config is the minimal read surface a provider factory needs from
// deployment configuration, mirroring the Python's safe_read_cfg helper.
type Config interface {
	String(key, fallback string) string
	Bool(key string) bool
}

// ConnectInfoField describes one field of a "customized" auth kind's
// connect_info schema.
type ConnectInfoField struct {
	Name        string
	Type        string // "string", "number", "password"
	Required    bool
	Label       string
	Placeholder string
	Default     string
}

// Info is a provider's static descriptor.
type Info struct {
	Slug              string
	DisplayName       string
	Logo              string
	Supported         bool
	AuthKind          vault.AuthKind
	ConnectInfoSchema []ConnectInfoField // populated only when AuthKind == vault.AuthCustomized
}

// LinkRequest carries a caller's request to link a provider.
type LinkRequest struct {
	UserID      string
	AuthKind    vault.AuthKind
	Credentials vault.Bundle
	Options     map[string]string // e.g. "return_url" for the OAuth2 flow
}

// LinkResult is the outcome of Link: either credentials were written
// directly (password/customized), or RedirectURL carries the vendor
// authorization URL the caller must send the user to (oauth1/oauth2).
type LinkResult struct {
	RedirectURL string
}

// CallbackParams carries whichever OAuth redirect parameters the vendor
// sent back.
type CallbackParams struct {
	Code          string // oauth2
	State         string // oauth2
	OAuthToken    string // oauth1
	OAuthVerifier string // oauth1
}

// CallbackResult is the outcome of a successful OAuth callback.
type CallbackResult struct {
	ReturnURL string
}

// TimeWindow bounds a vendor pull.
type TimeWindow struct {
	Since time.Time
	Until time.Time
}

// CanonicalRecord is the in-flight, provider-normalized reading described in
// spec.md §3. It is never persisted directly; the normalization pipeline
// turns it into a SeriesRow and/or SummaryRow.
type CanonicalRecord struct {
	Source      string
	IndicatorID string
	TimestampMs int64
	Value       interface{} // numeric (float64) or string label
	Unit        string
	Timezone    string
	StartMs     *int64
	EndMs       *int64
	SourceID    string
	TaskID      string
	Comment     string
}

// RecordMeta is the envelope FormatData returns alongside its records.
type RecordMeta struct {
	UserID    string
	Source    string
	Timezone  string
	RequestID string
	TaskID    string
}

// FormatResult is format_data's output: one batch of canonical records for
// one user, plus the envelope metadata the normalization pipeline needs.
type FormatResult struct {
	Meta    RecordMeta
	Records []CanonicalRecord
}

// RawPayload is the per-provider audit row described in spec.md §3.
type RawPayload struct {
	ID             int64
	ThetaUserID    string
	ExternalUserID string
	MsgID          string
	RawData        json.RawMessage
	CreatedAt      time.Time
	Deleted        bool
}

// Provider is the capability set every vendor adapter implements, per
// spec.md §4.4's operation table.
type Provider interface {
	Info() Info
	Link(ctx context.Context, req LinkRequest) (LinkResult, error)
	Callback(ctx context.Context, params CallbackParams) (CallbackResult, error)
	Unlink(ctx context.Context, userID string) error
	FormatData(ctx context.Context, raw RawPayload) ([]FormatResult, error)
	SaveRawData(ctx context.Context, raw RawPayload) (RawPayload, error)
	IsAlreadyProcessed(ctx context.Context, raw RawPayload) (bool, error)
	PullFromVendor(ctx context.Context, cred vault.UserCredential, window *TimeWindow) ([]RawPayload, error)
	RegisterPullTask() bool
}

// RawFilter narrows a ListRawData call.
type RawFilter struct {
	UserID   string
	Page     int
	PageSize int
}

// RawInspector is the optional capability of providers that keep a raw
// audit table: management-console diagnostics list stored webhooks and
// replay one through FormatData. Platforms type-assert for it.
type RawInspector interface {
	ListRawData(ctx context.Context, filter RawFilter) ([]RawPayload, error)
	GetRawData(ctx context.Context, id int64) (RawPayload, error)
}

// Factory builds a Provider from config, returning ok=false when required
// configuration (API keys, feature flags) is absent — the Go analogue of
// create_provider returning None.
type Factory func(cfg Config) (Provider, bool)

// Registry is a compile-time slug -> Factory table.
type Registry struct {
	factories map[string]Factory
}

// global is the process-wide registry the composition root populates before
// serving; it is read-only afterwards.
var global = NewRegistry()

// NewRegistry builds an empty registry, used by tests that want isolation
// from the global one.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under slug to the global registry. Vendor packages
// call this from init().
func Register(slug string, factory Factory) {
	global.Register(slug, factory)
}

// Register adds factory under slug to r.
func (r *Registry) Register(slug string, factory Factory) {
	r.factories[slug] = factory
}

// CreateProvider instantiates the provider registered under slug, or
// ok=false if the slug is unregistered or the factory declines (missing
// config).
func CreateProvider(slug string, cfg Config) (Provider, bool) {
	return global.CreateProvider(slug, cfg)
}

// CreateProvider instantiates the provider registered under slug in r.
func (r *Registry) CreateProvider(slug string, cfg Config) (Provider, bool) {
	factory, ok := r.factories[slug]
	if !ok {
		return nil, false
	}
	return factory(cfg)
}

// Slugs returns every registered slug, for diagnostics/listing.
func Slugs() []string {
	return global.Slugs()
}

// Slugs returns every slug registered in r.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.factories))
	for slug := range r.factories {
		out = append(out, slug)
	}
	return out
}
