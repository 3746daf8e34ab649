package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

type fakeProvider struct{ slug string }

func (f *fakeProvider) Info() Info { return Info{Slug: f.slug, Supported: true, AuthKind: vault.AuthPassword} }
func (f *fakeProvider) Link(ctx context.Context, req LinkRequest) (LinkResult, error) {
	return LinkResult{}, nil
}
func (f *fakeProvider) Callback(ctx context.Context, params CallbackParams) (CallbackResult, error) {
	return CallbackResult{}, nil
}
func (f *fakeProvider) Unlink(ctx context.Context, userID string) error { return nil }
func (f *fakeProvider) FormatData(ctx context.Context, raw RawPayload) ([]FormatResult, error) {
	return nil, nil
}
func (f *fakeProvider) SaveRawData(ctx context.Context, raw RawPayload) (RawPayload, error) {
	return raw, nil
}
func (f *fakeProvider) IsAlreadyProcessed(ctx context.Context, raw RawPayload) (bool, error) {
	return false, nil
}
func (f *fakeProvider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *TimeWindow) ([]RawPayload, error) {
	return nil, nil
}
func (f *fakeProvider) RegisterPullTask() bool { return true }

type fakeConfig map[string]string

func (c fakeConfig) String(key, fallback string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return fallback
}
func (c fakeConfig) Bool(key string) bool { return c[key] == "true" }

func TestRegistryCreateProvider(t *testing.T) {
	r := NewRegistry()
	r.Register("acme", func(cfg Config) (Provider, bool) {
		if cfg.String("ACME_KEY", "") == "" {
			return nil, false
		}
		return &fakeProvider{slug: "acme"}, true
	})

	_, ok := r.CreateProvider("acme", fakeConfig{})
	assert.False(t, ok, "factory must decline when required config is missing")

	p, ok := r.CreateProvider("acme", fakeConfig{"ACME_KEY": "secret"})
	require.True(t, ok)
	assert.Equal(t, "acme", p.Info().Slug)
}

func TestRegistryUnknownSlug(t *testing.T) {
	r := NewRegistry()
	_, ok := r.CreateProvider("missing", fakeConfig{})
	assert.False(t, ok)
}

func TestRegistrySlugs(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(cfg Config) (Provider, bool) { return &fakeProvider{slug: "a"}, true })
	r.Register("b", func(cfg Config) (Provider, bool) { return &fakeProvider{slug: "b"}, true })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Slugs())
}
