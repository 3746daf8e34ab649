// Package platform implements the platform abstraction (C5) and the
// process-wide platform manager (C6). Ported from theta/platform/platform.py
// (ThetaPlatform) and manager.py (PlatformManager).
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/thetahealth/mirobody-sub002/internal/ingest"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// UserProvider is one entry of GetUserProviders' result: a provider
// descriptor enriched with this user's link state.
type UserProvider struct {
	Info      provider.Info
	Status    Status
	LLMAccess int
}

// Status mirrors constants.py's ProviderStatus enum.
type Status string

const (
	StatusNotConnected Status = "not_connected"
	StatusConnected    Status = "connected"
	StatusReconnect    Status = "reconnect"
)

// Platform groups providers sharing a namespace or lifecycle, per spec.md
// §4.5.
type Platform interface {
	Name() string
	SupportsRegistration() bool
	Solo() bool
	RegisterProvider(p provider.Provider) error
	GetProviders() []provider.Info
	GetUserProviders(ctx context.Context, userID string) ([]UserProvider, error)
	Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error)
	Unlink(ctx context.Context, userID, slug string) error
	PostData(ctx context.Context, slug string, raw provider.RawPayload, msgID string) (bool, error)
	UpdateLLMAccess(ctx context.Context, userID, slug string, level int) error

	// ResolveProviderSlug inspects a webhook payload that arrived without an
	// explicit provider in the URL and names the provider that should
	// receive it.
	ResolveProviderSlug(raw provider.RawPayload) (string, bool)

	// Provider returns the registered provider for slug; used by the
	// manager's callback routing.
	Provider(slug string) (provider.Provider, bool)
}

// Inspector is the optional management-console surface: list stored raw
// payloads and replay one through FormatData for diagnosis.
type Inspector interface {
	GetWebhooks(ctx context.Context, slug string, filter provider.RawFilter) ([]provider.RawPayload, error)
	CheckFormat(ctx context.Context, slug string, webhookID int64) ([]provider.FormatResult, error)
}

// Theta is the vendor-provider Platform implementation: a registry of
// providers that share the "theta" namespace, matching ThetaPlatform.
type Theta struct {
	name      string
	providers map[string]provider.Provider
	vault     *vault.Vault
	pipeline  *ingest.Pipeline

	// cascade deletes rows derived from a deleted raw payload; nil skips
	// the cascade (tests).
	cascade CascadeDeleter
}

// CascadeDeleter removes the series/summary rows a raw payload produced,
// keyed by its source_table_id.
type CascadeDeleter interface {
	DeleteDerived(ctx context.Context, userID, sourceTable, sourceTableID string) error
}

// NewTheta builds the theta platform over v (credential vault) and pipeline
// (normalization pipeline), both required by PostData and Link/Unlink.
func NewTheta(v *vault.Vault, pipeline *ingest.Pipeline) *Theta {
	return &Theta{
		name:      "theta",
		providers: make(map[string]provider.Provider),
		vault:     v,
		pipeline:  pipeline,
	}
}

// SetCascadeDeleter wires the store-side cascade used by DeleteWebhook.
func (t *Theta) SetCascadeDeleter(d CascadeDeleter) { t.cascade = d }

func (t *Theta) Name() string               { return t.name }
func (t *Theta) SupportsRegistration() bool { return true }
func (t *Theta) Solo() bool                 { return false }

// RegisterProvider adds p to the platform's provider set, keyed by its slug.
func (t *Theta) RegisterProvider(p provider.Provider) error {
	if !t.SupportsRegistration() {
		return fmt.Errorf("platform: %s does not support dynamic provider registration", t.name)
	}
	info := p.Info()
	if info.Slug == "" {
		return fmt.Errorf("platform: provider has empty slug")
	}
	t.providers[info.Slug] = p
	return nil
}

func (t *Theta) GetProviders() []provider.Info {
	out := make([]provider.Info, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p.Info())
	}
	return out
}

// GetUserProviders builds the UserProvider view: every registered provider,
// enriched with StatusReconnect or StatusConnected if the user has an
// active link, else StatusNotConnected, matching
// ThetaPlatform.get_user_providers.
func (t *Theta) GetUserProviders(ctx context.Context, userID string) ([]UserProvider, error) {
	links, err := t.vault.ListUserLinks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("platform: list user links: %w", err)
	}

	out := make([]UserProvider, 0, len(t.providers))
	for slug, p := range t.providers {
		info := p.Info()
		up := UserProvider{Info: info, Status: StatusNotConnected}
		if link, ok := links[slug]; ok {
			up.LLMAccess = link.LLMAccess
			if link.Reconnect {
				up.Status = StatusReconnect
			} else {
				up.Status = StatusConnected
			}
		}
		out = append(out, up)
	}
	return out, nil
}

func (t *Theta) providerFor(slug string) (provider.Provider, error) {
	p, ok := t.providers[slug]
	if !ok {
		return nil, fmt.Errorf("platform: unknown provider slug %q", slug)
	}
	return p, nil
}

func (t *Theta) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	p, err := t.providerFor(req.Options["provider_slug"])
	if err != nil {
		return provider.LinkResult{}, err
	}
	return p.Link(ctx, req)
}

func (t *Theta) Unlink(ctx context.Context, userID, slug string) error {
	p, err := t.providerFor(slug)
	if err != nil {
		return err
	}
	if err := p.Unlink(ctx, userID); err != nil {
		return err
	}
	return t.vault.DeleteLink(ctx, userID, slug)
}

// PostData runs the 4-step ingestion sequence exactly as spec.md §4.5
// describes: inject msg_id, save raw data, format it into per-user
// batches, then hand each batch to the normalization pipeline. Matches
// ThetaPlatform.post_data.
func (t *Theta) PostData(ctx context.Context, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	p, err := t.providerFor(slug)
	if err != nil {
		return false, err
	}

	if msgID == "" {
		msgID = uuid.NewString()
	}
	raw.MsgID = msgID

	saved, err := p.SaveRawData(ctx, raw)
	if err != nil {
		return false, fmt.Errorf("platform: save raw data: %w", err)
	}

	results, err := p.FormatData(ctx, saved)
	if err != nil {
		return false, fmt.Errorf("platform: format data: %w", err)
	}

	allOK := true
	for _, result := range results {
		if err := t.pipeline.ProcessStandardData(ctx, result); err != nil {
			log.Error().Err(err).Str("provider", slug).Str("user_id", result.Meta.UserID).Msg("platform: normalization failed for batch")
			allOK = false
		}
	}
	return allOK, nil
}

func (t *Theta) UpdateLLMAccess(ctx context.Context, userID, slug string, level int) error {
	if _, err := t.providerFor(slug); err != nil {
		return err
	}
	return t.vault.SetLLMAccess(ctx, userID, slug, level)
}

// Provider returns the registered provider for slug.
func (t *Theta) Provider(slug string) (provider.Provider, bool) {
	p, ok := t.providers[slug]
	return p, ok
}

// ResolveProviderSlug routes a slug-less webhook by the payload's own
// provider_slug field, falling back to a registered provider whose slug
// suffix matches the payload's source field.
func (t *Theta) ResolveProviderSlug(raw provider.RawPayload) (string, bool) {
	slug := gjson.GetBytes(raw.RawData, "provider_slug").String()
	if slug != "" {
		_, ok := t.providers[slug]
		return slug, ok
	}
	if source := gjson.GetBytes(raw.RawData, "source").String(); source != "" {
		for registered := range t.providers {
			if strings.HasSuffix(registered, "_"+source) || registered == source {
				return registered, true
			}
		}
	}
	return "", false
}

// GetWebhooks lists slug's stored raw payloads, for providers that keep a
// raw audit table.
func (t *Theta) GetWebhooks(ctx context.Context, slug string, filter provider.RawFilter) ([]provider.RawPayload, error) {
	p, err := t.providerFor(slug)
	if err != nil {
		return nil, err
	}
	inspector, ok := p.(provider.RawInspector)
	if !ok {
		return nil, fmt.Errorf("platform: provider %q keeps no raw payloads", slug)
	}
	return inspector.ListRawData(ctx, filter)
}

// RawDeleter is the optional provider capability of soft-deleting a stored
// raw payload, returning the deleted row.
type RawDeleter interface {
	DeleteRawData(ctx context.Context, id int64) (provider.RawPayload, error)
}

// DeleteWebhook soft-deletes one stored raw payload and kicks off a
// best-effort background delete of every series/summary row it produced,
// matched by source_table_id in both the current and legacy formats.
func (t *Theta) DeleteWebhook(ctx context.Context, slug string, webhookID int64) error {
	p, err := t.providerFor(slug)
	if err != nil {
		return err
	}
	deleter, ok := p.(RawDeleter)
	if !ok {
		return fmt.Errorf("platform: provider %q keeps no raw payloads", slug)
	}

	raw, err := deleter.DeleteRawData(ctx, webhookID)
	if err != nil {
		return err
	}

	if t.cascade != nil && raw.MsgID != "" {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := t.cascade.DeleteDerived(bgCtx, raw.ThetaUserID, slug, raw.MsgID); err != nil {
				log.Error().Err(err).Str("provider", slug).Str("msg_id", raw.MsgID).Msg("platform: cascade delete failed")
			}
		}()
	}
	return nil
}

// CheckFormat replays one stored raw payload through FormatData so an
// operator can see what a webhook would normalize into.
func (t *Theta) CheckFormat(ctx context.Context, slug string, webhookID int64) ([]provider.FormatResult, error) {
	p, err := t.providerFor(slug)
	if err != nil {
		return nil, err
	}
	inspector, ok := p.(provider.RawInspector)
	if !ok {
		return nil, fmt.Errorf("platform: provider %q keeps no raw payloads", slug)
	}
	raw, err := inspector.GetRawData(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	return p.FormatData(ctx, raw)
}
