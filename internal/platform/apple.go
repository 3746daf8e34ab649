package platform

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/ingest"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
)

// Apple is the solo platform for Apple Health export ingestion: one built-in
// provider, no dynamic registration, no per-user link state. Ported from
// AppleHealthPlatform in apple/platform.py.
type Apple struct {
	provider provider.Provider
	pipeline *ingest.Pipeline
}

// NewApple builds the apple platform around its single export provider.
func NewApple(p provider.Provider, pipeline *ingest.Pipeline) *Apple {
	return &Apple{provider: p, pipeline: pipeline}
}

func (a *Apple) Name() string               { return "apple" }
func (a *Apple) SupportsRegistration() bool { return false }
func (a *Apple) Solo() bool                 { return true }

func (a *Apple) RegisterProvider(p provider.Provider) error {
	return fmt.Errorf("platform: apple does not support dynamic provider registration")
}

func (a *Apple) GetProviders() []provider.Info {
	return []provider.Info{a.provider.Info()}
}

// GetUserProviders is empty: the export provider has no link state, so it
// is not part of any user's connected-provider list.
func (a *Apple) GetUserProviders(ctx context.Context, userID string) ([]UserProvider, error) {
	return nil, nil
}

func (a *Apple) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	return a.provider.Link(ctx, req)
}

func (a *Apple) Unlink(ctx context.Context, userID, slug string) error {
	return a.provider.Unlink(ctx, userID)
}

// PostData formats the export payload and hands each produced batch to the
// normalization pipeline. Unlike theta providers, the export is not copied
// into a raw audit table first.
func (a *Apple) PostData(ctx context.Context, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	if slug != a.provider.Info().Slug {
		return false, fmt.Errorf("platform: unknown provider slug %q", slug)
	}

	if msgID == "" {
		msgID = uuid.NewString()
	}
	raw.MsgID = msgID

	results, err := a.provider.FormatData(ctx, raw)
	if err != nil {
		return false, fmt.Errorf("platform: format data: %w", err)
	}

	allOK := true
	for _, result := range results {
		if err := a.pipeline.ProcessStandardData(ctx, result); err != nil {
			log.Error().Err(err).Str("user_id", result.Meta.UserID).Msg("platform: apple normalization failed for batch")
			allOK = false
		}
	}
	return allOK, nil
}

func (a *Apple) UpdateLLMAccess(ctx context.Context, userID, slug string, level int) error {
	// No link row exists; the export provider is always accessible.
	return nil
}

func (a *Apple) Provider(slug string) (provider.Provider, bool) {
	if slug == a.provider.Info().Slug {
		return a.provider, true
	}
	return nil, false
}

// ResolveProviderSlug always names the single built-in provider: the
// platform is solo.
func (a *Apple) ResolveProviderSlug(raw provider.RawPayload) (string, bool) {
	return a.provider.Info().Slug, true
}
