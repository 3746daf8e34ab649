package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
)

// statsCacheTTL matches populate_provider_stats' 5-minute TTL.
const statsCacheTTL = 5 * time.Minute

// ProviderStats is one entry of PopulateProviderStats' result: per-source
// record count and last-sync time.
type ProviderStats struct {
	RecordCount  int64
	LastSyncedAt time.Time
}

// StatsSource is implemented by whatever can answer an aggregate stats
// query; kept as an interface so Manager doesn't depend on internal/store
// directly and tests can supply a fake.
type StatsSource interface {
	ProviderStats(ctx context.Context, userID string, slugs []string) (map[string]ProviderStats, error)
}

type statsCacheEntry struct {
	stats     map[string]ProviderStats
	expiresAt time.Time
}

// Manager is the process-wide platform registry (C6). It is a pure
// dispatcher: the only state it carries beyond the registered platforms is
// a short-lived stats cache, per spec.md §4.6's invariant. Construct
// exactly once in the composition root and pass by reference — no
// package-level global, per DESIGN NOTES §9.
type Manager struct {
	platforms map[string]Platform
	stats     StatsSource

	cacheMu sync.Mutex
	cache   map[string]statsCacheEntry
}

// NewManager builds a Manager. stats may be nil if PopulateProviderStats is
// never called.
func NewManager(stats StatsSource) *Manager {
	return &Manager{
		platforms: make(map[string]Platform),
		stats:     stats,
		cache:     make(map[string]statsCacheEntry),
	}
}

func (m *Manager) RegisterPlatform(p Platform) {
	m.platforms[p.Name()] = p
}

func (m *Manager) GetPlatform(name string) (Platform, bool) {
	p, ok := m.platforms[name]
	return p, ok
}

// GetAllProviders unions every platform's provider list.
func (m *Manager) GetAllProviders() []provider.Info {
	var out []provider.Info
	for _, p := range m.platforms {
		out = append(out, p.GetProviders()...)
	}
	return out
}

// GetUserProviders unions per-platform user-link lists.
func (m *Manager) GetUserProviders(ctx context.Context, userID string) ([]UserProvider, error) {
	var out []UserProvider
	for name, p := range m.platforms {
		ups, err := p.GetUserProviders(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("platform manager: get user providers for %s: %w", name, err)
		}
		out = append(out, ups...)
	}
	return out, nil
}

// authKindCompatible validates that credentials is structurally complete
// for authKind before ever reaching a platform's Link, matching
// link_provider's auth_type_map dispatch in manager.py. Full field-level
// validation happens again in vault.Bundle.Validate; this is the
// request-shape gate the manager owns.
func authKindCompatible(req provider.LinkRequest) error {
	switch req.AuthKind {
	case "password":
		if req.Credentials.Username == "" || req.Credentials.Password == "" {
			return fmt.Errorf("platform manager: password auth requires username and password")
		}
	case "oauth2", "oauth1":
		// link() for these kinds only needs to know the caller wants to
		// start the authorization-code flow; no credential fields are
		// required up front.
	case "customized":
		if len(req.Credentials.ConnectInfo) == 0 {
			return fmt.Errorf("platform manager: customized auth requires connect_info")
		}
	default:
		return fmt.Errorf("platform manager: unsupported auth kind %q", req.AuthKind)
	}
	return nil
}

// LinkProvider validates auth-kind compatibility, then dispatches to the
// named platform, matching PlatformManager.link_provider.
func (m *Manager) LinkProvider(ctx context.Context, platformName, slug string, req provider.LinkRequest) (provider.LinkResult, error) {
	if err := authKindCompatible(req); err != nil {
		return provider.LinkResult{}, err
	}

	p, ok := m.GetPlatform(platformName)
	if !ok {
		return provider.LinkResult{}, fmt.Errorf("platform manager: unknown platform %q", platformName)
	}

	if req.Options == nil {
		req.Options = map[string]string{}
	}
	req.Options["provider_slug"] = slug

	return p.Link(ctx, req)
}

func (m *Manager) UnlinkProvider(ctx context.Context, platformName, userID, slug string) error {
	p, ok := m.GetPlatform(platformName)
	if !ok {
		return fmt.Errorf("platform manager: unknown platform %q", platformName)
	}
	return p.Unlink(ctx, userID, slug)
}

func (m *Manager) PostData(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	p, ok := m.GetPlatform(platformName)
	if !ok {
		return false, fmt.Errorf("platform manager: unknown platform %q", platformName)
	}
	return p.PostData(ctx, slug, raw, msgID)
}

// PostDataAuto ingests a webhook that arrived without an explicit provider
// in the URL: the platform's payload extractor names the target provider.
func (m *Manager) PostDataAuto(ctx context.Context, platformName string, raw provider.RawPayload, msgID string) (bool, error) {
	p, ok := m.GetPlatform(platformName)
	if !ok {
		return false, fmt.Errorf("platform manager: unknown platform %q", platformName)
	}
	slug, ok := p.ResolveProviderSlug(raw)
	if !ok {
		return false, fmt.Errorf("platform manager: cannot resolve provider for %s webhook payload", platformName)
	}
	return p.PostData(ctx, slug, raw, msgID)
}

// HandleCallback routes an OAuth redirect to the named provider.
func (m *Manager) HandleCallback(ctx context.Context, platformName, slug string, params provider.CallbackParams) (provider.CallbackResult, error) {
	p, ok := m.GetPlatform(platformName)
	if !ok {
		return provider.CallbackResult{}, fmt.Errorf("platform manager: unknown platform %q", platformName)
	}
	prov, ok := p.Provider(slug)
	if !ok {
		return provider.CallbackResult{}, fmt.Errorf("platform manager: unknown provider %q on platform %q", slug, platformName)
	}
	return prov.Callback(ctx, params)
}

func (m *Manager) UpdateLLMAccess(ctx context.Context, platformName, userID, slug string, level int) error {
	p, ok := m.GetPlatform(platformName)
	if !ok {
		return fmt.Errorf("platform manager: unknown platform %q", platformName)
	}
	return p.UpdateLLMAccess(ctx, userID, slug, level)
}

// PopulateProviderStats returns RecordCount/LastSyncedAt keyed by provider
// slug (the providers slice itself is not modified) via one aggregate query
// per call, cached per-user for statsCacheTTL,
// matching populate_provider_stats / get_user_provider_stats_cached.
func (m *Manager) PopulateProviderStats(ctx context.Context, userID string, providers []UserProvider) (map[string]ProviderStats, error) {
	if m.stats == nil {
		return map[string]ProviderStats{}, nil
	}

	m.cacheMu.Lock()
	if entry, ok := m.cache[userID]; ok && time.Now().Before(entry.expiresAt) {
		m.cacheMu.Unlock()
		return entry.stats, nil
	}
	m.cacheMu.Unlock()

	slugs := make([]string, 0, len(providers))
	for _, up := range providers {
		slugs = append(slugs, up.Info.Slug)
	}

	stats, err := m.stats.ProviderStats(ctx, userID, slugs)
	if err != nil {
		return nil, fmt.Errorf("platform manager: populate provider stats: %w", err)
	}

	m.cacheMu.Lock()
	m.cache[userID] = statsCacheEntry{stats: stats, expiresAt: time.Now().Add(statsCacheTTL)}
	m.cacheMu.Unlock()

	return stats, nil
}
