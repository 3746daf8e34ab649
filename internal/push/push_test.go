package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/platform"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
)

// fakePlatform records PostData calls.
type fakePlatform struct {
	name    string
	posted  []string
	postOK  bool
	lastMsg string
}

func (f *fakePlatform) Name() string               { return f.name }
func (f *fakePlatform) SupportsRegistration() bool { return false }
func (f *fakePlatform) Solo() bool                 { return false }
func (f *fakePlatform) RegisterProvider(p provider.Provider) error {
	return nil
}
func (f *fakePlatform) GetProviders() []provider.Info { return nil }
func (f *fakePlatform) GetUserProviders(ctx context.Context, userID string) ([]platform.UserProvider, error) {
	return nil, nil
}
func (f *fakePlatform) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	return provider.LinkResult{}, nil
}
func (f *fakePlatform) Unlink(ctx context.Context, userID, slug string) error { return nil }
func (f *fakePlatform) PostData(ctx context.Context, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	f.posted = append(f.posted, slug)
	f.lastMsg = msgID
	return f.postOK, nil
}
func (f *fakePlatform) UpdateLLMAccess(ctx context.Context, userID, slug string, level int) error {
	return nil
}
func (f *fakePlatform) ResolveProviderSlug(raw provider.RawPayload) (string, bool) { return "", false }
func (f *fakePlatform) Provider(slug string) (provider.Provider, bool)             { return nil, false }

func TestPushDataFunctionCallMode(t *testing.T) {
	fp := &fakePlatform{name: "theta", postOK: true}
	m := platform.NewManager(nil)
	m.RegisterPlatform(fp)

	svc := New(m, "http://localhost:18060")
	ok := svc.PushData(context.Background(), "theta", "theta_whoop", provider.RawPayload{RawData: []byte(`{}`)}, "msg-1")
	require.True(t, ok)
	assert.Equal(t, []string{"theta_whoop"}, fp.posted)
	assert.Equal(t, "msg-1", fp.lastMsg)
}

func TestPushDataGeneratesMsgIDWhenAbsent(t *testing.T) {
	fp := &fakePlatform{name: "theta", postOK: true}
	m := platform.NewManager(nil)
	m.RegisterPlatform(fp)

	svc := New(m, "")
	require.True(t, svc.PushData(context.Background(), "theta", "theta_whoop", provider.RawPayload{RawData: []byte(`{}`)}, ""))
	assert.NotEmpty(t, fp.lastMsg)
}

func TestPushDataUnknownPlatformFails(t *testing.T) {
	svc := New(platform.NewManager(nil), "")
	ok := svc.PushData(context.Background(), "nope", "slug", provider.RawPayload{RawData: []byte(`{}`)}, "m")
	assert.False(t, ok)
}

func TestPushDataHTTPMode(t *testing.T) {
	var gotPath, gotMsgID string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMsgID = r.Header.Get("X-Message-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := New(platform.NewManager(nil), server.URL)
	svc.UseHTTPPush()

	raw := provider.RawPayload{RawData: []byte(`{"data_type":"cycles"}`)}
	ok := svc.PushData(context.Background(), "theta", "theta_whoop", raw, "msg-9")
	require.True(t, ok)
	assert.Equal(t, "/api/v1/pulse/theta/theta_whoop/webhook", gotPath)
	assert.Equal(t, "msg-9", gotMsgID)
	assert.Equal(t, "cycles", gotBody["data_type"])
}

func TestPushDataHTTPModeNon200Fails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := New(platform.NewManager(nil), server.URL)
	svc.UseHTTPPush()
	assert.False(t, svc.PushData(context.Background(), "theta", "theta_whoop", provider.RawPayload{RawData: []byte(`{}`)}, "m"))

	// Switching back to function-call mode restores in-process dispatch.
	svc.UseFunctionCallPush()
	assert.False(t, svc.PushData(context.Background(), "theta", "theta_whoop", provider.RawPayload{RawData: []byte(`{}`)}, "m"))
}
