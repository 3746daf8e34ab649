// Package push is the indirection between the pull engine and the platforms
// (C8): pulled payloads re-enter the normalization pipeline through the same
// post-data path webhooks use. Ported from PushService in
// core/push_service.py.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/platform"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
)

// Mode selects how PushData reaches the platform.
type Mode int32

const (
	// ModeFunctionCall resolves the platform in-process and calls PostData
	// directly, skipping HTTP overhead. Default.
	ModeFunctionCall Mode = iota
	// ModeHTTP posts to the local webhook endpoint instead, exercising the
	// full transport path.
	ModeHTTP
)

// Service pushes raw payloads into a platform's ingestion path. The mode is
// runtime-switchable; both modes are idempotent at the raw layer because
// PostData dedupes on msg_id.
type Service struct {
	manager *platform.Manager
	mode    atomic.Int32

	// baseURL is the webhook endpoint prefix used in HTTP mode. The
	// original hard-coded localhost; here it comes from configuration.
	baseURL string
	client  *http.Client
}

// New builds a Service over manager. baseURL is used only in HTTP mode.
func New(manager *platform.Manager, baseURL string) *Service {
	return &Service{
		manager: manager,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// UseHTTPPush switches to HTTP mode.
func (s *Service) UseHTTPPush() {
	s.mode.Store(int32(ModeHTTP))
	log.Info().Msg("push: switched to HTTP push mode")
}

// UseFunctionCallPush switches to in-process mode.
func (s *Service) UseFunctionCallPush() {
	s.mode.Store(int32(ModeFunctionCall))
	log.Info().Msg("push: switched to function call push mode")
}

// PushData injects one raw payload into platformName/slug's ingestion path.
// A missing msgID is replaced with a fresh UUID. Returns whether the
// downstream processing succeeded.
func (s *Service) PushData(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) bool {
	if msgID == "" {
		msgID = uuid.NewString()
	}

	var ok bool
	var err error
	if Mode(s.mode.Load()) == ModeHTTP {
		ok, err = s.pushViaHTTP(ctx, platformName, slug, raw, msgID)
	} else {
		ok, err = s.pushViaFunctionCall(ctx, platformName, slug, raw, msgID)
	}
	if err != nil {
		log.Error().Err(err).Str("platform", platformName).Str("provider", slug).Str("msg_id", msgID).Msg("push: push data failed")
		return false
	}
	return ok
}

func (s *Service) pushViaFunctionCall(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	p, found := s.manager.GetPlatform(platformName)
	if !found {
		return false, fmt.Errorf("push: platform %q not registered", platformName)
	}
	ok, err := p.PostData(ctx, slug, raw, msgID)
	if err != nil {
		return false, err
	}
	log.Info().Str("platform", platformName).Str("provider", slug).Str("msg_id", msgID).Bool("ok", ok).Msg("push: function call push completed")
	return ok, nil
}

func (s *Service) pushViaHTTP(ctx context.Context, platformName, slug string, raw provider.RawPayload, msgID string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/pulse/%s/%s/webhook", s.baseURL, platformName, slug)

	body, err := json.Marshal(raw.RawData)
	if err != nil {
		return false, fmt.Errorf("push: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-ID", msgID)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("push: http push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("push: http push status %d: %s", resp.StatusCode, text)
	}
	log.Info().Str("platform", platformName).Str("provider", slug).Str("msg_id", msgID).Msg("push: http push completed")
	return true, nil
}
