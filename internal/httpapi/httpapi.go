// Package httpapi is the thin transport boundary in front of the platform
// manager: the webhook and OAuth-callback routes from the external
// interface, translated to and from the {code, msg, data} envelope. Every
// handler is a short dispatch into the manager; no ingestion logic lives
// here.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/platform"
	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// maxWebhookBody bounds an inbound payload; Apple Health exports are the
// largest legitimate bodies.
const maxWebhookBody = 64 << 20

// envelope is the uniform response shape: code=0 on success, non-zero on
// failure with a human-readable msg.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Server exposes the pulse HTTP surface.
type Server struct {
	manager *platform.Manager
	mux     *http.ServeMux
}

// New builds the Server and its routes.
func New(manager *platform.Manager) *Server {
	s := &Server{manager: manager, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/v1/pulse/{platform}/webhook", s.handleWebhook)
	s.mux.HandleFunc("POST /api/v1/pulse/{platform}/{provider}/webhook", s.handleProviderWebhook)
	s.mux.HandleFunc("GET /api/v1/pulse/{platform}/{provider}/callback", s.handleCallback)
	s.mux.HandleFunc("POST /api/v1/pulse/{platform}/{provider}/link", s.handleLink)
	s.mux.HandleFunc("POST /api/v1/pulse/{platform}/{provider}/unlink", s.handleUnlink)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Error().Err(err).Msg("httpapi: encode response")
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Code: code, Msg: msg})
}

// msgIDFromHeaders extracts the transport's idempotency id: Svix-Id when the
// vendor delivers through Svix, X-Message-ID otherwise.
func msgIDFromHeaders(r *http.Request) string {
	if id := r.Header.Get("Svix-Id"); id != "" {
		return id
	}
	return r.Header.Get("X-Message-ID")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return nil, false
	}
	return body, true
}

// handleWebhook ingests a slug-less webhook: the platform's extractor names
// the provider from the payload itself.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	raw := provider.RawPayload{RawData: body, ThetaUserID: r.Header.Get("X-User-ID")}
	success, err := s.manager.PostDataAuto(r.Context(), platformName, raw, msgIDFromHeaders(r))
	s.writeIngestResult(w, platformName, success, err)
}

// handleProviderWebhook ingests a webhook whose provider is explicit in the
// URL.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	slug := r.PathValue("provider")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	raw := provider.RawPayload{RawData: body, ThetaUserID: r.Header.Get("X-User-ID")}
	success, err := s.manager.PostData(r.Context(), platformName, slug, raw, msgIDFromHeaders(r))
	s.writeIngestResult(w, platformName, success, err)
}

func (s *Server) writeIngestResult(w http.ResponseWriter, platformName string, success bool, err error) {
	switch {
	case err != nil && isNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		log.Error().Err(err).Str("platform", platformName).Msg("httpapi: webhook ingestion failed")
		writeError(w, http.StatusInternalServerError, "ingestion failed")
	case !success:
		// Per-batch failures are retryable by the caller.
		writeError(w, http.StatusInternalServerError, "one or more batches failed")
	default:
		writeOK(w, nil)
	}
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown platform") ||
		strings.Contains(msg, "unknown provider") ||
		strings.Contains(msg, "cannot resolve provider")
}

// completionPage closes the OAuth popup and notifies the opener when the
// caller supplied no return URL.
const completionPage = `<!DOCTYPE html>
<html><body>
<p>Connection complete. You can close this window.</p>
<script>
if (window.opener) { window.opener.postMessage("pulse-link-complete", "*"); }
window.close();
</script>
</body></html>`

// handleCallback completes an OAuth flow: code+state for OAuth2,
// oauth_token+oauth_verifier for OAuth1. On success it 302-redirects to the
// caller's return URL when one was embedded in the state, else renders the
// completion page.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	slug := r.PathValue("provider")
	q := r.URL.Query()

	params := provider.CallbackParams{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		OAuthToken:    q.Get("oauth_token"),
		OAuthVerifier: q.Get("oauth_verifier"),
	}
	if params.Code == "" && params.OAuthToken == "" {
		writeError(w, http.StatusBadRequest, "callback missing code or oauth_token")
		return
	}

	result, err := s.manager.HandleCallback(r.Context(), platformName, slug, params)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("platform", platformName).Str("provider", slug).Msg("httpapi: oauth callback failed")
		writeError(w, http.StatusUnauthorized, "authorization failed")
		return
	}

	if result.ReturnURL != "" {
		http.Redirect(w, r, result.ReturnURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, completionPage)
}

// linkRequest is the POST body for the link route.
type linkRequest struct {
	UserID      string            `json:"user_id"`
	AuthKind    string            `json:"auth_kind"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	ConnectInfo json.RawMessage   `json:"connect_info,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	slug := r.PathValue("provider")

	var req linkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid link request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := s.manager.LinkProvider(r.Context(), platformName, slug, provider.LinkRequest{
		UserID:   req.UserID,
		AuthKind: vault.AuthKind(req.AuthKind),
		Credentials: vault.Bundle{
			Username:    req.Username,
			Password:    req.Password,
			ConnectInfo: req.ConnectInfo,
		},
		Options: req.Options,
	})
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, vault.ErrInvalidBundle) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("platform", platformName).Str("provider", slug).Msg("httpapi: link failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data := map[string]string{}
	if result.RedirectURL != "" {
		data["link_web_url"] = result.RedirectURL
	}
	writeOK(w, data)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	slug := r.PathValue("provider")

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.manager.UnlinkProvider(r.Context(), platformName, req.UserID, slug); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("platform", platformName).Str("provider", slug).Msg("httpapi: unlink failed")
		writeError(w, http.StatusInternalServerError, "unlink failed")
		return
	}
	writeOK(w, nil)
}
