package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/probe"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/validate"
	"github.com/proxypal/proxypal/internal/version"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
)

// VersionResponse is returned by GET /version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ConfigResponse is returned by PUT /config.
type ConfigResponse struct {
	Config    store.Document  `json:"config"`
	Restarted []status.Kind   `json:"restarted"`
	Stopped   []status.Kind   `json:"stopped"`
	Snapshot  status.Snapshot `json:"snapshot"`
}

// CompleteOAuthRequest is the body of POST /oauth/{provider}/complete.
type CompleteOAuthRequest struct {
	State string `json:"state"`
}

// CancelOAuthResponse is returned by DELETE /oauth/{provider}.
type CancelOAuthResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: version.String()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetConfig())
}

// handlePutConfig accepts a full or partial document. Keys absent from the
// body keep their current values.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	current := s.svc.GetConfig()
	next := current.Clone()

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	for key, value := range current.Extra {
		if next.Extra == nil {
			next.Extra = make(map[string]json.RawMessage)
		}
		if _, ok := next.Extra[key]; !ok {
			next.Extra[key] = value
		}
	}
	if err := validate.Port("port", next.Port); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Port("copilot.port", next.Copilot.Port); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.ProxyURL(next.ProxyURL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid proxyUrl: %v", err))
		return
	}
	if next.Copilot.Enabled && next.Copilot.Port == next.Port {
		writeError(w, http.StatusBadRequest, "copilot.port must differ from port")
		return
	}

	result, err := s.svc.SaveConfig(r.Context(), next)
	if err != nil {
		writeServiceError(w, err, result.Snapshot)
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Config:    s.svc.GetConfig(),
		Restarted: nonNil(result.Restarted),
		Stopped:   nonNil(result.Stopped),
		Snapshot:  result.Snapshot,
	})
}

func nonNil(kinds []status.Kind) []status.Kind {
	if kinds == nil {
		return []status.Kind{}
	}
	return kinds
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetStatus())
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RefreshStatus(r.Context()))
}

func (s *Server) kindParam(w http.ResponseWriter, r *http.Request) (status.Kind, bool) {
	kind, err := status.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.Start(r.Context(), kind)
	if err != nil {
		writeServiceError(w, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.Stop(r.Context(), kind)
	if err != nil {
		writeServiceError(w, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleProcessRestart(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.Restart(r.Context(), kind)
	if err != nil {
		writeServiceError(w, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	var target probe.Target
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if strings.TrimSpace(target.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "baseUrl is required")
		return
	}
	if err := validate.HTTPURL(target.BaseURL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid baseUrl: %v", err))
		return
	}
	if err := validate.ProxyURL(target.ProxyURL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid proxyUrl: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.TestProviderConnection(r.Context(), target))
}

func (s *Server) handleSystemProxy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.DetectSystemProxy(r.Context()))
}

func (s *Server) handleListOAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.PendingOAuth())
}

func (s *Server) handlePendingOAuth(w http.ResponseWriter, r *http.Request) {
	flow, err := s.svc.PendingOAuthFlow(chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, err, s.svc.GetStatus())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleBeginOAuth(w http.ResponseWriter, r *http.Request) {
	flow, err := s.svc.BeginOAuth(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, err, s.svc.GetStatus())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleCompleteOAuth(w http.ResponseWriter, r *http.Request) {
	var req CompleteOAuthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	snap, err := s.svc.CompleteOAuth(r.Context(), chi.URLParam(r, "provider"), strings.TrimSpace(req.State))
	if err != nil {
		writeServiceError(w, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelOAuth(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.svc.CancelOAuth(chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, err, s.svc.GetStatus())
		return
	}
	writeJSON(w, http.StatusOK, CancelOAuthResponse{Cancelled: cancelled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, provided, err := parseQueryIntParam(query, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
		return
	}
	if !provided || limit == 0 {
		limit = defaultEventsLimit
	}
	limit = min(limit, maxEventsLimit)

	var kind status.Kind
	if raw := query.Get("kind"); raw != "" {
		parsed, err := status.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		kind = parsed
	}

	events, err := s.svc.Events(r.Context(), kind, limit)
	if err != nil {
		writeServiceError(w, err, s.svc.GetStatus())
		return
	}
	if events == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// parseQueryIntParam extracts a non-negative integer query parameter.
// Returns (value, provided, error).
func parseQueryIntParam(query url.Values, name string) (int, bool, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	if value < 0 {
		return 0, true, fmt.Errorf("value must be non-negative")
	}
	return value, true, nil
}

