package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/proxypal/proxypal/internal/commands"
	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/oauth"
	"github.com/proxypal/proxypal/internal/reconcile"
	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
)

// ErrorResponse is the standard JSON error envelope returned by all HTTP error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PartialFailureResponse is returned when a configuration was saved but a
// process could not be restarted with it. Retry names the process action
// that brings each failed kind in line with the saved configuration.
type PartialFailureResponse struct {
	Error       string                 `json:"error"`
	ConfigSaved bool                   `json:"config_saved"`
	Failed      []status.Kind          `json:"failed"`
	Retry       map[status.Kind]string `json:"retry"`
	Snapshot    status.Snapshot        `json:"snapshot"`
}

// writeJSON writes payload as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[Server] failed to write response: %v", err)
	}
}

// writeError writes a JSON error response with the given HTTP status code and message.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// writeServiceError maps err to a status code and writes it. snapshot is
// included for partial failures.
func writeServiceError(w http.ResponseWriter, err error, snapshot status.Snapshot) {
	var partial *reconcile.PartialFailureError
	if errors.As(err, &partial) {
		failed := partial.Kinds()
		retry := make(map[status.Kind]string, len(failed))
		for _, kind := range failed {
			retry[kind] = retryAction(snapshot.Process(kind))
		}
		writeJSON(w, http.StatusInternalServerError, PartialFailureResponse{
			Error:       err.Error(),
			ConfigSaved: true,
			Failed:      failed,
			Retry:       retry,
			Snapshot:    snapshot,
		})
		return
	}
	writeError(w, statusCode(err), err.Error())
}

// retryAction is "restart" for a kind still running on the old
// configuration and "start" for one the failure left stopped.
func retryAction(st status.ProcessStatus) string {
	if st.Running {
		return "restart"
	}
	return "start"
}

func statusCode(err error) int {
	switch {
	case store.IsPersistence(err):
		return http.StatusInternalServerError
	case supervisor.IsSpawnError(err):
		return http.StatusBadGateway
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, commands.ErrCopilotDisabled):
		return http.StatusConflict
	case errors.Is(err, status.ErrUnknownKind),
		errors.Is(err, status.ErrUnknownProvider),
		errors.Is(err, supervisor.ErrUnknownKind),
		errors.Is(err, oauth.ErrNoPendingFlow):
		return http.StatusNotFound
	case errors.Is(err, oauth.ErrFlowExpired):
		return http.StatusGone
	case errors.Is(err, commands.ErrInvalidInput),
		errors.Is(err, commands.ErrOAuthUnsupported),
		errors.Is(err, oauth.ErrStateMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
