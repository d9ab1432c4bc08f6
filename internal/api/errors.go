package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Error codes returned in the "code" field of an error body.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeConflict         = "conflict"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeGateway          = "gateway_error"
	ErrCodeTimeout          = "timeout"
	ErrCodeInternal         = "internal_error"
)

// Error is the body of every failed request, wrapped as {"error": {...}}.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorMapping pairs a controller error with its HTTP status and code.
// The first matching entry wins.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{mesh.ErrInvalidNodeID, http.StatusBadRequest, ErrCodeValidation},
	{mesh.ErrNodeNotFound, http.StatusNotFound, ErrCodeNotFound},
	{mesh.ErrSessionAlreadyActive, http.StatusConflict, ErrCodeConflict},
	{mesh.ErrNoActiveSession, http.StatusConflict, ErrCodeConflict},
	{mesh.ErrNotRunning, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mesh.ErrChannel, http.StatusBadGateway, ErrCodeGateway},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // the client may have gone away
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, struct {
		Error Error `json:"error"`
	}{Error{Code: code, Message: message}})
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeControllerError reports err with the status its kind maps to;
// unknown errors are a 500.
func writeControllerError(w http.ResponseWriter, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeInternalError(w, err.Error())
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "no route for "+r.URL.Path)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
}
