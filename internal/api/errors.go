package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/evalq/internal/submission"
)

// Error types carried in the JSON error envelope. The remote client maps
// them back to submission error kinds.
const (
	errTypeInvalid     = "invalid_request_error"
	errTypeNotFound    = "not_found"
	errTypeConflict    = "conflict"
	errTypeUnavailable = "unavailable"
	errTypeAuth        = "authentication_error"
	errTypeInternal    = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps err's kind to a status code.
func writeError(w http.ResponseWriter, err error, what string) {
	switch submission.KindOf(err) {
	case submission.KindValidation:
		httpError(w, http.StatusBadRequest, errTypeInvalid, "%v", err)
	case submission.KindNotFound:
		httpError(w, http.StatusNotFound, errTypeNotFound, "%s not found", what)
	case submission.KindConflict:
		httpError(w, http.StatusConflict, errTypeConflict, "%v", err)
	case submission.KindTransient:
		httpError(w, http.StatusServiceUnavailable, errTypeUnavailable, "%v", err)
	case submission.KindUnauthorized:
		httpError(w, http.StatusUnauthorized, errTypeAuth, "%v", err)
	default:
		slog.Error("request failed", "what", what, "error", err)
		httpError(w, http.StatusInternalServerError, errTypeInternal, "failed to handle %s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
