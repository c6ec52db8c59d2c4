package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tabletd.sh/internal/merrors"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// respondError maps error codes onto HTTP statuses. Anything without a code
// is treated as internal.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch merrors.GetCode(err) {
	case merrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case merrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case merrors.ErrCodeAlreadyExists:
		status = http.StatusConflict
	case merrors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case merrors.ErrCodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case merrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(merrors.GetCode(err)),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
