package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message, details string) {
	resp := dto.ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	}
	if details != "" {
		resp.Details = details
	}
	respondJSON(w, status, resp)
}

// respondAppError maps an application error to its HTTP status. Internal
// details are logged, not returned.
func (c *Context) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger().Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		respondError(w, status, "internal error", "")
		return
	}
	respondError(w, status, apperrors.RedactSensitive(err.Error()), "")
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch apperrors.GetKind(err) {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindPermission:
		return http.StatusForbidden
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindScheduling, apperrors.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
