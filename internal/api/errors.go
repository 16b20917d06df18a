package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/sselfie/generation-core/internal/errors"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a service error onto its HTTP status. Server-side
// failures are logged with their cause and returned without internal detail.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"code":     catErr.Code,
			"category": catErr.Category,
		}).Error("request failed")
	}

	if retryAfter, ok := catErr.Details["retryAfter"].(int); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	message := catErr.Message
	details := catErr.Details
	switch catErr.Category {
	case apperrors.CategoryDatabase, apperrors.CategoryCache, apperrors.CategorySystem:
		message = "An internal error occurred"
		details = nil
	}
	respondError(w, catErr.StatusCode, catErr.Code, message, details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
