package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sselfie/generation-core/internal/types"
)

func TestInsufficientCredits_Categorize(t *testing.T) {
	err := fmt.Errorf("deduct: %w", NewInsufficientCreditsError(10, 3))

	ice, ok := AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(10), ice.Required)
	assert.Equal(t, int64(3), ice.Available)

	catErr := Categorize(err)
	assert.Equal(t, http.StatusPaymentRequired, catErr.StatusCode)
	assert.Equal(t, CodeInsufficientCredits, catErr.Code)
	assert.Equal(t, int64(3), catErr.Details["available"])
	assert.False(t, IsRetryable(err))
	assert.True(t, IsUserError(err))
}

func TestProviderUnavailable(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := fmt.Errorf("fetch: %w", NewProviderUnavailableError("replicate", cause))

	assert.True(t, IsProviderUnavailable(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatusCode(err))
}

func TestProviderReportedFailure_KeepsMessage(t *testing.T) {
	err := NewProviderReportedFailure("CUDA out of memory")
	assert.Equal(t, "CUDA out of memory", err.Message)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsProviderUnavailable(err))
}

func TestUnresolvedOutput(t *testing.T) {
	err := NewUnresolvedOutputError("job-1", "no destination")
	assert.True(t, HasCode(err, CodeUnresolvedOutput))
	assert.Equal(t, CategoryManualReview, err.Category)
	assert.Equal(t, "job-1", err.Details["jobId"])
}

func TestCategorize_ServiceError(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{"JOB_NOT_FOUND", http.StatusNotFound},
		{"FORBIDDEN", http.StatusForbidden},
		{"INVALID_JOB_TYPE", http.StatusBadRequest},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &types.ServiceError{Code: tt.code, Message: "m"}
			assert.Equal(t, tt.status, GetHTTPStatusCode(err))
		})
	}
}

func TestCategorize_Unknown(t *testing.T) {
	assert.Nil(t, Categorize(nil))
	catErr := Categorize(stderrors.New("boom"))
	assert.Equal(t, "INTERNAL_ERROR", catErr.Code)
}
