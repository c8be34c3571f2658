package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidPrice, http.StatusBadRequest},
		{ErrCodeValidationInvalidBody, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{ErrCodePermissionSubMismatch, http.StatusForbidden},
		{ErrCodeNotFoundEntitlement, http.StatusNotFound},
		{ErrCodeNotFoundSubscription, http.StatusNotFound},
		{ErrCodeConflictConcurrent, http.StatusConflict},
		{ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeUnresolvableUser, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.code.HTTPStatus())
		})
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	assert.True(t, ErrCodeUpstreamStripe.Retryable())
	assert.True(t, ErrCodeUpstreamRateLimited.Retryable())
	assert.True(t, ErrCodeUpstreamUnavailable.Retryable())
	assert.True(t, ErrCodeInternalDB.Retryable())

	assert.False(t, ErrCodeValidationMissingField.Retryable())
	assert.False(t, ErrCodePermissionSubMismatch.Retryable())
	assert.False(t, ErrCodeAuthSignatureInvalid.Retryable())
	assert.False(t, ErrCodePaymentDeclined.Retryable())
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewAppError(ErrCodeInternalDB, "failed to upsert entitlement", inner)

	assert.Equal(t, "internal_database_error: failed to upsert entitlement", err.Error())
	assert.ErrorIs(t, err, inner)

	var appErr *AppError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &appErr))
	assert.Equal(t, ErrCodeInternalDB, appErr.Code)
}

func TestAppError_WithDetails(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeUnresolvableUser, "no strategy matched", nil,
		map[string]any{"event_id": "evt_1"})

	enriched := base.WithDetails(map[string]any{"customer_id": "cus_1"})

	// Original is untouched.
	assert.Len(t, base.Details, 1)
	assert.Equal(t, "evt_1", enriched.Details["event_id"])
	assert.Equal(t, "cus_1", enriched.Details["customer_id"])
}
