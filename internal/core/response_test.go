package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoplist/internal/types"
)

func TestJSON_WritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"k": "v"}})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"k":"v"}}`, w.Body.String())
}

func TestError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req_1"))

	Error(w, r, types.NewAppError(types.ErrCodePermissionSubMismatch, "subscription does not belong to caller", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "permission_subscription_mismatch", resp.Error.Code)
	assert.Equal(t, "req_1", resp.Error.RequestID)
	assert.False(t, resp.Error.Retryable)
}

func TestError_RetryableUpstream(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Error.Retryable)
}

func TestError_GenericErrorDoesNotLeak(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	assert.Contains(t, w.Body.String(), string(types.ErrCodeInternalUnexpected))
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"milk"}`, false},
		{"empty body", ``, true},
		{"malformed", `{"name":`, true},
		{"unknown field", `{"name":"milk","extra":true}`, true},
		{"two documents", `{"name":"a"}{"name":"b"}`, true},
		{"type mismatch", `{"name":42}`, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))

			var dst payload
			err := DecodeJSON(w, r, &dst)
			if tc.wantErr {
				require.Error(t, err)
				var appErr *types.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "milk", dst.Name)
			}
		})
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	big := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
	body := `{"name":"` + string(big) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Name string `json:"name"`
	}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)
}

func TestValidator_ValidateStruct(t *testing.T) {
	type req struct {
		PriceID string `validate:"required"`
	}

	v := NewValidator()

	require.NoError(t, v.ValidateStruct(req{PriceID: "price_1"}))

	err := v.ValidateStruct(req{})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	assert.Equal(t, "PriceID", appErr.Details["field"])
}
