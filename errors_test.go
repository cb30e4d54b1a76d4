package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/toolgate/oauth/server"
)

func TestStatusForErrorCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeUnauthorized, http.StatusUnauthorized},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrorCodeServerError, http.StatusInternalServerError},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"something_else", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := statusForErrorCode(tt.code); got != tt.want {
			t.Errorf("statusForErrorCode(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAsOAuthError(t *testing.T) {
	t.Run("passes through OAuthError", func(t *testing.T) {
		in := NewOAuthError(ErrorCodeInvalidRequest, "missing parameter", http.StatusBadRequest)
		if got := asOAuthError(in); got != in {
			t.Errorf("got %+v, want the original error", got)
		}
	})

	t.Run("maps FlowError", func(t *testing.T) {
		flowErr := fmt.Errorf("token: %w", &server.FlowError{
			Code:        server.ErrorCodeInvalidGrant,
			Description: "authorization code is invalid or expired",
		})
		got := asOAuthError(flowErr)
		if got.Code != ErrorCodeInvalidGrant {
			t.Errorf("code = %q", got.Code)
		}
		if got.Status != http.StatusBadRequest {
			t.Errorf("status = %d", got.Status)
		}
	})

	t.Run("hides unknown errors", func(t *testing.T) {
		got := asOAuthError(errors.New("store: connection refused"))
		if got.Code != ErrorCodeServerError {
			t.Errorf("code = %q", got.Code)
		}
		if got.Status != http.StatusInternalServerError {
			t.Errorf("status = %d", got.Status)
		}
		if got.Description == "store: connection refused" {
			t.Error("internal error detail leaked to the wire")
		}
	})
}
