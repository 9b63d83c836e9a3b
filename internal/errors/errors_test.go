package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusFromError(t *testing.T) {
	assert.Equal(t, 400, HTTPStatusFromError(NewInputError("bad")))
	assert.Equal(t, 429, HTTPStatusFromError(NewNoAccountsError("limited", true, 30)))
	assert.Equal(t, 429, HTTPStatusFromError(NewNoAccountsError("empty", false, 0)))
	assert.Equal(t, 429, HTTPStatusFromError(NewRateLimitError("slow down", 30, "")))
	assert.Equal(t, 401, HTTPStatusFromError(NewRefreshError("revoked", "", true)))
	assert.Equal(t, 502, HTTPStatusFromError(NewApiError("bad gateway", 502, "")))
	assert.Equal(t, 499, HTTPStatusFromError(NewCanceledError()))
	assert.Equal(t, 500, HTTPStatusFromError(errors.New("boom")))
}

func TestIsInvalidGrant(t *testing.T) {
	assert.True(t, IsInvalidGrant(NewRefreshError("revoked", "", true)))
	assert.False(t, IsInvalidGrant(NewRefreshError("endpoint down", "", false)))
	assert.True(t, IsInvalidGrant(errors.New("HTTP 400: invalid_grant")))
	assert.False(t, IsInvalidGrant(errors.New("HTTP 503")))
	assert.False(t, IsInvalidGrant(nil))
}

func TestIsPoolExhausted(t *testing.T) {
	assert.True(t, IsPoolExhausted(NewNoAccountsError("", true, 0)))
	assert.False(t, IsPoolExhausted(errors.New("other")))
}

func TestNoAccountsErrorMetadata(t *testing.T) {
	err := NewNoAccountsError("All accounts exhausted: HTTP 429", true, 42)

	payload := err.ToJSON()
	assert.Equal(t, "NO_ACCOUNTS", payload["code"])
	assert.Equal(t, true, payload["allRateLimited"])
	assert.EqualValues(t, 42, payload["minWaitSeconds"])
	assert.Equal(t, "All accounts exhausted: HTTP 429", payload["message"])
}

func TestFormatAPIErrorGeneric(t *testing.T) {
	payload := FormatAPIError(errors.New("boom"))

	assert.Equal(t, "error", payload["type"])
	inner := payload["error"].(map[string]interface{})
	assert.Equal(t, "internal_error", inner["type"])
	assert.Equal(t, "boom", inner["message"])
}
