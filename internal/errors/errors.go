// Package errors provides the typed error taxonomy for the Antigravity relay.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind string

const (
	KindInput    Kind = "INPUT"
	KindPool     Kind = "POOL"
	KindUpstream Kind = "UPSTREAM"
	KindRefresh  Kind = "REFRESH"
	KindInternal Kind = "INTERNAL"
	KindCanceled Kind = "CANCELED"
)

// RelayError is the base error type for relay errors.
type RelayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Kind      Kind                   `json:"kind"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *RelayError) Error() string {
	return e.Message
}

// ToJSON converts the error to JSON for API responses
func (e *RelayError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"name":      "RelayError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *RelayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewRelayError creates a new RelayError
func NewRelayError(message, code string, kind Kind, retryable bool, metadata map[string]interface{}) *RelayError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &RelayError{
		Message:   message,
		Code:      code,
		Kind:      kind,
		Retryable: retryable,
		Metadata:  metadata,
	}
}

// InputError represents a malformed client request.
type InputError struct {
	*RelayError
}

// NewInputError creates a new InputError
func NewInputError(message string) *InputError {
	if message == "" {
		message = "Invalid request"
	}
	return &InputError{
		RelayError: NewRelayError(message, "INVALID_REQUEST", KindInput, false, nil),
	}
}

// NoAccountsError represents pool exhaustion: no accounts configured, or
// every account rate-limited beyond the wait policy.
type NoAccountsError struct {
	*RelayError
	AllRateLimited bool  `json:"allRateLimited"`
	MinWaitSeconds int64 `json:"minWaitSeconds"`
}

// NewNoAccountsError creates a new NoAccountsError
func NewNoAccountsError(message string, allRateLimited bool, minWaitSeconds int64) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		RelayError: NewRelayError(message, "NO_ACCOUNTS", KindPool, allRateLimited, map[string]interface{}{
			"allRateLimited": allRateLimited,
			"minWaitSeconds": minWaitSeconds,
		}),
		AllRateLimited: allRateLimited,
		MinWaitSeconds: minWaitSeconds,
	}
}

// RateLimitError represents an upstream 429 / RESOURCE_EXHAUSTED.
type RateLimitError struct {
	*RelayError
	RetryAfterSec int64  `json:"retryAfterSec,omitempty"`
	AccountEmail  string `json:"accountEmail,omitempty"`
}

// NewRateLimitError creates a new RateLimitError
func NewRateLimitError(message string, retryAfterSec int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if retryAfterSec > 0 {
		metadata["retryAfterSec"] = retryAfterSec
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		RelayError:    NewRelayError(message, "RATE_LIMITED", KindUpstream, true, metadata),
		RetryAfterSec: retryAfterSec,
		AccountEmail:  accountEmail,
	}
}

// RefreshError represents a token refresh failure. Terminal indicates an
// invalid_grant that must disable the owning account.
type RefreshError struct {
	*RelayError
	AccountEmail string `json:"accountEmail,omitempty"`
	Terminal     bool   `json:"terminal"`
}

// NewRefreshError creates a new RefreshError
func NewRefreshError(message, accountEmail string, terminal bool) *RefreshError {
	metadata := map[string]interface{}{"terminal": terminal}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RefreshError{
		RelayError:   NewRelayError(message, "TOKEN_REFRESH_FAILED", KindRefresh, !terminal, metadata),
		AccountEmail: accountEmail,
		Terminal:     terminal,
	}
}

// ApiError represents an API error from the upstream service
type ApiError struct {
	*RelayError
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// NewApiError creates a new ApiError
func NewApiError(message string, statusCode int, body string) *ApiError {
	return &ApiError{
		RelayError: NewRelayError(message, "UPSTREAM_ERROR", KindUpstream, statusCode >= 500, map[string]interface{}{
			"statusCode": statusCode,
		}),
		StatusCode: statusCode,
		Body:       body,
	}
}

// CanceledError represents a client disconnect mid-request.
type CanceledError struct {
	*RelayError
}

// NewCanceledError creates a new CanceledError
func NewCanceledError() *CanceledError {
	return &CanceledError{
		RelayError: NewRelayError("Request canceled by client", "CANCELED", KindCanceled, false, nil),
	}
}

// Error checking functions

// IsInvalidGrant reports whether an error text indicates a revoked
// refresh token.
func IsInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := err.(*RefreshError); ok {
		return re.Terminal
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid_grant")
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsPoolExhausted checks if an error is a pool exhaustion error
func IsPoolExhausted(err error) bool {
	_, ok := err.(*NoAccountsError)
	return ok
}

// WrapError wraps a standard error with RelayError
func WrapError(err error, code string, kind Kind, retryable bool) *RelayError {
	if err == nil {
		return nil
	}
	return NewRelayError(err.Error(), code, kind, retryable, nil)
}

// FormatAPIError formats an error for API response
func FormatAPIError(err error) map[string]interface{} {
	type jsonable interface {
		ToJSON() map[string]interface{}
	}
	if je, ok := err.(jsonable); ok {
		return je.ToJSON()
	}

	// Generic error
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}

// HTTPStatusFromError returns the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *InputError:
		return 400
	case *NoAccountsError:
		// An empty pool and a fully limited pool both ask the client
		// to back off and retry.
		return 429
	case *RateLimitError:
		return 429
	case *RefreshError:
		return 401
	case *ApiError:
		return e.StatusCode
	case *CanceledError:
		return 499
	default:
		return 500
	}
}

// ErrorWithContext adds context to an error
func ErrorWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
