// Package stream transforms upstream SSE replies into each client
// surface's streaming wire format.
package stream

import "strings"

// ErrorClass describes a mid-stream failure for client reporting: a stable
// kind, an English fallback message, and the i18n key UI clients localize.
type ErrorClass struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	I18nKey string `json:"i18n_key"`
}

// Classify buckets a mid-stream error by its text.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClass{
			Kind:    "unknown",
			Message: "Unknown streaming error",
			I18nKey: "errors.stream.unknown_error",
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out"):
		return ErrorClass{
			Kind:    "timeout",
			Message: "Upstream response timed out",
			I18nKey: "errors.stream.timeout_error",
		}
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "broken pipe"):
		return ErrorClass{
			Kind:    "connection",
			Message: "Connection to upstream failed",
			I18nKey: "errors.stream.connection_error",
		}
	case strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "decode"):
		return ErrorClass{
			Kind:    "decode",
			Message: "Failed to decode upstream event",
			I18nKey: "errors.stream.decode_error",
		}
	case strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "body") ||
		strings.Contains(msg, "stream"):
		return ErrorClass{
			Kind:    "stream",
			Message: "Upstream stream ended unexpectedly",
			I18nKey: "errors.stream.stream_error",
		}
	default:
		return ErrorClass{
			Kind:    "unknown",
			Message: "Unknown streaming error",
			I18nKey: "errors.stream.unknown_error",
		}
	}
}
