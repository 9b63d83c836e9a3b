// Package ratelimit tracks per-account (and per-model) rate-limit windows
// and derives them from upstream error responses.
package ratelimit

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

// Reason classifies why an account was limited.
type Reason string

const (
	ReasonQuotaExhausted         Reason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonRateLimitExceeded      Reason = "RATE_LIMIT_EXCEEDED"
	ReasonServerError            Reason = "SERVER_ERROR"
	ReasonUnknown                Reason = "UNKNOWN"
)

var (
	compositeDurationRegex = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?$`)

	tryAgainMinSecRegex = regexp.MustCompile(`(?i)try again in\s*(\d+)m\s*(\d+)s`)
	backoffSecRegex     = regexp.MustCompile(`(?i)(?:try again in|backoff for|wait)\s*(\d+)s`)
	quotaResetSecRegex  = regexp.MustCompile(`(?i)quota will reset in\s*(\d+)\s*second`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry after\s*(\d+)\s*second`)
	parenWaitSecRegex   = regexp.MustCompile(`\(wait (\d+)s\)`)
)

// isLimitStatus reports whether a status code carries rate-limit meaning.
func isLimitStatus(status int) bool {
	switch status {
	case 429, 500, 503, 529:
		return true
	}
	return false
}

// ClassifyReason derives the limit reason from the status code and the raw
// error body. Callers must have checked isLimitStatus first.
func ClassifyReason(status int, body string) Reason {
	if status == 500 || status == 503 || status == 529 {
		return ReasonServerError
	}

	// 429: prefer the structured reason when the vendor provides one.
	if reason := gjson.Get(body, "error.details.0.reason").String(); reason != "" {
		switch reason {
		case "QUOTA_EXHAUSTED":
			return ReasonQuotaExhausted
		case "RATE_LIMIT_EXCEEDED":
			return ReasonRateLimitExceeded
		}
	}

	lower := strings.ToLower(body)

	if strings.Contains(lower, "exhausted") || strings.Contains(lower, "quota") {
		if strings.Contains(lower, "model_capacity") ||
			strings.Contains(body, "Tokens per minute") ||
			strings.Contains(body, "Requests per minute") {
			return ReasonModelCapacityExhausted
		}
		return ReasonQuotaExhausted
	}

	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
		return ReasonRateLimitExceeded
	}

	return ReasonUnknown
}

// ParseCompositeDuration parses durations of the form "(Nh)(Nm)(N[.N]s)(Nms)"
// (e.g. "2h1m1s", "42s", "500ms") into whole seconds, rounding fractional
// seconds and milliseconds up. A zero total is treated as a parse failure.
func ParseCompositeDuration(s string) (int64, bool) {
	m := compositeDurationRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}

	var total int64
	if m[1] != "" {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		total += h * 3600
	}
	if m[2] != "" {
		min, _ := strconv.ParseInt(m[2], 10, 64)
		total += min * 60
	}
	if m[3] != "" {
		sec, _ := strconv.ParseFloat(m[3], 64)
		total += int64(math.Ceil(sec))
	}
	if m[4] != "" {
		ms, _ := strconv.ParseInt(m[4], 10, 64)
		total += (ms + 999) / 1000
	}

	if total <= 0 {
		return 0, false
	}
	return total, true
}

// DefaultWaitForReason returns the fallback retry-after by reason.
func DefaultWaitForReason(reason Reason) int64 {
	switch reason {
	case ReasonQuotaExhausted:
		return config.DefaultWaitQuotaExhausted
	case ReasonModelCapacityExhausted:
		return config.DefaultWaitModelCapacityExhausted
	case ReasonRateLimitExceeded:
		return config.DefaultWaitRateLimitExceeded
	case ReasonServerError:
		return config.DefaultWaitServerError
	default:
		return config.DefaultWaitUnknown
	}
}

// ResolveRetryAfter computes the retry-after seconds from an upstream
// error, trying each source in priority order:
//  1. numeric Retry-After header
//  2. JSON error.details[0].metadata.quotaResetDelay composite duration
//  3. JSON error.retry_after
//  4. textual body patterns
//  5. per-reason default
func ResolveRetryAfter(reason Reason, retryAfterHeader, body string) int64 {
	if retryAfterHeader != "" {
		if sec, err := strconv.ParseInt(strings.TrimSpace(retryAfterHeader), 10, 64); err == nil && sec > 0 {
			return sec
		}
	}

	if delay := gjson.Get(body, "error.details.0.metadata.quotaResetDelay").String(); delay != "" {
		if sec, ok := ParseCompositeDuration(delay); ok {
			return sec
		}
	}

	if ra := gjson.Get(body, "error.retry_after"); ra.Exists() {
		if sec := ra.Int(); sec > 0 {
			return sec
		}
	}

	if sec, ok := parseRetryAfterFromBody(body); ok {
		return sec
	}

	return DefaultWaitForReason(reason)
}

func parseRetryAfterFromBody(body string) (int64, bool) {
	if m := tryAgainMinSecRegex.FindStringSubmatch(body); m != nil {
		min, _ := strconv.ParseInt(m[1], 10, 64)
		sec, _ := strconv.ParseInt(m[2], 10, 64)
		return min*60 + sec, true
	}
	for _, re := range []*regexp.Regexp{
		backoffSecRegex,
		quotaResetSecRegex,
		retryAfterSecRegex,
		parenWaitSecRegex,
	} {
		if m := re.FindStringSubmatch(body); m != nil {
			sec, _ := strconv.ParseInt(m[1], 10, 64)
			if sec > 0 {
				return sec, true
			}
		}
	}
	return 0, false
}
