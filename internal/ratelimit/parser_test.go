package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompositeDuration(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"2h1m1s", 7261, true},
		{"42s", 42, true},
		{"1h30m", 5400, true},
		{"500ms", 1, true},
		{"1.5s", 2, true},
		{"3h", 10800, true},
		{"90m", 5400, true},
		{"", 0, false},
		{"abc", 0, false},
		{"0s", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCompositeDuration(tt.input)
		assert.Equal(t, tt.ok, ok, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestClassifyReason(t *testing.T) {
	assert.Equal(t, ReasonServerError, ClassifyReason(500, ""))
	assert.Equal(t, ReasonServerError, ClassifyReason(503, "overloaded"))
	assert.Equal(t, ReasonServerError, ClassifyReason(529, ""))

	assert.Equal(t, ReasonQuotaExhausted,
		ClassifyReason(429, `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`))
	assert.Equal(t, ReasonRateLimitExceeded,
		ClassifyReason(429, `{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`))

	assert.Equal(t, ReasonQuotaExhausted, ClassifyReason(429, "quota exceeded for this account"))
	assert.Equal(t, ReasonModelCapacityExhausted, ClassifyReason(429, "quota: Tokens per minute"))
	assert.Equal(t, ReasonRateLimitExceeded, ClassifyReason(429, "rate limit hit, slow down"))
	assert.Equal(t, ReasonUnknown, ClassifyReason(429, "something else"))
}

func TestResolveRetryAfter(t *testing.T) {
	// Numeric header wins over everything.
	assert.Equal(t, int64(99), ResolveRetryAfter(ReasonUnknown, "99", ""))

	// Structured quotaResetDelay.
	body := `{"error":{"details":[{"metadata":{"quotaResetDelay":"42s"}}]}}`
	assert.Equal(t, int64(42), ResolveRetryAfter(ReasonUnknown, "", body))

	// JSON retry_after.
	assert.Equal(t, int64(17), ResolveRetryAfter(ReasonUnknown, "", `{"error":{"retry_after":17}}`))

	// Textual patterns.
	assert.Equal(t, int64(99), ResolveRetryAfter(ReasonUnknown, "", "Retry after 99 seconds"))
	assert.Equal(t, int64(125), ResolveRetryAfter(ReasonUnknown, "", "please try again in 2m 5s"))
	assert.Equal(t, int64(30), ResolveRetryAfter(ReasonUnknown, "", "backoff for 30s"))

	// Per-reason fallback defaults.
	assert.Equal(t, int64(3600), ResolveRetryAfter(ReasonQuotaExhausted, "", ""))
	assert.Equal(t, int64(120), ResolveRetryAfter(ReasonModelCapacityExhausted, "", ""))
	assert.Equal(t, int64(30), ResolveRetryAfter(ReasonRateLimitExceeded, "", ""))
	assert.Equal(t, int64(20), ResolveRetryAfter(ReasonServerError, "", ""))
	assert.Equal(t, int64(60), ResolveRetryAfter(ReasonUnknown, "", ""))
}

func TestRecordFromErrorSafetyBuffer(t *testing.T) {
	tr := NewTracker()

	entry := tr.RecordFromError("acct-1", 429, "1", "", "")
	require.NotNil(t, entry)

	wait := tr.RemainingWait("acct-1", "")
	assert.GreaterOrEqual(t, wait, int64(1))
	assert.LessOrEqual(t, wait, int64(2))
}

func TestRecordFromErrorIgnoresNonLimitStatus(t *testing.T) {
	tr := NewTracker()
	assert.Nil(t, tr.RecordFromError("acct-1", 400, "", "", ""))
	assert.False(t, tr.IsRateLimited("acct-1", ""))
}

func TestModelScopedWindows(t *testing.T) {
	tr := NewTracker()

	body := `{"error":{"details":[{"metadata":{"quotaResetDelay":"42s"}}]}}`
	tr.RecordFromError("acct-1", 429, "", body, "gemini-3-flash")

	assert.True(t, tr.IsRateLimited("acct-1", "gemini-3-flash"))
	assert.False(t, tr.IsRateLimited("acct-1", "claude-sonnet-4-5"))

	wait := tr.RemainingWait("acct-1", "gemini-3-flash")
	assert.InDelta(t, 42, wait, 1)
}

func TestClearAndCleanup(t *testing.T) {
	tr := NewTracker()
	tr.RecordFromError("acct-1", 429, "30", "", "")
	tr.RecordFromError("acct-1", 429, "30", "", "gemini-3-flash")
	tr.RecordFromError("acct-2", 429, "30", "", "")

	tr.Clear("acct-1")
	assert.False(t, tr.IsRateLimited("acct-1", ""))
	assert.False(t, tr.IsRateLimited("acct-1", "gemini-3-flash"))
	assert.True(t, tr.IsRateLimited("acct-2", ""))

	assert.Equal(t, 0, tr.CleanupExpired())
}

func TestMinRemainingWait(t *testing.T) {
	tr := NewTracker()
	tr.RecordFromError("a", 429, "120", "", "")
	tr.RecordFromError("b", 429, "30", "", "")

	min := tr.MinRemainingWait([]string{"a", "b", "c"}, "")
	assert.InDelta(t, 30, min, 1)

	assert.Zero(t, tr.MinRemainingWait([]string{"c"}, ""))
}
