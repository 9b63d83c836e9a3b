package ratelimit

import (
	"sync"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// Entry is one active rate-limit window. An entry whose ResetTime is in
// the past is equivalent to no entry.
type Entry struct {
	ResetTime     time.Time `json:"reset_time"`
	RetryAfterSec int64     `json:"retry_after_sec"`
	DetectedAt    time.Time `json:"detected_at"`
	Reason        Reason    `json:"reason"`
	Model         string    `json:"model,omitempty"`
}

// Tracker maintains the concurrent map from account (and optionally
// account:model) to its active rate-limit window.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*Entry)}
}

func key(accountID, model string) string {
	if model == "" {
		return accountID
	}
	return accountID + ":" + model
}

// IsRateLimited reports whether the account (or the account under the
// given model) has an active window.
func (t *Tracker) IsRateLimited(accountID, model string) bool {
	return t.RemainingWait(accountID, model) > 0
}

// RemainingWait returns the seconds until the account becomes usable
// again, considering both the account-wide and the model-scoped key.
// Zero means not limited.
func (t *Tracker) RemainingWait(accountID, model string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	wait := remainingFor(t.entries[key(accountID, "")], now)
	if model != "" {
		if w := remainingFor(t.entries[key(accountID, model)], now); w > wait {
			wait = w
		}
	}
	return wait
}

func remainingFor(e *Entry, now time.Time) int64 {
	if e == nil || !e.ResetTime.After(now) {
		return 0
	}
	// Round up so a caller sleeping this long lands past the reset.
	return int64(e.ResetTime.Sub(now)+time.Second-1) / int64(time.Second)
}

// RecordFromError inspects an upstream failure and, for rate-limit-bearing
// statuses (429, 500, 503, 529), inserts a window at the narrowest
// applicable key. Returns the inserted entry, or nil when the status does
// not indicate a limit.
func (t *Tracker) RecordFromError(accountID string, status int, retryAfterHeader, body, model string) *Entry {
	if !isLimitStatus(status) {
		return nil
	}

	reason := ClassifyReason(status, body)
	wait := ResolveRetryAfter(reason, retryAfterHeader, body)
	if wait < config.MinRetryAfterSeconds {
		wait = config.MinRetryAfterSeconds
	}

	now := time.Now()
	entry := &Entry{
		ResetTime:     now.Add(time.Duration(wait) * time.Second),
		RetryAfterSec: wait,
		DetectedAt:    now,
		Reason:        reason,
		Model:         model,
	}

	t.mu.Lock()
	t.entries[key(accountID, model)] = entry
	t.mu.Unlock()

	utils.Warn("[RateLimit] Account %s limited (%s, model=%s): wait %s",
		accountID, reason, model, utils.FormatDuration(wait))
	return entry
}

// SetLockoutUntil inserts a window ending at a vendor-provided ISO-8601
// reset instant.
func (t *Tracker) SetLockoutUntil(accountID, resetISO string, reason Reason, model string) error {
	resetTime, err := time.Parse(time.RFC3339, resetISO)
	if err != nil {
		return err
	}
	now := time.Now()
	if !resetTime.After(now) {
		return nil
	}

	entry := &Entry{
		ResetTime:     resetTime,
		RetryAfterSec: int64(resetTime.Sub(now) / time.Second),
		DetectedAt:    now,
		Reason:        reason,
		Model:         model,
	}

	t.mu.Lock()
	t.entries[key(accountID, model)] = entry
	t.mu.Unlock()
	return nil
}

// Clear removes all windows for an account (both account-wide and
// model-scoped keys).
func (t *Tracker) Clear(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k == accountID || len(k) > len(accountID) && k[:len(accountID)+1] == accountID+":" {
			delete(t.entries, k)
		}
	}
}

// CleanupExpired sweeps windows whose reset time has passed. Expired
// entries are also ignored on read, so this is purely housekeeping.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range t.entries {
		if !e.ResetTime.After(now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// MinRemainingWait returns the smallest positive wait across the given
// account ids, or 0 when none is limited. Used for pool-exhausted errors.
func (t *Tracker) MinRemainingWait(accountIDs []string, model string) int64 {
	var min int64
	for _, id := range accountIDs {
		w := t.RemainingWait(id, model)
		if w > 0 && (min == 0 || w < min) {
			min = w
		}
	}
	return min
}
