package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-hub/pkg/redis"
)

func TestHistoryAtMostOncePerCycle(t *testing.T) {
	h := newHistory(nil)
	ctx := context.Background()

	assert.False(t, h.seen(ctx, "a@example.com", "gemini-3-flash"))
	h.record(ctx, "a@example.com", "gemini-3-flash")
	assert.True(t, h.seen(ctx, "a@example.com", "gemini-3-flash"))

	// Other accounts and models are independent.
	assert.False(t, h.seen(ctx, "b@example.com", "gemini-3-flash"))
	assert.False(t, h.seen(ctx, "a@example.com", "claude-sonnet-4-5"))
}

func TestHistoryClearRearmsModel(t *testing.T) {
	h := newHistory(nil)
	ctx := context.Background()

	h.record(ctx, "a@example.com", "gemini-3-flash")
	h.clear(ctx, "a@example.com", "gemini-3-flash")
	assert.False(t, h.seen(ctx, "a@example.com", "gemini-3-flash"))
}

func TestHistorySweepDropsStaleEntries(t *testing.T) {
	h := newHistory(nil)
	ctx := context.Background()

	h.record(ctx, "fresh@example.com", "gemini-3-flash")
	h.mu.Lock()
	h.entries[historyKey("stale@example.com", "gemini-3-flash")] = time.Now().Add(-25 * time.Hour)
	h.mu.Unlock()

	h.sweep()

	assert.True(t, h.seen(ctx, "fresh@example.com", "gemini-3-flash"))
	assert.False(t, h.seen(ctx, "stale@example.com", "gemini-3-flash"))
}

func TestHistoryKeyShape(t *testing.T) {
	assert.Equal(t, "a@example.com:gemini-3-flash:100", historyKey("a@example.com", "gemini-3-flash"))
}

func newRedisTier(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisHistoryFreshPairIsNotSeen(t *testing.T) {
	h := newHistory(newRedisTier(t))

	assert.False(t, h.seen(context.Background(), "a@example.com", "gemini-3-flash"))
}

func TestRedisHistorySharedAcrossRestarts(t *testing.T) {
	client := newRedisTier(t)
	ctx := context.Background()

	first := newHistory(client)
	first.record(ctx, "a@example.com", "gemini-3-flash")

	// A fresh history over the same Redis still sees the stamp.
	second := newHistory(client)
	assert.True(t, second.seen(ctx, "a@example.com", "gemini-3-flash"))
}

func TestRedisHistoryClearDeletesStamp(t *testing.T) {
	client := newRedisTier(t)
	ctx := context.Background()

	h := newHistory(client)
	h.record(ctx, "a@example.com", "gemini-3-flash")

	// A quota dip below 100 clears both tiers, so the next full window
	// warms again even after a restart.
	h.clear(ctx, "a@example.com", "gemini-3-flash")
	assert.False(t, h.seen(ctx, "a@example.com", "gemini-3-flash"))

	restarted := newHistory(client)
	assert.False(t, restarted.seen(ctx, "a@example.com", "gemini-3-flash"))
}
