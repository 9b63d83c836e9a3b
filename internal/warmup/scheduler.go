// Package warmup runs the background loop that pings whitelisted models
// the moment their quota window resets, so the fresh window is claimed
// before real traffic arrives.
package warmup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/scheduler"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
	"github.com/poemonsense/antigravity-hub/pkg/redis"
)

// task is one pending warm-up ping.
type task struct {
	Email       string `json:"email"`
	Model       string `json:"model"`
	AccessToken string `json:"access_token"`
	ProjectID   string `json:"project_id"`
	Percentage  int    `json:"-"`
}

// history is the process-wide WARM_HISTORY map. An entry under
// "email:model:100" means this 100% cycle has already been warmed.
type history struct {
	mu      sync.Mutex
	entries map[string]time.Time
	redis   *redis.Client
}

func newHistory(redisClient *redis.Client) *history {
	return &history{entries: make(map[string]time.Time), redis: redisClient}
}

func historyKey(email, model string) string {
	return fmt.Sprintf("%s:%s:100", email, model)
}

func (h *history) seen(ctx context.Context, email, model string) bool {
	key := historyKey(email, model)

	h.mu.Lock()
	_, ok := h.entries[key]
	h.mu.Unlock()
	if ok {
		return true
	}

	if h.redis != nil {
		if _, found, err := h.redis.GetWarmupStamp(ctx, key); err == nil && found {
			return true
		}
	}
	return false
}

func (h *history) record(ctx context.Context, email, model string) {
	key := historyKey(email, model)
	now := time.Now()

	h.mu.Lock()
	h.entries[key] = now
	h.mu.Unlock()

	if h.redis != nil {
		ttl := time.Duration(config.WarmHistoryTTLSeconds) * time.Second
		if err := h.redis.SetWarmupStamp(ctx, key, now, ttl); err != nil {
			utils.Debug("[Warmup] Redis stamp failed: %v", err)
		}
	}
}

func (h *history) clear(ctx context.Context, email, model string) {
	key := historyKey(email, model)

	h.mu.Lock()
	delete(h.entries, key)
	h.mu.Unlock()

	if h.redis != nil {
		if err := h.redis.DeleteWarmupStamp(ctx, key); err != nil {
			utils.Debug("[Warmup] Redis stamp delete failed: %v", err)
		}
	}
}

// sweep drops entries older than the history TTL so a stuck 100% series
// re-triggers at most once a day.
func (h *history) sweep() {
	cutoff := time.Now().Add(-time.Duration(config.WarmHistoryTTLSeconds) * time.Second)
	h.mu.Lock()
	for key, at := range h.entries {
		if at.Before(cutoff) {
			delete(h.entries, key)
		}
	}
	h.mu.Unlock()
}

// Scheduler is the warm-up background loop.
type Scheduler struct {
	cfg      *config.Manager
	sched    *scheduler.Manager
	upstream *upstream.Client
	history  *history

	// selfURL is this proxy's own /internal/warmup endpoint.
	selfURL string
	client  *http.Client
}

// New builds the scheduler. port is the local listen port the warm-up
// POSTs loop back to; redisClient is optional.
func New(cfg *config.Manager, sched *scheduler.Manager, up *upstream.Client, port int, redisClient *redis.Client) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		sched:    sched,
		upstream: up,
		history:  newHistory(redisClient),
		selfURL:  fmt.Sprintf("http://127.0.0.1:%d/internal/warmup", port),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Run blocks on the 10-minute cadence until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(config.WarmupIntervalSeconds * time.Second)
	defer ticker.Stop()

	utils.Info("[Warmup] Scheduler started (interval %ds)", config.WarmupIntervalSeconds)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.cfg.Get().WarmupEnabled {
				continue
			}
			s.runCycle(ctx)
		}
	}
}

// runCycle collects due tasks (retrying while some quota is near ready)
// and executes them serially.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.history.sweep()

	tasks, nearReady := s.collect(ctx)
	for retry := 0; len(tasks) == 0 && nearReady && retry < config.WarmupNearReadyRetries; retry++ {
		utils.Info("[Warmup] Quota near ready, retrying collection in %ds", config.WarmupNearReadyDelaySec)
		if !sleepCtx(ctx, config.WarmupNearReadyDelaySec*time.Second) {
			return
		}
		tasks, nearReady = s.collect(ctx)
	}

	if len(tasks) == 0 {
		return
	}
	utils.Info("[Warmup] Executing %d warm-up task(s)", len(tasks))

	for i, t := range tasks {
		if i > 0 && !sleepCtx(ctx, config.WarmupGapSeconds*time.Second) {
			return
		}
		s.execute(ctx, t)
	}
}

// collect walks the pool, fetches live quota per account, and returns the
// due tasks plus whether any model sits in the near-ready band.
func (s *Scheduler) collect(ctx context.Context) ([]task, bool) {
	var tasks []task
	nearReady := false

	for _, acct := range s.sched.Accounts() {
		if acct.Disabled || acct.ProxyDisabled {
			continue
		}

		grant, err := s.sched.GetTokenByEmail(ctx, acct.Email)
		if err != nil {
			utils.Warn("[Warmup] Skipping %s: %v", acct.Email, err)
			continue
		}

		quota, err := s.upstream.FetchQuota(ctx, grant.AccessToken, grant.ProjectID)
		if err != nil {
			utils.Warn("[Warmup] Quota fetch for %s failed: %v", acct.Email, err)
			continue
		}
		if quota.IsForbidden {
			continue
		}

		for _, record := range quota.Models {
			model := record.Name
			if remapped, ok := config.WarmupModelRemap[model]; ok {
				model = remapped
			}

			if record.Percentage < 100 {
				s.history.clear(ctx, acct.Email, model)
				if record.Percentage >= config.WarmupNearReadyPercent {
					nearReady = true
				}
				continue
			}

			if !config.WarmupModelWhitelist[model] {
				continue
			}
			if s.history.seen(ctx, acct.Email, model) {
				continue
			}

			s.history.record(ctx, acct.Email, model)
			tasks = append(tasks, task{
				Email:       acct.Email,
				Model:       model,
				AccessToken: grant.AccessToken,
				ProjectID:   grant.ProjectID,
				Percentage:  record.Percentage,
			})
		}
	}
	return tasks, nearReady
}

// execute POSTs one task to the proxy's own warm-up endpoint. Routing
// through the local HTTP surface keeps the vendor-call shape out of the
// scheduler.
func (s *Scheduler) execute(ctx context.Context, t task) {
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.selfURL, bytes.NewReader(payload))
	if err != nil {
		utils.Warn("[Warmup] %s / %s request build failed: %v", t.Email, t.Model, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		utils.Warn("[Warmup] %s / %s failed: %v", t.Email, t.Model, err)
		return
	}
	resp.Body.Close()
	utils.Info("[Warmup] %s / %s -> HTTP %d", t.Email, t.Model, resp.StatusCode)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
