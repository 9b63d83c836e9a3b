// Package scheduler selects which account serves each relay request. It
// owns the in-memory account pool, sticky-session bindings, round-robin
// rotation and on-demand token refresh.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/auth"
	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/errors"
	"github.com/poemonsense/antigravity-hub/internal/ratelimit"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// TokenRequest describes one account selection.
type TokenRequest struct {
	Model       string
	SessionID   string
	QuotaGroup  config.QuotaGroup
	ForceRotate bool
}

// TokenGrant is the credential handed to the dispatch loop.
type TokenGrant struct {
	AccountID   string
	Email       string
	AccessToken string
	ProjectID   string
	Tier        config.Tier
}

type sessionBinding struct {
	accountID string
	boundAt   time.Time
}

// Manager is the account pool scheduler.
type Manager struct {
	store    *store.Store
	oauth    *auth.Client
	upstream *upstream.Client
	cfg      *config.Manager
	tracker  *ratelimit.Tracker

	mu       sync.RWMutex
	accounts map[string]*store.Account
	order    []string // account ids sorted by tier priority, then created_at

	rrCursor atomic.Uint64

	lastMu       sync.Mutex
	lastUsedID   string
	lastUsedTime time.Time

	sessMu   sync.Mutex
	sessions map[string]*sessionBinding

	refreshMu sync.Mutex
	refreshes map[string]*refreshResult
}

type refreshResult struct {
	done chan struct{}
	err  error
}

// NewManager builds the scheduler. Call LoadAccounts before serving.
func NewManager(st *store.Store, oauthClient *auth.Client, up *upstream.Client, cfg *config.Manager, tracker *ratelimit.Tracker) *Manager {
	return &Manager{
		store:     st,
		oauth:     oauthClient,
		upstream:  up,
		cfg:       cfg,
		tracker:   tracker,
		accounts:  make(map[string]*store.Account),
		sessions:  make(map[string]*sessionBinding),
		refreshes: make(map[string]*refreshResult),
	}
}

// LoadAccounts replaces the in-memory pool with the persisted accounts.
func (m *Manager) LoadAccounts(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[string]*store.Account, len(accounts))
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	m.rebuildOrderLocked()

	// The reload resets rotation state: ids may have shifted position,
	// so the cursor and last-used marker refer to the old order.
	m.rrCursor.Store(0)
	m.lastMu.Lock()
	m.lastUsedID = ""
	m.lastUsedTime = time.Time{}
	m.lastMu.Unlock()

	utils.Info("[Scheduler] Loaded %d account(s)", len(accounts))
	return nil
}

// rebuildOrderLocked sorts account ids by tier priority (ULTRA before PRO
// before FREE before unknown), newest first within a tier.
func (m *Manager) rebuildOrderLocked() {
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := m.accounts[ids[i]], m.accounts[ids[j]]
		ta, tb := config.ParseTierID(a.Token.Tier), config.ParseTierID(b.Token.Tier)
		if ta != tb {
			return ta < tb
		}
		return a.CreatedAt > b.CreatedAt
	})
	m.order = ids
}

// Accounts returns a snapshot of the pool.
func (m *Manager) Accounts() []*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Account, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.accounts[id]
		out = append(out, &cp)
	}
	return out
}

// GetToken selects an account and returns a ready-to-use credential. The
// access token is refreshed when within five minutes of expiry. Accounts
// whose refresh token was revoked are disabled and skipped.
func (m *Manager) GetToken(ctx context.Context, req TokenRequest) (*TokenGrant, error) {
	candidates := m.eligibleIDs()
	if len(candidates) == 0 {
		return nil, errors.NewNoAccountsError("No accounts configured", false, 0)
	}

	sched := m.cfg.Scheduling()
	attempted := make(map[string]bool)

	for attempt := 0; attempt <= len(candidates); attempt++ {
		rotate := req.ForceRotate || attempt > 0

		id := m.pickAccount(ctx, req, sched, candidates, attempted, rotate)
		if id == "" {
			break
		}

		grant, err := m.prepareGrant(ctx, id)
		if err != nil {
			attempted[id] = true
			continue
		}
		return grant, nil
	}

	minWait := m.tracker.MinRemainingWait(candidates, req.Model)
	if minWait > 0 {
		return nil, errors.NewNoAccountsError(
			fmt.Sprintf("All accounts are currently limited. Please wait %ds.", minWait),
			true, minWait)
	}
	return nil, errors.NewNoAccountsError("No usable accounts available", false, 0)
}

// eligibleIDs returns the pool in priority order, minus disabled accounts.
func (m *Manager) eligibleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		a := m.accounts[id]
		if a.Disabled || a.ProxyDisabled {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// pickAccount runs the three selection modes in order: sticky session,
// recent-use lock, round-robin.
func (m *Manager) pickAccount(ctx context.Context, req TokenRequest, sched config.SchedulingConfig, candidates []string, attempted map[string]bool, rotate bool) string {
	usable := func(id string) bool {
		return !attempted[id] && !m.tracker.IsRateLimited(id, req.Model)
	}

	// Mode A: sticky session. Performance-first mode never waits on a
	// bound account, it just rotates.
	if !rotate && req.SessionID != "" && sched.Mode != config.ModePerformanceFirst {
		if id := m.stickyAccount(ctx, req, sched, attempted); id != "" {
			return id
		}
	}

	// Mode B: keep hitting the most recent account for 60 s to preserve
	// upstream prompt caches. Image generation rotates freely.
	if !rotate && req.QuotaGroup != config.QuotaGroupImageGen {
		m.lastMu.Lock()
		id := m.lastUsedID
		recent := id != "" && time.Since(m.lastUsedTime) < config.LastUsedStickySeconds*time.Second
		m.lastMu.Unlock()
		if recent && containsID(candidates, id) && usable(id) {
			m.noteUse(id, req.SessionID)
			return id
		}
	}

	// Mode C: round-robin from the shared cursor.
	n := uint64(len(candidates))
	start := m.rrCursor.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		id := candidates[(start+i)%n]
		if usable(id) {
			m.noteUse(id, req.SessionID)
			return id
		}
	}
	return ""
}

// stickyAccount resolves the session binding. A rate-limited binding is
// waited out under cache-first mode (bounded by max_wait_seconds) and
// dropped otherwise.
func (m *Manager) stickyAccount(ctx context.Context, req TokenRequest, sched config.SchedulingConfig, attempted map[string]bool) string {
	m.sessMu.Lock()
	binding := m.sessions[req.SessionID]
	m.sessMu.Unlock()
	if binding == nil {
		return ""
	}

	id := binding.accountID
	m.mu.RLock()
	a := m.accounts[id]
	m.mu.RUnlock()
	if a == nil || a.Disabled || a.ProxyDisabled || attempted[id] {
		m.dropSession(req.SessionID)
		return ""
	}

	wait := m.tracker.RemainingWait(id, req.Model)
	if wait == 0 {
		m.noteUse(id, req.SessionID)
		return id
	}

	if sched.Mode == config.ModeCacheFirst && wait <= sched.MaxWaitSeconds {
		utils.Info("[Scheduler] Session %s waiting %ds for %s", req.SessionID, wait, a.Email)
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(time.Duration(wait) * time.Second):
		}
		if !m.tracker.IsRateLimited(id, req.Model) {
			m.noteUse(id, req.SessionID)
			return id
		}
	}

	m.dropSession(req.SessionID)
	return ""
}

func (m *Manager) noteUse(id, sessionID string) {
	now := time.Now()

	m.lastMu.Lock()
	m.lastUsedID = id
	m.lastUsedTime = now
	m.lastMu.Unlock()

	if sessionID != "" {
		m.sessMu.Lock()
		m.sessions[sessionID] = &sessionBinding{accountID: id, boundAt: now}
		m.sessMu.Unlock()
	}

	go m.store.TouchLastUsed(context.Background(), id)
}

func (m *Manager) dropSession(sessionID string) {
	m.sessMu.Lock()
	delete(m.sessions, sessionID)
	m.sessMu.Unlock()
}

// prepareGrant refreshes the token if needed and ensures a project id,
// then returns the credential.
func (m *Manager) prepareGrant(ctx context.Context, id string) (*TokenGrant, error) {
	m.mu.RLock()
	a := m.accounts[id]
	m.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("account %s vanished from pool", id)
	}

	if time.Now().Unix() >= a.Token.ExpiryTimestamp-config.TokenRefreshLeadSeconds {
		if err := m.refreshAccount(ctx, id); err != nil {
			if errors.IsInvalidGrant(err) {
				m.DisableAccount(ctx, id, fmt.Sprintf("Refresh token revoked: %v", err))
			} else {
				utils.Warn("[Scheduler] Refresh failed for %s: %v", a.Email, err)
			}
			return nil, err
		}
		m.mu.RLock()
		a = m.accounts[id]
		m.mu.RUnlock()
		if a == nil {
			return nil, fmt.Errorf("account %s vanished from pool", id)
		}
	}

	if a.Token.ProjectID == "" {
		if err := m.resolveProject(ctx, id); err != nil {
			return nil, err
		}
		m.mu.RLock()
		a = m.accounts[id]
		m.mu.RUnlock()
	}

	return &TokenGrant{
		AccountID:   a.ID,
		Email:       a.Email,
		AccessToken: a.Token.AccessToken,
		ProjectID:   upstream.ProjectOrDefault(a.Token.ProjectID),
		Tier:        config.ParseTierID(a.Token.Tier),
	}, nil
}

// refreshAccount refreshes one account's access token, deduplicating
// concurrent refreshes of the same account.
func (m *Manager) refreshAccount(ctx context.Context, id string) error {
	m.refreshMu.Lock()
	if inflight, ok := m.refreshes[id]; ok {
		m.refreshMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inflight.done:
			return inflight.err
		}
	}
	result := &refreshResult{done: make(chan struct{})}
	m.refreshes[id] = result
	m.refreshMu.Unlock()

	result.err = m.doRefresh(ctx, id)
	close(result.done)

	m.refreshMu.Lock()
	delete(m.refreshes, id)
	m.refreshMu.Unlock()
	return result.err
}

func (m *Manager) doRefresh(ctx context.Context, id string) error {
	m.mu.RLock()
	a := m.accounts[id]
	m.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("account %s vanished from pool", id)
	}

	// Another goroutine may have refreshed while we queued.
	if time.Now().Unix() < a.Token.ExpiryTimestamp-config.TokenRefreshLeadSeconds {
		return nil
	}

	utils.Info("[Scheduler] Refreshing token for %s", a.Email)
	token, err := m.oauth.Refresh(ctx, a.Token.RefreshToken)
	if err != nil {
		if re, ok := err.(*errors.RefreshError); ok && re.AccountEmail == "" {
			re.AccountEmail = a.Email
		}
		return err
	}

	expiry := time.Now().Unix() + token.ExpiresIn
	if err := m.store.UpdateToken(ctx, id, token.AccessToken, token.ExpiresIn, expiry); err != nil {
		return err
	}

	m.mu.Lock()
	if cur := m.accounts[id]; cur != nil {
		cur.Token.AccessToken = token.AccessToken
		cur.Token.ExpiresIn = token.ExpiresIn
		cur.Token.ExpiryTimestamp = expiry
	}
	m.mu.Unlock()

	utils.Success("[Scheduler] Token refreshed for %s (expires in %s)",
		a.Email, utils.FormatDuration(token.ExpiresIn))
	return nil
}

func (m *Manager) resolveProject(ctx context.Context, id string) error {
	m.mu.RLock()
	a := m.accounts[id]
	m.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("account %s vanished from pool", id)
	}

	projectID, tierID := m.upstream.ResolveProject(ctx, a.Token.AccessToken)
	if projectID == "" {
		return fmt.Errorf("project resolution failed for %s", a.Email)
	}

	if err := m.store.UpdateProjectID(ctx, id, projectID); err != nil {
		return err
	}
	if tierID != "" {
		if err := m.store.UpdateTier(ctx, id, tierID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if cur := m.accounts[id]; cur != nil {
		cur.Token.ProjectID = projectID
		if tierID != "" {
			cur.Token.Tier = tierID
		}
	}
	m.rebuildOrderLocked()
	m.mu.Unlock()

	utils.Info("[Scheduler] Project resolved for %s: %s", a.Email, projectID)
	return nil
}

// GetTokenByEmail returns a ready credential for one specific account,
// bypassing selection. Used by quota fetch and warm-up.
func (m *Manager) GetTokenByEmail(ctx context.Context, email string) (*TokenGrant, error) {
	m.mu.RLock()
	var id string
	for _, a := range m.accounts {
		if a.Email == email {
			id = a.ID
			break
		}
	}
	m.mu.RUnlock()

	if id == "" {
		a, err := m.store.LoadAccountByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.accounts[a.ID] = a
		m.rebuildOrderLocked()
		m.mu.Unlock()
		id = a.ID
	}

	return m.prepareGrant(ctx, id)
}

// MarkRateLimited records an upstream limit against an account.
func (m *Manager) MarkRateLimited(accountID string, status int, retryAfterHeader, body, model string) {
	m.tracker.RecordFromError(accountID, status, retryAfterHeader, body, model)
}

// DisableAccount persists the disable flag and removes the account from
// the live pool.
func (m *Manager) DisableAccount(ctx context.Context, id, reason string) {
	m.mu.RLock()
	a := m.accounts[id]
	m.mu.RUnlock()

	email := id
	if a != nil {
		email = a.Email
	}
	utils.Error("[Scheduler] Disabling account %s: %s", email, utils.TruncateString(reason, 120))

	if err := m.store.SetDisabled(ctx, id, reason); err != nil {
		utils.Error("[Scheduler] Persisting disable for %s failed: %v", email, err)
	}

	m.mu.Lock()
	delete(m.accounts, id)
	m.rebuildOrderLocked()
	m.mu.Unlock()

	m.sessMu.Lock()
	for sid, b := range m.sessions {
		if b.accountID == id {
			delete(m.sessions, sid)
		}
	}
	m.sessMu.Unlock()
}

// PruneSessions drops session bindings idle beyond the TTL.
func (m *Manager) PruneSessions(ttl time.Duration) int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for sid, b := range m.sessions {
		if b.boundAt.Before(cutoff) {
			delete(m.sessions, sid)
			removed++
		}
	}
	return removed
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
