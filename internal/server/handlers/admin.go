package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// AdminHandler serves the management API: account CRUD, proxy logs and
// runtime configuration.
type AdminHandler struct {
	dispatcher *Dispatcher
	store      *store.Store
}

// NewAdminHandler creates the management handler.
func NewAdminHandler(d *Dispatcher, st *store.Store) *AdminHandler {
	return &AdminHandler{dispatcher: d, store: st}
}

// Health handles GET /health with a pool summary.
func (h *AdminHandler) Health(c *gin.Context) {
	accounts := h.dispatcher.Scheduler.Accounts()

	available := 0
	disabled := 0
	for _, acct := range accounts {
		if acct.Disabled || acct.ProxyDisabled {
			disabled++
			continue
		}
		available++
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"counts": gin.H{
			"total":     len(accounts),
			"available": available,
			"disabled":  disabled,
		},
	})
}

type accountView struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	Tier           string `json:"tier,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	ProxyDisabled  bool   `json:"proxy_disabled"`
	IsCurrent      bool   `json:"is_current"`
	CreatedAt      int64  `json:"created_at"`
	LastUsed       int64  `json:"last_used"`
	RateLimited    bool   `json:"rate_limited"`
	RemainingWait  int64  `json:"remaining_wait,omitempty"`
}

// ListAccounts handles GET /api/accounts. Credentials never leave the
// process; the view carries status fields only.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		wait := h.dispatcher.Tracker.RemainingWait(acct.ID, "")
		views = append(views, accountView{
			ID:             acct.ID,
			Email:          acct.Email,
			Name:           acct.Name,
			Tier:           acct.Token.Tier,
			ProjectID:      acct.Token.ProjectID,
			Disabled:       acct.Disabled,
			DisabledReason: acct.DisabledReason,
			ProxyDisabled:  acct.ProxyDisabled,
			IsCurrent:      acct.IsCurrent,
			CreatedAt:      acct.CreatedAt,
			LastUsed:       acct.LastUsed,
			RateLimited:    wait > 0,
			RemainingWait:  wait,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// DeleteAccount handles DELETE /api/accounts/:id.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteAccounts(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.dispatcher.Scheduler.LoadAccounts(c.Request.Context()); err != nil {
		utils.Warn("[Admin] Pool reload after delete failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SwitchAccount handles POST /api/accounts/:id/switch.
func (h *AdminHandler) SwitchAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.SwitchCurrent(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// EnableAccount handles POST /api/accounts/:id/enable.
func (h *AdminHandler) EnableAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.SetEnabled(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.dispatcher.Scheduler.LoadAccounts(c.Request.Context()); err != nil {
		utils.Warn("[Admin] Pool reload after enable failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DisableAccount handles POST /api/accounts/:id/disable.
func (h *AdminHandler) DisableAccount(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "Disabled by operator"
	}
	h.dispatcher.Scheduler.DisableAccount(c.Request.Context(), id, body.Reason)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AccountQuota handles GET /api/accounts/:id/quota with a live fetch.
func (h *AdminHandler) AccountQuota(c *gin.Context) {
	ctx := c.Request.Context()
	acct, err := h.store.LoadAccount(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	grant, err := h.dispatcher.Scheduler.GetTokenByEmail(ctx, acct.Email)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	quota, err := h.dispatcher.Upstream.FetchQuota(ctx, grant.AccessToken, grant.ProjectID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, quota)
}

// GetLogs handles GET /api/logs with limit/offset paging.
func (h *AdminHandler) GetLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	logs, err := h.store.GetLogs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := h.store.CountLogs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

// ClearLogs handles DELETE /api/logs.
func (h *AdminHandler) ClearLogs(c *gin.Context) {
	if err := h.store.ClearLogs(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetConfig handles GET /api/config.
func (h *AdminHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Config.Get())
}

// UpdateConfig handles PUT /api/config: the full AppConfig is replaced,
// persisted, and the upstream client reconfigured.
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var next config.AppConfig
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config: " + err.Error()})
		return
	}

	if err := h.dispatcher.Config.Update(func(cfg *config.AppConfig) {
		*cfg = next
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	applied := h.dispatcher.Config.Get()
	if err := h.dispatcher.Upstream.Reconfigure(&applied); err != nil {
		utils.Warn("[Admin] Upstream reconfigure failed: %v", err)
	}
	c.JSON(http.StatusOK, applied)
}
