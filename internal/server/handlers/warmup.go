package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/internal/format"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// WarmupRequest is the self-issued payload from the warm-up scheduler.
type WarmupRequest struct {
	Email       string `json:"email"`
	Model       string `json:"model"`
	AccessToken string `json:"access_token"`
	ProjectID   string `json:"project_id"`
}

// WarmupHandler serves POST /internal/warmup. The endpoint fires one tiny
// generation on the named account so the model's fresh quota window is
// claimed immediately.
type WarmupHandler struct {
	dispatcher *Dispatcher
}

// NewWarmupHandler creates the warm-up handler.
func NewWarmupHandler(d *Dispatcher) *WarmupHandler {
	return &WarmupHandler{dispatcher: d}
}

// Warmup handles POST /internal/warmup.
func (h *WarmupHandler) Warmup(c *gin.Context) {
	var req WarmupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	token, project := req.AccessToken, req.ProjectID
	if token == "" {
		grant, err := h.dispatcher.Scheduler.GetTokenByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not available: " + err.Error()})
			return
		}
		token, project = grant.AccessToken, grant.ProjectID
	}

	body := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{
				"role":  "user",
				"parts": []interface{}{map[string]interface{}{"text": "Hi"}},
			},
		},
		"generationConfig": map[string]interface{}{"maxOutputTokens": 1},
	}
	envelope := format.WrapGeminiRequest(project, req.Model, body)

	resp, err := h.dispatcher.Upstream.CallInternal(c.Request.Context(), methodGenerate, token, envelope)
	if err != nil {
		utils.Warn("[Warmup] %s / %s failed: %v", req.Email, req.Model, err)
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}

	utils.Info("[Warmup] %s / %s -> HTTP %d", req.Email, req.Model, resp.StatusCode)
	c.JSON(http.StatusOK, gin.H{
		"ok":     resp.OK(),
		"status": resp.StatusCode,
		"model":  req.Model,
		"email":  req.Email,
	})
}
